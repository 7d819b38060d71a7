package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"upnext/internal/caldav"
	"upnext/internal/config"
	"upnext/internal/controller"
	"upnext/internal/ics"
	appLog "upnext/internal/log"
	"upnext/internal/notify"
	"upnext/internal/prefs"
	"upnext/internal/provider"
	"upnext/internal/selection"
	"upnext/internal/timefmt"
	"upnext/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	appLog.Info("upnext starting", "version", "0.1.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	loc, ok := conf.ResolveLocation()
	if !ok {
		appLog.Error("failed to load timezone; falling back to local", nil, "name", conf.Timezone)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"poll", conf.Poll,
		"provider", conf.Provider,
		"ics_count", len(conf.ICS),
		"preferences", conf.Preferences.Driver,
		"telegram", conf.Telegram.Token != "",
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	store := openPrefs(ctx, conf)
	defer func() {
		if err := store.Close(); err != nil {
			appLog.Error("failed to close preference store", err)
		}
	}()

	prov := buildProvider(conf, loc)
	sel := selection.New(prov, store)

	var tg *notify.Telegram
	var notifier controller.Notifier
	if conf.Telegram.Token != "" {
		tg, err = notify.NewTelegram(conf.Telegram.Token, conf.Telegram.ChatID)
		if err != nil {
			appLog.Error("telegram notifier disabled", err)
		} else {
			notifier = tg
		}
	}

	ctrl := controller.New(prov, sel, notifier)

	if flags.once {
		runOnce(ctx, ctrl, prov, loc)
		return
	}

	runner := controller.NewRunner(ctrl, conf.Poll, loc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil {
			appLog.Error("runner exited", err)
			cancel()
		}
	}()

	if tg != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tg.Run(ctx)
		}()
	}

	if conf.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := web.Serve(ctx, conf, runner); err != nil {
				appLog.Error("HTTP server failed", err, "listen", conf.Listen)
				cancel()
			}
		}()
	}

	select {
	case <-runner.Started():
		if prov.AuthorizationStatus() == provider.NotDetermined {
			if _, err := runner.RequestAccess(ctx); err != nil {
				appLog.Error("failed to start access request", err)
			}
		}
	case <-ctx.Done():
	}

	<-ctx.Done()
	wg.Wait()
	appLog.Info("upnext exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/upnext/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one reconciliation pass, print the state and exit")

	flag.Parse()

	return cfg
}

// openPrefs opens the configured preference store and falls back to memory
// when it is unavailable.
func openPrefs(ctx context.Context, conf *config.Config) prefs.Store {
	store, err := prefs.Open(ctx, conf.Preferences.Driver, conf.Preferences.DSN)
	if err != nil {
		appLog.Error("preference store unavailable; calendar selection kept in memory", err, "driver", conf.Preferences.Driver)
		return prefs.NewMemory()
	}
	return store
}

func buildProvider(conf *config.Config, loc *time.Location) provider.Provider {
	if conf.Provider == "caldav" {
		return caldav.New(caldav.Config{
			URL:         conf.CalDAV.URL,
			Username:    conf.CalDAV.Username,
			Password:    conf.CalDAV.Password,
			HorizonDays: conf.CalDAV.HorizonDays,
			Location:    loc,
			SelfEmails:  conf.SelfEmails,
		})
	}

	sources := make([]ics.Source, 0, len(conf.ICS))
	for _, c := range conf.ICS {
		if c.URL == "" {
			continue
		}
		name := c.Name
		if name == "" {
			name = c.ID
		}
		sources = append(sources, ics.Source{ID: c.ID, Name: name, URL: c.URL})
	}
	return ics.NewFeed(ics.FeedConfig{
		Sources:    sources,
		CacheDir:   conf.CacheDir,
		Location:   loc,
		SelfEmails: conf.SelfEmails,
	})
}

// runOnce requests access if needed, runs one pass and logs the result.
func runOnce(ctx context.Context, ctrl *controller.Controller, prov provider.Provider, loc *time.Location) {
	now := time.Now().In(loc)

	switch prov.AuthorizationStatus() {
	case provider.NotDetermined:
		if ctrl.BeginAccessRequest() {
			granted, err := prov.RequestAccess(ctx)
			ctrl.FinishAccessRequest(ctx, granted, err, now)
		}
	case provider.Authorized:
		if err := ctrl.Poll(ctx, now); err != nil {
			appLog.Error("poll failed", err)
		}
	}

	snap := ctrl.Snapshot()
	appLog.Info("state",
		"authorization", string(snap.AuthorizationStatus),
		"events", len(snap.Events),
		"calendars", len(snap.SelectedCalendars),
	)
	for _, e := range snap.Events {
		appLog.Info("event",
			"title", e.Title,
			"start", e.Start.Format(time.RFC3339),
			"status", string(e.Status),
			"when", timefmt.Describe(e, now),
		)
	}
	if snap.SoonEvent != nil {
		appLog.Info("soon event", "title", snap.SoonEvent.Title, "message", notify.Message(*snap.SoonEvent))
	}
}
