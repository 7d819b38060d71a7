// Package controller reconciles provider events into published state: the
// current event list, the single "soon" event and the dismissal set.
//
// A Controller is driven by exactly one goroutine (see Runner). Snapshot is
// the only method safe to call from elsewhere.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"upnext/internal/classify"
	appLog "upnext/internal/log"
	"upnext/internal/model"
	"upnext/internal/provider"
	"upnext/internal/selection"
)

const (
	// StaleAfter bounds how often provider sources are refreshed.
	StaleAfter = 60 * time.Second
	// QueryDays is how far past now the query window reaches.
	QueryDays = 2
)

// Notifier is told when the soon slot is newly filled.
type Notifier interface {
	NotifySoon(e model.Event)
}

// Snapshot is an immutable copy of the published state.
type Snapshot struct {
	// Events is nil until a pass has completed, and non-nil afterwards even
	// when nothing qualifies.
	Events              []model.Event
	SoonEvent           *model.Event
	SelectedCalendars   []model.SelectedCalendar
	IsRequestingAccess  bool
	AuthorizationStatus provider.Authorization
	LastFetchedAt       time.Time
	Dismissed           []model.Event
}

// Controller owns all reconciliation state.
type Controller struct {
	prov     provider.Provider
	sel      *selection.Store
	selector *Selector
	notifier Notifier

	events            []model.Event
	calendars         []provider.Calendar
	selectedCalendars []model.SelectedCalendar
	lastFetchedAt     time.Time
	requestingAccess  bool

	mu   sync.RWMutex
	snap Snapshot
}

// New builds a Controller. notifier may be nil.
func New(prov provider.Provider, sel *selection.Store, notifier Notifier) *Controller {
	c := &Controller{
		prov:     prov,
		sel:      sel,
		selector: NewSelector(),
		notifier: notifier,
	}
	c.publish()
	return c
}

// Poll runs one reconciliation pass against now.
//
// Without authorization it does nothing. A calendar listing or query
// failure aborts the pass and leaves published events untouched; a source
// refresh failure is logged and the pass continues on cached data.
func (c *Controller) Poll(ctx context.Context, now time.Time) error {
	defer c.publish()

	if c.prov.AuthorizationStatus() != provider.Authorized {
		return nil
	}

	cals, err := c.prov.ListCalendars(ctx)
	if err != nil {
		return fmt.Errorf("poll: list calendars: %w", err)
	}
	c.calendars = cals
	c.selectedCalendars = c.sel.Merge(ctx, cals)

	c.selector.Prune(now)

	if c.isStale(now) {
		if err := c.prov.RefreshSources(ctx); err != nil {
			appLog.Error("poll: refresh sources failed; using cached data", err)
		}
		c.lastFetchedAt = now
	}

	start := model.StartOfDay(now)
	end := now.AddDate(0, 0, QueryDays)
	if end.Before(start) {
		return fmt.Errorf("poll: %w", provider.ErrInvalidWindow)
	}

	ids := selection.IncludedIDs(c.selectedCalendars)
	recs, err := c.prov.QueryEvents(ctx, start, end, ids)
	if err != nil {
		return fmt.Errorf("poll: query events: %w", err)
	}

	c.events = classify.All(recs, now, ids)

	if ev, filled := c.selector.Select(c.events, now); filled {
		appLog.Info("soon event selected", "id", ev.ID, "title", ev.Title, "start", ev.Start.Format(time.RFC3339))
		if c.notifier != nil {
			c.notifier.NotifySoon(ev)
		}
	}
	return nil
}

func (c *Controller) isStale(now time.Time) bool {
	return c.lastFetchedAt.IsZero() || now.Sub(c.lastFetchedAt) > StaleAfter
}

// LastFetchedAgo returns the time since the last source refresh, and false
// when no refresh has happened yet.
func (c *Controller) LastFetchedAgo(now time.Time) (time.Duration, bool) {
	if c.lastFetchedAt.IsZero() {
		return 0, false
	}
	return now.Sub(c.lastFetchedAt), true
}

// Dismiss clears the soon slot into the dismissal set.
func (c *Controller) Dismiss() bool {
	defer c.publish()
	ok := c.selector.Dismiss()
	if ok {
		appLog.Info("soon event dismissed")
	}
	return ok
}

// ToggleCalendar flips a calendar's selection and recomputes the selected
// list from the last known calendars. A persistence error is returned but
// the toggle stays applied for this run.
func (c *Controller) ToggleCalendar(ctx context.Context, id string) error {
	defer c.publish()
	err := c.sel.Toggle(ctx, id)
	if c.calendars != nil {
		c.selectedCalendars = c.sel.Merge(ctx, c.calendars)
	}
	return err
}

// BeginAccessRequest marks an access request as in flight. It returns
// false if one is already running.
func (c *Controller) BeginAccessRequest() bool {
	if c.requestingAccess {
		return false
	}
	c.requestingAccess = true
	c.publish()
	return true
}

// FinishAccessRequest records the outcome of an access request. When
// access was granted a pass runs immediately.
func (c *Controller) FinishAccessRequest(ctx context.Context, granted bool, err error, now time.Time) {
	c.requestingAccess = false
	defer c.publish()

	if err != nil {
		appLog.Error("calendar access request failed", err, "status", string(c.prov.AuthorizationStatus()))
		return
	}
	appLog.Info("calendar access request finished", "granted", granted)
	if !granted {
		return
	}
	if perr := c.Poll(ctx, now); perr != nil {
		appLog.Error("poll after access grant failed", perr)
	}
}

// RequestingAccess reports whether an access request is in flight.
func (c *Controller) RequestingAccess() bool {
	return c.requestingAccess
}

// Snapshot returns the last published state. Safe for concurrent use.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// publish copies the owned state into a fresh Snapshot.
func (c *Controller) publish() {
	s := Snapshot{
		IsRequestingAccess:  c.requestingAccess,
		AuthorizationStatus: c.prov.AuthorizationStatus(),
		LastFetchedAt:       c.lastFetchedAt,
		Dismissed:           c.selector.Dismissed(),
	}
	if c.events != nil {
		s.Events = append(make([]model.Event, 0, len(c.events)), c.events...)
	}
	if c.selectedCalendars != nil {
		s.SelectedCalendars = append(make([]model.SelectedCalendar, 0, len(c.selectedCalendars)), c.selectedCalendars...)
	}
	if ev, ok := c.selector.Soon(); ok {
		// Prefer the copy from this pass so derived fields are current.
		for _, e := range c.events {
			if e.ID == ev.ID {
				ev = e
				break
			}
		}
		s.SoonEvent = &ev
	}

	c.mu.Lock()
	c.snap = s
	c.mu.Unlock()
}
