package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"upnext/internal/ics"
	appLog "upnext/internal/log"
	"upnext/internal/model"
	"upnext/internal/provider"
)

const (
	// Apple iCloud CalDAV endpoint
	DefaultiCloudURL = "https://caldav.icloud.com"

	// defaultHorizonDays is also the minimum: the download must cover
	// today plus the two-day query window.
	defaultHorizonDays = 3
)

// Config configures a CalDAV provider.
type Config struct {
	URL      string
	Username string
	Password string
	// HorizonDays bounds how far ahead RefreshSources materializes events.
	HorizonDays int
	// Location is the display zone all records are converted into.
	Location *time.Location
	// SelfEmails identify the current user among attendees. The username is
	// added automatically when it looks like an address.
	SelfEmails []string
}

// davClient is the part of *caldav.Client the provider uses.
type davClient interface {
	FindCurrentUserPrincipal(ctx context.Context) (string, error)
	FindCalendarHomeSet(ctx context.Context, principal string) (string, error)
	FindCalendars(ctx context.Context, calendarHomeSet string) ([]caldav.Calendar, error)
	QueryCalendar(ctx context.Context, calendar string, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error)
}

// Provider is a provider.Provider backed by a CalDAV server. Discovery and
// event download happen in RequestAccess and RefreshSources; QueryEvents
// answers from the downloaded set.
type Provider struct {
	cfg     Config
	connect func() (davClient, error)
	now     func() time.Time
	self    map[string]struct{}

	mu        sync.RWMutex
	client    davClient
	auth      provider.Authorization
	calendars []provider.Calendar
	parsed    map[string][]ics.ParsedEvent
}

var _ provider.Provider = (*Provider)(nil)

// New creates a CalDAV provider. The connection is established lazily.
func New(cfg Config) *Provider {
	if cfg.URL == "" {
		cfg.URL = DefaultiCloudURL
	}
	p := newProvider(cfg, nil)
	p.connect = func() (davClient, error) {
		httpClient := &http.Client{
			Transport: &basicAuthTransport{
				username: cfg.Username,
				password: cfg.Password,
			},
			Timeout: 30 * time.Second,
		}
		client, err := caldav.NewClient(httpClient, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to CalDAV: %w", err)
		}
		return client, nil
	}
	return p
}

func newProvider(cfg Config, client davClient) *Provider {
	if cfg.HorizonDays < defaultHorizonDays {
		cfg.HorizonDays = defaultHorizonDays
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	self := make(map[string]struct{})
	for _, e := range cfg.SelfEmails {
		self[ics.NormalizeEmail(e)] = struct{}{}
	}
	if strings.Contains(cfg.Username, "@") {
		self[ics.NormalizeEmail(cfg.Username)] = struct{}{}
	}
	return &Provider{
		cfg:     cfg,
		connect: func() (davClient, error) { return client, nil },
		now:     time.Now,
		self:    self,
		auth:    provider.NotDetermined,
		parsed:  make(map[string][]ics.ParsedEvent),
	}
}

// basicAuthTransport adds Basic Auth to HTTP requests and turns a
// credential rejection into a *provider.StatusError, which the WebDAV
// client passes through wrapped.
type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if provider.IsAuthStatus(resp.StatusCode) {
		resp.Body.Close()
		return nil, &provider.StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// IsConfigured returns true if the client has credentials
func (p *Provider) IsConfigured() bool {
	return p.cfg.Username != "" && p.cfg.Password != ""
}

func (p *Provider) dav() (davClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	c, err := p.connect()
	if err != nil {
		return nil, err
	}
	p.client = c
	return c, nil
}

func (p *Provider) AuthorizationStatus() provider.Authorization {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.auth
}

// RequestAccess verifies the credentials by resolving the user principal
// and discovering calendars. Only a 401/403 from the server denies access;
// any other failure leaves the status undetermined so it can be retried.
func (p *Provider) RequestAccess(ctx context.Context) (bool, error) {
	if !p.IsConfigured() {
		p.setAuth(provider.Denied)
		return false, errors.New("caldav: credentials not configured")
	}

	if _, err := p.discover(ctx); err != nil {
		if provider.IsAuthError(err) {
			p.setAuth(provider.Denied)
		}
		return false, err
	}
	p.setAuth(provider.Authorized)
	return true, nil
}

// ListCalendars returns the calendars found by the last discovery.
func (p *Provider) ListCalendars(context.Context) ([]provider.Calendar, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]provider.Calendar(nil), p.calendars...), nil
}

// RefreshSources rediscovers calendars and downloads each calendar's events
// for [start of today, +HorizonDays]. Calendars that fail keep their
// previous events.
func (p *Provider) RefreshSources(ctx context.Context) error {
	cals, err := p.discover(ctx)
	if err != nil {
		return err
	}
	client, err := p.dav()
	if err != nil {
		return err
	}

	from := model.StartOfDay(p.now().In(p.cfg.Location))
	to := from.AddDate(0, 0, p.cfg.HorizonDays)

	var errs []error
	for _, cal := range cals {
		events, err := p.fetchCalendar(ctx, client, cal, from, to)
		if err != nil {
			appLog.Error("caldav: query calendar failed", err, "calendar", cal.ID)
			errs = append(errs, fmt.Errorf("%s: %w", cal.ID, err))
			continue
		}
		p.mu.Lock()
		p.parsed[cal.ID] = events
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (p *Provider) QueryEvents(_ context.Context, start, end time.Time, calendarIDs []string) ([]provider.Record, error) {
	if end.Before(start) {
		return nil, provider.ErrInvalidWindow
	}
	if p.AuthorizationStatus() != provider.Authorized {
		return nil, provider.ErrNotAuthorized
	}

	p.mu.RLock()
	var events []ics.ParsedEvent
	for _, id := range calendarIDs {
		events = append(events, p.parsed[id]...)
	}
	p.mu.RUnlock()

	res, err := ics.ExpandOccurrences(events, ics.ExpandConfig{
		DisplayLocation: p.cfg.Location,
		RangeStart:      start,
		RangeEnd:        end,
		SelfEmails:      p.self,
	})
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// discover finds the user's calendars and caches the list.
func (p *Provider) discover(ctx context.Context) ([]provider.Calendar, error) {
	client, err := p.dav()
	if err != nil {
		return nil, err
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find home set: %w", err)
	}

	found, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find calendars: %w", err)
	}

	cals := make([]provider.Calendar, 0, len(found))
	for _, cal := range found {
		title := cal.Name
		if title == "" {
			title = cal.Path
		}
		cals = append(cals, provider.Calendar{ID: cal.Path, Title: title})
	}

	p.mu.Lock()
	p.calendars = cals
	p.mu.Unlock()
	return cals, nil
}

func (p *Provider) fetchCalendar(ctx context.Context, client davClient, cal provider.Calendar, from, to time.Time) ([]ics.ParsedEvent, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: from,
					End:   to,
				},
			},
		},
	}

	objects, err := client.QueryCalendar(ctx, cal.ID, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	src := ics.Source{ID: cal.ID, Name: cal.Title}
	var events []ics.ParsedEvent
	for i := range objects {
		evs, err := parseCalendarObject(src, &objects[i])
		if err != nil {
			appLog.Debug("caldav: skipping invalid object", "calendar", cal.ID, "path", objects[i].Path, "err", err)
			continue
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (p *Provider) setAuth(a provider.Authorization) {
	p.mu.Lock()
	p.auth = a
	p.mu.Unlock()
}

// parseCalendarObject converts every VEVENT of a CalDAV object, including
// recurrence overrides, into ics.ParsedEvent values.
func parseCalendarObject(src ics.Source, obj *caldav.CalendarObject) ([]ics.ParsedEvent, error) {
	if obj.Data == nil {
		return nil, fmt.Errorf("no data in calendar object")
	}

	var out []ics.ParsedEvent
	for _, comp := range obj.Data.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		ev, err := parseEvent(src, comp)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no VEVENT in calendar object")
	}
	return out, nil
}

func parseEvent(src ics.Source, comp *ical.Component) (ics.ParsedEvent, error) {
	ev := ics.ParsedEvent{Source: src}

	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		ev.UID = prop.Value
	}
	if ev.UID == "" {
		return ev, errors.New("missing UID")
	}
	ev.Summary = textProp(comp, ical.PropSummary)
	ev.Description = textProp(comp, ical.PropDescription)
	ev.Location = textProp(comp, ical.PropLocation)

	prop := comp.Props.Get(ical.PropDateTimeStart)
	if prop == nil {
		return ev, errors.New("missing DTSTART")
	}
	start, err := prop.DateTime(time.Local)
	if err != nil {
		return ev, fmt.Errorf("parse DTSTART: %w", err)
	}
	ev.Start = start
	ev.StartTZ = prop.Params.Get(ical.ParamTimezoneID)
	if valueType := prop.Params.Get(ical.ParamValue); valueType == string(ical.ValueDate) || !strings.Contains(prop.Value, "T") {
		ev.AllDay = true
	}

	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		if t, err := prop.DateTime(time.Local); err == nil {
			ev.End = t
		}
		ev.EndTZ = prop.Params.Get(ical.ParamTimezoneID)
	} else if prop := comp.Props.Get(ical.PropDuration); prop != nil {
		if d, err := prop.Duration(); err == nil {
			ev.End = ev.Start.Add(d)
		}
	}
	if !ev.End.After(ev.Start) {
		if !ev.AllDay {
			return ev, errors.New("event has no positive duration")
		}
		ev.End = ev.Start.AddDate(0, 0, 1)
	}

	busy := ""
	if prop := comp.Props.Get("X-MICROSOFT-CDO-BUSYSTATUS"); prop != nil {
		busy = prop.Value
	}
	ev.Availability = ics.ParseAvailability(textProp(comp, ical.PropTransparency), busy)
	ev.Cancelled = strings.EqualFold(textProp(comp, ical.PropStatus), "CANCELLED")

	if prop := comp.Props.Get(ical.PropOrganizer); prop != nil {
		ev.Organizer = ics.NormalizeEmail(prop.Value)
	}
	for _, prop := range comp.Props.Values(ical.PropAttendee) {
		ev.Attendees = append(ev.Attendees, ics.Attendee{
			Email:  ics.NormalizeEmail(prop.Value),
			Name:   prop.Params.Get(ical.ParamCommonName),
			Status: ics.ParseParticipation(prop.Params.Get(ical.ParamParticipationStatus)),
		})
	}

	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
		ev.RawRRule = prop.Value
	}
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		tzid := prop.Params.Get(ical.ParamTimezoneID)
		for _, part := range strings.Split(prop.Value, ",") {
			if t, err := ics.ParseDateValue(part, tzid); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}
	if prop := comp.Props.Get(ical.PropRecurrenceID); prop != nil {
		if t, err := prop.DateTime(time.Local); err == nil {
			ev.Recurrence = &t
			ev.IsOverride = true
		}
	}

	return ev, nil
}

func textProp(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	if s, err := prop.Text(); err == nil {
		return s
	}
	return prop.Value
}
