package ics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	appLog "upnext/internal/log"
	"upnext/internal/provider"
)

// FeedConfig configures a Feed provider.
type FeedConfig struct {
	Sources  []Source
	CacheDir string
	// Location is the display zone all records are converted into.
	Location *time.Location
	// SelfEmails identify the current user among attendees.
	SelfEmails []string
}

// Feed is a provider.Provider backed by ICS subscription URLs. Fetching
// happens only in RequestAccess and RefreshSources; QueryEvents expands the
// last parsed payloads in memory.
type Feed struct {
	fetcher *Fetcher
	sources []Source
	loc     *time.Location
	self    map[string]struct{}

	mu     sync.RWMutex
	auth   provider.Authorization
	parsed map[string][]ParsedEvent
}

var _ provider.Provider = (*Feed)(nil)

func NewFeed(cfg FeedConfig) *Feed {
	return NewFeedWithFetcher(cfg, NewFetcher(cfg.CacheDir))
}

// NewFeedWithFetcher is NewFeed with an explicit fetcher.
func NewFeedWithFetcher(cfg FeedConfig, f *Fetcher) *Feed {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	self := make(map[string]struct{}, len(cfg.SelfEmails))
	for _, e := range cfg.SelfEmails {
		self[NormalizeEmail(e)] = struct{}{}
	}
	return &Feed{
		fetcher: f,
		sources: cfg.Sources,
		loc:     loc,
		self:    self,
		auth:    provider.NotDetermined,
		parsed:  make(map[string][]ParsedEvent),
	}
}

func (f *Feed) AuthorizationStatus() provider.Authorization {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.auth
}

// RequestAccess fetches every source once. Any source producing a body
// grants access; all sources rejecting with 401/403 denies it. Other
// failures leave the status undetermined so the request can be retried.
func (f *Feed) RequestAccess(ctx context.Context) (bool, error) {
	if len(f.sources) == 0 {
		f.setAuth(provider.Denied)
		return false, errors.New("ics: no sources configured")
	}

	var (
		ok, denied int
		errs       []error
	)
	for _, src := range f.sources {
		res, err := f.fetcher.FetchOne(ctx, src)
		if err == nil && res.Rejected() {
			err = rejectedErr(res)
		}
		if err != nil {
			if provider.IsAuthError(err) {
				denied++
			}
			errs = append(errs, fmt.Errorf("%s: %w", src.ID, err))
			continue
		}
		if err := f.store(res); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.ID, err))
		}
		ok++
	}

	switch {
	case ok > 0:
		f.setAuth(provider.Authorized)
		if len(errs) > 0 {
			appLog.Error("ics: access granted with failing sources", errors.Join(errs...), "ok", ok, "failed", len(errs))
		}
		return true, nil
	case denied == len(f.sources):
		f.setAuth(provider.Denied)
		return false, errors.Join(errs...)
	default:
		return false, errors.Join(errs...)
	}
}

func (f *Feed) ListCalendars(context.Context) ([]provider.Calendar, error) {
	out := make([]provider.Calendar, 0, len(f.sources))
	for _, src := range f.sources {
		title := src.Name
		if title == "" {
			title = src.ID
		}
		out = append(out, provider.Calendar{ID: src.ID, Title: title})
	}
	return out, nil
}

// RefreshSources refetches all sources. A source that fails keeps its
// previous parse; the joined error reports which ones failed.
func (f *Feed) RefreshSources(ctx context.Context) error {
	results, errs := f.fetcher.FetchAll(ctx, f.sources)
	for _, res := range results {
		if res.Rejected() {
			errs = append(errs, fmt.Errorf("%s: %w", res.Source.ID, rejectedErr(res)))
			continue
		}
		if err := f.store(res); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Source.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Feed) QueryEvents(_ context.Context, start, end time.Time, calendarIDs []string) ([]provider.Record, error) {
	if end.Before(start) {
		return nil, provider.ErrInvalidWindow
	}
	if f.AuthorizationStatus() != provider.Authorized {
		return nil, provider.ErrNotAuthorized
	}

	f.mu.RLock()
	var events []ParsedEvent
	for _, id := range calendarIDs {
		events = append(events, f.parsed[id]...)
	}
	f.mu.RUnlock()

	res, err := ExpandOccurrences(events, ExpandConfig{
		DisplayLocation: f.loc,
		RangeStart:      start,
		RangeEnd:        end,
		SelfEmails:      f.self,
	})
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

func (f *Feed) store(res FetchResult) error {
	events, err := ParseICS(res.Source, res.Body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.parsed[res.Source.ID] = events
	f.mu.Unlock()
	return nil
}

func (f *Feed) setAuth(a provider.Authorization) {
	f.mu.Lock()
	f.auth = a
	f.mu.Unlock()
}

// rejectedErr turns a cached fallback after 401/403 back into the auth
// failure it hides.
func rejectedErr(res FetchResult) error {
	return &provider.StatusError{Code: res.Status, Status: fmt.Sprintf("%d %s", res.Status, http.StatusText(res.Status))}
}
