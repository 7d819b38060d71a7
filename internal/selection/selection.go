// Package selection tracks which provider calendars are included in
// reconciliation. Excluded calendars are persisted as a set of ignored IDs.
package selection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	appLog "upnext/internal/log"
	"upnext/internal/model"
	"upnext/internal/prefs"
	"upnext/internal/provider"
)

// IgnoredKey is the preference key holding ignored calendar IDs.
const IgnoredKey = "ignored-calendar-ids"

// CalendarLister is the subset of provider.Provider the store needs.
type CalendarLister interface {
	ListCalendars(ctx context.Context) ([]provider.Calendar, error)
}

// Store merges the provider's calendar list with the ignored-ID set.
//
// The ignored set is loaded from prefs on first use. Until a load
// succeeds, toggles are kept in memory only and replayed on top of the
// stored set once it can be read, so a stored set is never overwritten by
// a partial one.
type Store struct {
	lister CalendarLister
	prefs  prefs.Store

	mu      sync.Mutex
	loaded  bool
	ignored map[string]struct{}
	// pending holds toggles made before the stored set was loaded:
	// id -> ignored.
	pending map[string]bool
}

func New(lister CalendarLister, p prefs.Store) *Store {
	return &Store{
		lister:  lister,
		prefs:   p,
		ignored: make(map[string]struct{}),
		pending: make(map[string]bool),
	}
}

// List fetches the provider's calendars and marks each as selected or not.
func (s *Store) List(ctx context.Context) ([]model.SelectedCalendar, error) {
	cals, err := s.lister.ListCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	return s.Merge(ctx, cals), nil
}

// Merge computes SelectedCalendar values for cals without provider I/O.
func (s *Store) Merge(ctx context.Context, cals []provider.Calendar) []model.SelectedCalendar {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)

	out := make([]model.SelectedCalendar, 0, len(cals))
	for _, c := range cals {
		_, ignored := s.ignored[c.ID]
		out = append(out, model.SelectedCalendar{
			ID:         c.ID,
			Title:      c.Title,
			IsSelected: !ignored,
		})
	}
	return out
}

// Toggle flips id in the ignored set and persists the result before
// returning. On a persistence failure the in-memory change is kept and the
// error is returned. If the stored set cannot be read, nothing is written.
func (s *Store) Toggle(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	loadErr := s.loadLocked(ctx)

	_, ignored := s.ignored[id]
	if ignored {
		delete(s.ignored, id)
	} else {
		s.ignored[id] = struct{}{}
	}

	if s.prefs == nil {
		return nil
	}
	if !s.loaded {
		s.pending[id] = !ignored
		appLog.Error("selection: stored ignored calendars unreadable; toggle kept in memory", loadErr, "id", id)
		return fmt.Errorf("toggle not persisted: %w", loadErr)
	}
	if err := s.persistLocked(ctx); err != nil {
		appLog.Error("selection: persist ignored calendars failed; keeping in memory", err, "id", id)
		return err
	}
	return nil
}

// Ignored returns the sorted ignored IDs.
func (s *Store) Ignored(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	return s.ignoredListLocked()
}

// IncludedIDs returns the IDs of selected calendars in input order.
func IncludedIDs(cals []model.SelectedCalendar) []string {
	ids := make([]string, 0, len(cals))
	for _, c := range cals {
		if c.IsSelected {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// loadLocked reads the stored set once. On failure it is retried on the
// next call and the in-memory set is used meanwhile. On success, toggles
// made while unloaded are applied on top and written back.
func (s *Store) loadLocked(ctx context.Context) error {
	if s.loaded || s.prefs == nil {
		return nil
	}

	ids, _, err := s.prefs.GetStringList(ctx, IgnoredKey)
	if err != nil {
		appLog.Error("selection: load ignored calendars failed; using in-memory set", err)
		return fmt.Errorf("load ignored calendars: %w", err)
	}
	s.loaded = true

	stored := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		stored[id] = struct{}{}
	}
	for id, ignored := range s.pending {
		if ignored {
			stored[id] = struct{}{}
		} else {
			delete(stored, id)
		}
	}
	s.ignored = stored

	if len(s.pending) > 0 {
		s.pending = make(map[string]bool)
		if err := s.persistLocked(ctx); err != nil {
			appLog.Error("selection: replay of in-memory toggles not persisted", err)
		}
	}
	return nil
}

func (s *Store) persistLocked(ctx context.Context) error {
	if err := s.prefs.SetStringList(ctx, IgnoredKey, s.ignoredListLocked()); err != nil {
		return fmt.Errorf("persist ignored calendars: %w", err)
	}
	return nil
}

func (s *Store) ignoredListLocked() []string {
	out := make([]string, 0, len(s.ignored))
	for id := range s.ignored {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
