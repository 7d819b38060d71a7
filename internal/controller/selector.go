package controller

import (
	"sort"
	"time"

	"upnext/internal/model"
)

// Selector holds the single "soon" slot and the dismissal set.
//
// It is not safe for concurrent use; the Controller owning it is driven by
// one goroutine.
type Selector struct {
	soon      *model.Event
	dismissed map[string]model.Event
}

func NewSelector() *Selector {
	return &Selector{dismissed: make(map[string]model.Event)}
}

// Select fills the slot from events if it is empty. The candidate is the
// first event, in list order, that has not started, is soon, is accepted
// and is not dismissed. It reports whether the slot was filled by this
// call.
func (s *Selector) Select(events []model.Event, now time.Time) (model.Event, bool) {
	if s.soon != nil {
		return *s.soon, false
	}
	for _, e := range events {
		if !e.Start.After(now) || !e.IsSoon || e.Status != model.StatusAccepted {
			continue
		}
		if _, ok := s.dismissed[e.ID]; ok {
			continue
		}
		ev := e
		s.soon = &ev
		return ev, true
	}
	return model.Event{}, false
}

// Dismiss moves the slot into the dismissal set. It reports false when the
// slot was empty.
func (s *Selector) Dismiss() bool {
	if s.soon == nil {
		return false
	}
	s.dismissed[s.soon.ID] = *s.soon
	s.soon = nil
	return true
}

// Prune drops dismissals whose event has ended at now.
func (s *Selector) Prune(now time.Time) {
	for id, e := range s.dismissed {
		if !e.End.After(now) {
			delete(s.dismissed, id)
		}
	}
}

// Soon returns the slot content.
func (s *Selector) Soon() (model.Event, bool) {
	if s.soon == nil {
		return model.Event{}, false
	}
	return *s.soon, true
}

// IsDismissed reports whether id is in the dismissal set.
func (s *Selector) IsDismissed(id string) bool {
	_, ok := s.dismissed[id]
	return ok
}

// Dismissed returns the dismissal set ordered by start, then ID.
func (s *Selector) Dismissed() []model.Event {
	out := make([]model.Event, 0, len(s.dismissed))
	for _, e := range s.dismissed {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
