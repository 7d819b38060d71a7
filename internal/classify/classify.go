// Package classify decides which provider records become published events.
package classify

import (
	"strings"
	"time"

	appLog "upnext/internal/log"
	"upnext/internal/model"
	"upnext/internal/provider"
)

// Reason explains why a record was excluded.
type Reason string

const (
	Included          Reason = ""
	ExcludedCalendar  Reason = "calendar-not-selected"
	ExcludedFree      Reason = "free-availability"
	ExcludedAllDay    Reason = "all-day"
	ExcludedFinished  Reason = "finished"
	ExcludedNotActive Reason = "not-accepted-and-started"
	ExcludedOptOut    Reason = "notes-opt-out"
)

// optOutMarkers exclude a record when found in its notes. Matching is
// case-sensitive.
var optOutMarkers = []string{"focus time", "#ignore"}

// Classify applies the inclusion policy to rec at now. The checks run in a
// fixed order and the first failing check decides the reason.
func Classify(rec provider.Record, now time.Time, included map[string]struct{}) (model.Event, Reason, bool) {
	if _, ok := included[rec.CalendarID]; !ok {
		return model.Event{}, ExcludedCalendar, false
	}
	if rec.Availability == model.AvailabilityFree {
		return model.Event{}, ExcludedFree, false
	}
	if rec.AllDay {
		return model.Event{}, ExcludedAllDay, false
	}
	if !rec.End.After(now) {
		return model.Event{}, ExcludedFinished, false
	}

	status := ResolveStatus(rec.Attendees)
	if status != model.StatusAccepted && !rec.Start.After(now) {
		return model.Event{}, ExcludedNotActive, false
	}

	for _, marker := range optOutMarkers {
		if strings.Contains(rec.Notes, marker) {
			return model.Event{}, ExcludedOptOut, false
		}
	}

	ev := model.NewEvent(rec.ID, rec.SeriesID, rec.CalendarID, rec.Title, rec.Start, rec.End, status, now)
	return ev, Included, true
}

// ResolveStatus returns the current user's response. A record without
// attendees is the user's own and counts as accepted; a record whose
// attendees do not include the user is unknown.
func ResolveStatus(attendees []provider.Attendee) model.Status {
	if len(attendees) == 0 {
		return model.StatusAccepted
	}
	for _, a := range attendees {
		if a.IsCurrentUser {
			if a.Status == "" {
				return model.StatusUnknown
			}
			return a.Status
		}
	}
	return model.StatusUnknown
}

// All classifies records in provider order and always returns a non-nil
// slice.
func All(records []provider.Record, now time.Time, includedIDs []string) []model.Event {
	included := make(map[string]struct{}, len(includedIDs))
	for _, id := range includedIDs {
		included[id] = struct{}{}
	}

	out := make([]model.Event, 0, len(records))
	for _, rec := range records {
		ev, reason, ok := Classify(rec, now, included)
		if !ok {
			appLog.Debug("classify: record excluded", "id", rec.ID, "calendar", rec.CalendarID, "reason", string(reason))
			continue
		}
		out = append(out, ev)
	}
	return out
}
