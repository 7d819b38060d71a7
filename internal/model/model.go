package model

import "time"

const (
	// SoonThreshold is the start distance below which an event may interrupt
	// the user.
	SoonThreshold = 300 * time.Second
	// VerySoonThreshold marks the final countdown before start.
	VerySoonThreshold = 60 * time.Second
)

// Status is the current user's own response to an event.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusTentative Status = "tentative"
	StatusPending   Status = "pending"
	StatusUnknown   Status = "unknown"
	StatusInProcess Status = "in-process"
	StatusCompleted Status = "completed"
)

// Availability describes how an event blocks the user's time.
type Availability string

const (
	AvailabilityBusy         Availability = "busy"
	AvailabilityFree         Availability = "free"
	AvailabilityTentative    Availability = "tentative"
	AvailabilityUnavailable  Availability = "unavailable"
	AvailabilityNotSupported Availability = "not-supported"
)

// Event is one classified occurrence. All derived fields are computed once
// against a single "now" when the event is built and never change after.
type Event struct {
	// ID is unique per occurrence; instances of one recurring series have
	// different IDs but share SeriesID.
	ID         string `json:"id"`
	SeriesID   string `json:"series_id,omitempty"`
	CalendarID string `json:"calendar_id"`

	Title  string    `json:"title"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Status Status    `json:"status"`

	HasStarted bool `json:"has_started"`
	// Remaining is Start - now; negative once the event has started.
	Remaining time.Duration `json:"remaining"`
	// UntilEnd is End - now.
	UntilEnd   time.Duration `json:"until_end"`
	IsSoon     bool          `json:"is_soon"`
	IsVerySoon bool          `json:"is_very_soon"`
	// Elapsed is the elapsed fraction of [Start, End] in 0..1. Only
	// meaningful when HasStarted is true.
	Elapsed float64 `json:"elapsed,omitempty"`
	// Day groups events by calendar day relative to today (0 = today).
	Day int `json:"day"`
}

// NewEvent freezes the derived fields of an event relative to now.
func NewEvent(id, seriesID, calendarID, title string, start, end time.Time, status Status, now time.Time) Event {
	remaining := start.Sub(now)
	ev := Event{
		ID:         id,
		SeriesID:   seriesID,
		CalendarID: calendarID,
		Title:      title,
		Start:      start,
		End:        end,
		Status:     status,
		HasStarted: !start.After(now),
		Remaining:  remaining,
		UntilEnd:   end.Sub(now),
		IsSoon:     remaining < SoonThreshold,
		IsVerySoon: remaining < VerySoonThreshold,
		Day:        dayOffset(now, start),
	}
	if ev.HasStarted {
		if total := end.Sub(start); total > 0 {
			ev.Elapsed = float64(now.Sub(start)) / float64(total)
			if ev.Elapsed > 1 {
				ev.Elapsed = 1
			}
		}
	}
	return ev
}

// StartOfDay returns local midnight of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// dayOffset counts calendar days from now's day to t's day, in now's zone.
func dayOffset(now, t time.Time) int {
	a := StartOfDay(now)
	b := StartOfDay(t.In(now.Location()))
	// Compare by date to stay correct across DST transitions.
	days := 0
	for a.Before(b) {
		a = a.AddDate(0, 0, 1)
		days++
	}
	for b.Before(a) {
		b = b.AddDate(0, 0, 1)
		days--
	}
	return days
}

// SelectedCalendar is one provider calendar and whether it is included.
type SelectedCalendar struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	IsSelected bool   `json:"is_selected"`
}
