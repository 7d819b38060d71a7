package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	appLog "upnext/internal/log"
	"upnext/internal/model"
	"upnext/internal/provider"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int

	// SelfEmails are the current user's addresses (normalized). They decide
	// which attendee, if any, is the current user.
	SelfEmails map[string]struct{}
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Records []provider.Record
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences takes a list of ParsedEvent (typically for one or more ICS
// sources) and expands them into concrete occurrences within the given time
// range. It handles:
//
//   - Single non-recurring events
//   - RRULE-based recurrence (DAILY/WEEKLY/MONTHLY/YEARLY, etc.)
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides
//   - All-day semantics
//   - STATUS:CANCELLED on base events and overrides
//
// All resulting occurrences are converted into the configured display
// timezone (ExpandConfig.DisplayLocation).
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group base events and overrides by UID.
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	allRecords := make([]provider.Record, 0)

	for uid, baseEvents := range baseByUID {
		ov := overridesByUID[uid]
		truncated := false

		for _, ev := range baseEvents {
			occ, hitCap := expandEvent(ev, ov, cfg)
			if hitCap {
				truncated = true
			}
			allRecords = append(allRecords, occ...)
		}

		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	// Map iteration above is unordered; callers rely on a stable order.
	sort.SliceStable(allRecords, func(i, j int) bool {
		if !allRecords[i].Start.Equal(allRecords[j].Start) {
			return allRecords[i].Start.Before(allRecords[j].Start)
		}
		return allRecords[i].ID < allRecords[j].ID
	})

	result.Records = allRecords
	return result, nil
}

// expandEvent expands a single ParsedEvent (base event) with its possible
// overrides within the given configuration, returning occurrences and whether
// the cap was hit.
func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]provider.Record, bool) {
	if ev.Cancelled {
		return nil, false
	}

	// Single non-recurring event
	if ev.RawRRule == "" {
		return expandSingleEvent(ev, overrides, cfg), false
	}

	// Recurring event via RRULE
	return expandRecurringEvent(ev, overrides, cfg)
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []provider.Record {
	instanceStart := ev.Start
	baseStart := ev.Start
	baseEnd := ev.End

	// Apply any override whose RECURRENCE-ID matches this start.
	if o, ok := findOverrideForStart(ev, overrides, baseStart); ok {
		if o.Cancelled {
			return nil
		}
		baseStart = o.Start
		baseEnd = o.End
		ev = o
	}

	if !provider.Overlaps(baseStart, baseEnd, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}

	return []provider.Record{makeRecord(ev, instanceStart, baseStart, baseEnd, cfg)}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]provider.Record, bool) {
	out := make([]provider.Record, 0)
	hitCap := false

	// Create base rule from RawRRule.
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}

	// Ensure Dtstart is set to the event's DTSTART.
	r.DTStart(ev.Start)

	// Build a set so we can apply EXDATE.
	var set rrule.Set
	set.RRule(r)

	// Apply EXDATEs.
	for _, ex := range ev.ExDates {
		// Best effort: align EXDATE location with event's start.
		exInLoc := ex.In(ev.Start.Location())
		set.ExDate(exInLoc)
	}

	// Adjust range into the event's original location for Between(). The
	// start is widened by the event duration so occurrences that began
	// before the window but are still running are kept.
	dur := ev.End.Sub(ev.Start)
	rangeStart := cfg.RangeStart.Add(-dur).In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)

	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occStart := range occTimes {
		var occEnd time.Time
		if ev.AllDay {
			// All-day: treat as [date 00:00, next day 00:00) in event's timezone.
			date := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occStart = date
			occEnd = date.Add(24 * time.Hour)
		} else {
			// Preserve original duration.
			occEnd = occStart.Add(dur)
		}

		baseStart := occStart
		baseEnd := occEnd
		baseEv := ev

		// Apply override if any.
		if o, ok := findOverrideForStart(ev, overrides, occStart); ok {
			if o.Cancelled {
				continue
			}
			baseStart = o.Start
			baseEnd = o.End
			baseEv = o
		}

		if !provider.Overlaps(baseStart, baseEnd, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}

		out = append(out, makeRecord(baseEv, occStart, baseStart, baseEnd, cfg))
	}

	return out, hitCap
}

// findOverrideForStart finds an override event whose RECURRENCE-ID matches
// the given baseStart (in the base event's timezone) with exact time equality.
func findOverrideForStart(base ParsedEvent, overrides []ParsedEvent, baseStart time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		// Align recurrence timestamp with base event's location for comparison.
		rid := ov.Recurrence.In(baseStart.Location())
		if rid.Equal(baseStart) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

// makeRecord converts a (possibly overridden) ParsedEvent + specific
// start/end time into a provider.Record normalized into the display zone.
// instanceStart is the unmodified recurrence start and keys the per-instance
// ID, so moving an instance does not change its identity.
func makeRecord(ev ParsedEvent, instanceStart, start, end time.Time, cfg ExpandConfig) provider.Record {
	rec := provider.Record{
		ID:           InstanceID(ev.Source.ID, ev.UID, instanceStart),
		SeriesID:     ev.UID,
		CalendarID:   ev.Source.ID,
		Title:        ev.Summary,
		Start:        start.In(cfg.DisplayLocation),
		End:          end.In(cfg.DisplayLocation),
		Availability: ev.Availability,
		AllDay:       ev.AllDay,
		Notes:        ev.Description,
	}
	if rec.Availability == "" {
		rec.Availability = model.AvailabilityBusy
	}

	selfSeen := false
	for _, a := range ev.Attendees {
		_, isSelf := cfg.SelfEmails[a.Email]
		selfSeen = selfSeen || isSelf
		rec.Attendees = append(rec.Attendees, provider.Attendee{
			Email:         a.Email,
			Name:          a.Name,
			IsCurrentUser: isSelf,
			Status:        a.Status,
		})
	}
	// Organizers are often not listed as attendees of their own meetings.
	if _, isSelf := cfg.SelfEmails[ev.Organizer]; isSelf && !selfSeen && len(rec.Attendees) > 0 {
		rec.Attendees = append(rec.Attendees, provider.Attendee{
			Email:         ev.Organizer,
			IsCurrentUser: true,
			Status:        model.StatusAccepted,
		})
	}

	return rec
}

// instanceNamespace scopes per-occurrence IDs.
var instanceNamespace = uuid.MustParse("6f1d0a8e-1c3b-4e0c-9a62-8f4f4c7d2b11")

// InstanceID derives a stable, per-occurrence identifier from the source,
// the series UID and the occurrence's original start.
func InstanceID(sourceID, uid string, instanceStart time.Time) string {
	key := sourceID + "|" + uid + "|" + instanceStart.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(instanceNamespace, []byte(key)).String()
}
