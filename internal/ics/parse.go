package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "upnext/internal/log"
	"upnext/internal/model"
)

// Attendee is an ATTENDEE line with its participation status.
type Attendee struct {
	Email  string
	Name   string
	Status model.Status
}

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser (or converted from a CalDAV object). Recurrence
// expansion operates on this type.
type ParsedEvent struct {
	Source Source

	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start   time.Time
	End     time.Time
	AllDay  bool
	StartTZ string
	EndTZ   string

	Availability model.Availability
	Organizer    string
	Attendees    []Attendee
	Cancelled    bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present) in event's own timezone
	IsOverride bool       // true if this VEVENT is an override for a recurring instance
}

// ParseICS parses a single ICS payload into a list of ParsedEvent.
//
//   - It relies on the underlying library's VTIMEZONE/TZID handling to
//     construct proper time.Time values (with Location set).
//   - It detects all-day events by inspecting the DTSTART value format.
//   - It records RRULE/EXDATE/RECURRENCE-ID but does not expand recurrences;
//     expansion is done in expand.go.
func ParseICS(src Source, body []byte) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	events := make([]ParsedEvent, 0)

	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent
	out.Source = src

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		start, err = ve.GetAllDayStartAt()
	}
	if err != nil {
		return out, errors.New("missing or invalid DTSTART")
	}
	end, endErr := ve.GetEndAt()
	if endErr != nil {
		end, endErr = ve.GetAllDayEndAt()
	}

	out.Start = start
	out.End = end

	// Detect all-day: VALUE=DATE or no 'T' in the DTSTART value.
	if dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart); dtStartProp != nil {
		if params := dtStartProp.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.AllDay = true
			}
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				out.StartTZ = tzs[0]
			}
		}
		if !strings.Contains(dtStartProp.Value, "T") {
			out.AllDay = true
		}
	}

	if dtEndProp := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEndProp != nil {
		if params := dtEndProp.ICalParameters; params != nil {
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				out.EndTZ = tzs[0]
			}
		}
	}

	if endErr != nil || !out.End.After(out.Start) {
		if !out.AllDay {
			return out, errors.New("event has no positive duration")
		}
		out.End = out.Start.AddDate(0, 0, 1)
	}

	var transp, busy string
	if p := ve.GetProperty("TRANSP"); p != nil {
		transp = p.Value
	}
	if p := ve.GetProperty("X-MICROSOFT-CDO-BUSYSTATUS"); p != nil {
		busy = p.Value
	}
	out.Availability = ParseAvailability(transp, busy)

	if p := ve.GetProperty("STATUS"); p != nil && strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED") {
		out.Cancelled = true
	}

	if p := ve.GetProperty(ical.ComponentPropertyOrganizer); p != nil {
		out.Organizer = NormalizeEmail(p.Value)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyAttendee) {
		a := Attendee{Email: NormalizeEmail(p.Value)}
		if params := p.ICalParameters; params != nil {
			if vs, ok := params["PARTSTAT"]; ok && len(vs) > 0 {
				a.Status = ParseParticipation(vs[0])
			} else {
				a.Status = model.StatusPending
			}
			if vs, ok := params["CN"]; ok && len(vs) > 0 {
				a.Name = vs[0]
			}
		} else {
			a.Status = model.StatusPending
		}
		out.Attendees = append(out.Attendees, a)
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	// EXDATE can appear multiple times, each with a comma-separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, paramTZ(p.ICalParameters)); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty("RECURRENCE-ID"); ridProp != nil {
		if t, err := parseICSTime(ridProp.Value, paramTZ(ridProp.ICalParameters)); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// ParseParticipation maps an RFC 5545 PARTSTAT value to a Status.
func ParseParticipation(v string) model.Status {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "ACCEPTED":
		return model.StatusAccepted
	case "DECLINED":
		return model.StatusDeclined
	case "TENTATIVE":
		return model.StatusTentative
	case "NEEDS-ACTION", "":
		return model.StatusPending
	case "IN-PROCESS":
		return model.StatusInProcess
	case "COMPLETED":
		return model.StatusCompleted
	default:
		// DELEGATED and X- values.
		return model.StatusUnknown
	}
}

// ParseAvailability derives availability from TRANSP and the Outlook busy
// status extension, which is more specific when present.
func ParseAvailability(transp, busyStatus string) model.Availability {
	switch strings.ToUpper(strings.TrimSpace(busyStatus)) {
	case "FREE":
		return model.AvailabilityFree
	case "TENTATIVE":
		return model.AvailabilityTentative
	case "BUSY":
		return model.AvailabilityBusy
	case "OOF":
		return model.AvailabilityUnavailable
	}
	if strings.EqualFold(strings.TrimSpace(transp), "TRANSPARENT") {
		return model.AvailabilityFree
	}
	return model.AvailabilityBusy
}

// NormalizeEmail strips a mailto: prefix and lowercases the address.
func NormalizeEmail(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		v = v[7:]
	}
	return strings.ToLower(v)
}

func unescapeText(v string) string {
	r := strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return r.Replace(v)
}

func paramTZ(params map[string][]string) *time.Location {
	if params == nil {
		return time.Local
	}
	tzs, ok := params["TZID"]
	if !ok || len(tzs) == 0 {
		return time.Local
	}
	loc, err := time.LoadLocation(tzs[0])
	if err != nil {
		return time.Local
	}
	return loc
}

// parseICSTime parses a basic ICS date/date-time string for EXDATE and
// RECURRENCE-ID values. Floating values are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}

// ParseDateValue parses one raw DATE or DATE-TIME value, reading floating
// values in the zone named by tzid (or time.Local).
func ParseDateValue(v, tzid string) (time.Time, error) {
	var params map[string][]string
	if tzid != "" {
		params = map[string][]string{"TZID": {tzid}}
	}
	return parseICSTime(v, paramTZ(params))
}
