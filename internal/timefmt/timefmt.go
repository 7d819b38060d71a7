// Package timefmt renders signed durations as compact human strings such as
// "45s", "2m 30s", "12m", "2h 05m", "5h" or "3d".
package timefmt

import (
	"fmt"
	"math"
	"time"

	"upnext/internal/model"
)

// Mode selects how the sign of a duration is rendered.
type Mode int

const (
	// Signed prefixes negative durations with "-".
	Signed Mode = iota
	// Relative renders "in X" for future and "X ago" for past durations.
	Relative
	// Remaining renders "X remaining" regardless of sign.
	Remaining
)

// Format renders d according to mode. The digits depend only on |d|.
func Format(d time.Duration, mode Mode) string {
	negative := d < 0
	mag := magnitude(math.Abs(d.Seconds()))

	switch mode {
	case Relative:
		if negative {
			return mag + " ago"
		}
		return "in " + mag
	case Remaining:
		return mag + " remaining"
	default:
		if negative {
			return "-" + mag
		}
		return mag
	}
}

// Describe picks the natural rendering for an event at now: time left
// once started, otherwise the distance to its start.
func Describe(e model.Event, now time.Time) string {
	if !e.Start.After(now) {
		return Format(e.End.Sub(now), Remaining)
	}
	return Format(e.Start.Sub(now), Relative)
}

// magnitude formats a non-negative number of seconds. Thresholds are
// checked from the smallest unit up; the compound forms use the ceiling of
// the remainder so they never understate the time left.
func magnitude(secs float64) string {
	if secs < 60 {
		return fmt.Sprintf("%ds", int(math.Round(secs)))
	}
	if secs < 300 {
		m, s := split(secs, 60)
		return fmt.Sprintf("%dm %02ds", m, s)
	}

	mins := secs / 60
	if mins < 60 {
		return fmt.Sprintf("%dm", int(math.Round(mins)))
	}
	if mins < 240 {
		h, m := split(mins, 60)
		return fmt.Sprintf("%dh %02dm", h, m)
	}

	hours := mins / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", int(math.Round(hours)))
	}

	return fmt.Sprintf("%dd", int(math.Round(hours/24)))
}

// split divides v into whole units of size base and a ceiling remainder,
// carrying a full remainder into the next unit.
func split(v float64, base int) (int, int) {
	whole := int(v) / base
	rest := int(math.Ceil(v - float64(whole*base)))
	if rest >= base {
		whole++
		rest -= base
	}
	return whole, rest
}
