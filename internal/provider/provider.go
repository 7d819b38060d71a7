// Package provider defines the calendar data source consumed by the
// reconciliation engine. Concrete providers live in internal/ics and
// internal/caldav.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"upnext/internal/model"
)

var (
	// ErrInvalidWindow is returned by QueryEvents when end is before start.
	ErrInvalidWindow = errors.New("provider: query window end is before start")
	// ErrNotAuthorized is returned when calendar access has not been granted.
	ErrNotAuthorized = errors.New("provider: calendar access not authorized")
)

// StatusError is an HTTP response status from a calendar server that
// could not be served.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("calendar server responded %s", e.Status)
	}
	return fmt.Sprintf("calendar server responded %d", e.Code)
}

// IsAuthStatus reports whether code is a credential rejection.
func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsAuthError reports whether err carries a 401/403 StatusError. Transport
// failures, timeouts and other statuses are not auth errors.
func IsAuthError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return IsAuthStatus(se.Code)
}

// Authorization is the provider's access state.
type Authorization string

const (
	NotDetermined Authorization = "not-determined"
	Denied        Authorization = "denied"
	Authorized    Authorization = "authorized"
)

// Calendar is one calendar known to the provider.
type Calendar struct {
	ID    string
	Title string
}

// Attendee is one participant of a record.
type Attendee struct {
	Email         string
	Name          string
	IsCurrentUser bool
	Status        model.Status
}

// Record is a raw event occurrence as returned by a provider.
type Record struct {
	ID         string
	SeriesID   string
	CalendarID string

	Title string
	Start time.Time
	End   time.Time

	Availability model.Availability
	AllDay       bool
	Attendees    []Attendee
	Notes        string
}

// Provider is an opaque calendar source queried by date range.
//
// RefreshSources pulls remote data into the provider's local
// materialization; QueryEvents answers from that materialization and is
// expected to be cheap.
type Provider interface {
	AuthorizationStatus() Authorization
	RequestAccess(ctx context.Context) (bool, error)
	ListCalendars(ctx context.Context) ([]Calendar, error)
	RefreshSources(ctx context.Context) error
	QueryEvents(ctx context.Context, start, end time.Time, calendarIDs []string) ([]Record, error)
}

// Overlaps reports whether [aStart, aEnd) intersects [bStart, bEnd].
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aEnd.After(bStart) && !aStart.After(bEnd)
}
