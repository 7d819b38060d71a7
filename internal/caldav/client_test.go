package caldav

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upnext/internal/model"
	"upnext/internal/provider"
)

type fakeDAV struct {
	principalErr error
	calendars    []caldav.Calendar
	objects      map[string][]caldav.CalendarObject
	queryErr     map[string]error
	queries      []*caldav.CalendarQuery
}

func (f *fakeDAV) FindCurrentUserPrincipal(context.Context) (string, error) {
	if f.principalErr != nil {
		return "", f.principalErr
	}
	return "/principals/me/", nil
}

func (f *fakeDAV) FindCalendarHomeSet(_ context.Context, principal string) (string, error) {
	return principal + "calendars/", nil
}

func (f *fakeDAV) FindCalendars(context.Context, string) ([]caldav.Calendar, error) {
	return f.calendars, nil
}

func (f *fakeDAV) QueryCalendar(_ context.Context, cal string, q *caldav.CalendarQuery) ([]caldav.CalendarObject, error) {
	f.queries = append(f.queries, q)
	if err := f.queryErr[cal]; err != nil {
		return nil, err
	}
	return f.objects[cal], nil
}

func object(t *testing.T, path string, lines ...string) caldav.CalendarObject {
	t.Helper()
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//upnext//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR")
	cal, err := ical.NewDecoder(strings.NewReader(strings.Join(all, "\r\n") + "\r\n")).Decode()
	require.NoError(t, err)
	return caldav.CalendarObject{Path: path, Data: cal}
}

var now = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

func newTestProvider(dav *fakeDAV) *Provider {
	p := newProvider(Config{
		URL:      "https://dav.example.com",
		Username: "me@example.com",
		Password: "secret",
		Location: time.UTC,
	}, dav)
	p.now = func() time.Time { return now }
	return p
}

func TestRequestAccess(t *testing.T) {
	dav := &fakeDAV{calendars: []caldav.Calendar{{Path: "/cal/work/", Name: "Work"}}}
	p := newTestProvider(dav)

	assert.Equal(t, provider.NotDetermined, p.AuthorizationStatus())
	granted, err := p.RequestAccess(context.Background())
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, provider.Authorized, p.AuthorizationStatus())

	cals, err := p.ListCalendars(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []provider.Calendar{{ID: "/cal/work/", Title: "Work"}}, cals)
}

func TestRequestAccessDenied(t *testing.T) {
	p := newTestProvider(&fakeDAV{principalErr: &url.Error{
		Op:  "Propfind",
		URL: "https://dav.example.com",
		Err: &provider.StatusError{Code: http.StatusUnauthorized, Status: "401 Unauthorized"},
	}})

	granted, err := p.RequestAccess(context.Background())
	assert.Error(t, err)
	assert.False(t, granted)
	assert.Equal(t, provider.Denied, p.AuthorizationStatus())
}

func TestRequestAccessTransientFailureStaysUndetermined(t *testing.T) {
	for name, cause := range map[string]error{
		"timeout":      context.DeadlineExceeded,
		"server error": &provider.StatusError{Code: http.StatusBadGateway, Status: "502 Bad Gateway"},
		"network":      errors.New("dial tcp: connection refused"),
	} {
		t.Run(name, func(t *testing.T) {
			p := newTestProvider(&fakeDAV{principalErr: cause})

			granted, err := p.RequestAccess(context.Background())
			assert.ErrorIs(t, err, cause)
			assert.False(t, granted)
			assert.Equal(t, provider.NotDetermined, p.AuthorizationStatus())
		})
	}
}

func TestRequestAccessRejectedByServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "me@example.com", user)
		assert.Equal(t, "wrong", pass)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(Config{URL: srv.URL, Username: "me@example.com", Password: "wrong", Location: time.UTC})
	granted, err := p.RequestAccess(context.Background())
	assert.True(t, provider.IsAuthError(err))
	assert.False(t, granted)
	assert.Equal(t, provider.Denied, p.AuthorizationStatus())
}

func TestHorizonCoversQueryWindow(t *testing.T) {
	for _, days := range []int{-1, 0, 1, 2} {
		p := newProvider(Config{HorizonDays: days}, &fakeDAV{})
		assert.Equal(t, 3, p.cfg.HorizonDays, "horizon_days=%d", days)
	}
	p := newProvider(Config{HorizonDays: 7}, &fakeDAV{})
	assert.Equal(t, 7, p.cfg.HorizonDays)
}

func TestRequestAccessWithoutCredentials(t *testing.T) {
	p := newProvider(Config{}, &fakeDAV{})
	granted, err := p.RequestAccess(context.Background())
	assert.Error(t, err)
	assert.False(t, granted)
	assert.Equal(t, provider.Denied, p.AuthorizationStatus())
}

func TestRefreshAndQuery(t *testing.T) {
	dav := &fakeDAV{
		calendars: []caldav.Calendar{
			{Path: "/cal/work/", Name: "Work"},
			{Path: "/cal/broken/", Name: "Broken"},
		},
		objects: map[string][]caldav.CalendarObject{
			"/cal/work/": {
				object(t, "/cal/work/1.ics",
					"BEGIN:VEVENT",
					"UID:sync-1",
					"DTSTAMP:20260301T000000Z",
					"DTSTART:20260302T090000Z",
					"DTEND:20260302T093000Z",
					"SUMMARY:Weekly sync",
					"DESCRIPTION:weekly notes",
					"RRULE:FREQ=WEEKLY;COUNT=3",
					"ATTENDEE;PARTSTAT=DECLINED:mailto:me@example.com",
					"END:VEVENT"),
				object(t, "/cal/work/2.ics",
					"BEGIN:VEVENT",
					"UID:lunch",
					"DTSTAMP:20260301T000000Z",
					"DTSTART:20260302T120000Z",
					"DURATION:PT1H",
					"SUMMARY:Lunch",
					"TRANSP:TRANSPARENT",
					"END:VEVENT"),
			},
		},
		queryErr: map[string]error{"/cal/broken/": errors.New("boom")},
	}
	p := newTestProvider(dav)
	ctx := context.Background()

	_, err := p.RequestAccess(ctx)
	require.NoError(t, err)

	err = p.RefreshSources(ctx)
	assert.Error(t, err, "a failing calendar is reported")

	require.NotEmpty(t, dav.queries)
	vevent := dav.queries[0].CompFilter.Comps[0]
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), vevent.Start)
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), vevent.End)

	start := model.StartOfDay(now)
	recs, err := p.QueryEvents(ctx, start, start.AddDate(0, 0, 2), []string{"/cal/work/"})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	sync := recs[0]
	assert.Equal(t, "Weekly sync", sync.Title)
	assert.Equal(t, "sync-1", sync.SeriesID)
	require.Len(t, sync.Attendees, 1)
	assert.True(t, sync.Attendees[0].IsCurrentUser, "username doubles as self address")
	assert.Equal(t, model.StatusDeclined, sync.Attendees[0].Status)

	lunch := recs[1]
	assert.Equal(t, time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC), lunch.End)
	assert.Equal(t, model.AvailabilityFree, lunch.Availability)

	recs, err = p.QueryEvents(ctx, start, start.AddDate(0, 0, 2), []string{"/cal/broken/"})
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = p.QueryEvents(ctx, start, start.Add(-time.Minute), nil)
	assert.ErrorIs(t, err, provider.ErrInvalidWindow)
}
