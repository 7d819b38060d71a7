package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upnext/internal/config"
	"upnext/internal/controller"
	"upnext/internal/model"
	"upnext/internal/provider"
)

type fakeBackend struct {
	snap      controller.Snapshot
	pollErr   error
	toggleErr error
	dismissed bool
	toggled   []string
	accessErr error
}

func (f *fakeBackend) Snapshot() controller.Snapshot { return f.snap }

func (f *fakeBackend) PollNow(context.Context) error { return f.pollErr }

func (f *fakeBackend) Dismiss(context.Context) (bool, error) { return f.dismissed, nil }

func (f *fakeBackend) ToggleCalendar(_ context.Context, id string) error {
	f.toggled = append(f.toggled, id)
	return f.toggleErr
}

func (f *fakeBackend) RequestAccess(context.Context) (bool, error) {
	return f.accessErr == nil, f.accessErr
}

var now = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

func newTestServer(cfg *config.Config, b Backend) http.Handler {
	s := NewServer(cfg, b)
	s.now = func() time.Time { return now }
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStateUnset(t *testing.T) {
	h := newTestServer(config.DefaultConfig(), &fakeBackend{snap: controller.Snapshot{
		AuthorizationStatus: provider.NotDetermined,
	}})

	rec := do(t, h, http.MethodGet, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Nil(t, body["events"], "events are null before the first pass")
	assert.Nil(t, body["soon_event"])
	assert.Nil(t, body["last_fetched_at"])
	assert.Equal(t, "not-determined", body["authorization_status"])
	assert.Equal(t, []any{}, body["selected_calendars"])
}

func TestStateEvents(t *testing.T) {
	soon := model.NewEvent("e1", "", "work", "Standup", now.Add(45*time.Second), now.Add(15*time.Minute), model.StatusAccepted, now)
	current := model.NewEvent("e0", "", "work", "Review", now.Add(-10*time.Minute), now.Add(2*time.Hour), model.StatusAccepted, now)
	h := newTestServer(config.DefaultConfig(), &fakeBackend{snap: controller.Snapshot{
		Events:              []model.Event{current, soon},
		SoonEvent:           &soon,
		SelectedCalendars:   []model.SelectedCalendar{{ID: "work", Title: "Work", IsSelected: true}},
		AuthorizationStatus: provider.Authorized,
		LastFetchedAt:       now,
	}})

	rec := do(t, h, http.MethodGet, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []struct {
			ID            string `json:"id"`
			HasStarted    bool   `json:"has_started"`
			RemainingDesc string `json:"remaining_desc"`
		} `json:"events"`
		SoonEvent *struct {
			ID            string `json:"id"`
			RemainingDesc string `json:"remaining_desc"`
		} `json:"soon_event"`
		LastFetchedAt *time.Time `json:"last_fetched_at"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	require.Len(t, body.Events, 2)
	assert.True(t, body.Events[0].HasStarted)
	assert.Equal(t, "2h 00m remaining", body.Events[0].RemainingDesc)
	assert.Equal(t, "in 45s", body.Events[1].RemainingDesc)
	require.NotNil(t, body.SoonEvent)
	assert.Equal(t, "e1", body.SoonEvent.ID)
	require.NotNil(t, body.LastFetchedAt)
	assert.True(t, now.Equal(*body.LastFetchedAt))
}

func TestCommands(t *testing.T) {
	b := &fakeBackend{dismissed: true}
	h := newTestServer(config.DefaultConfig(), b)

	rec := do(t, h, http.MethodPost, "/api/dismiss")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"dismissed":true}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/calendars/work/toggle")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"work","persisted":true}`, rec.Body.String())
	assert.Equal(t, []string{"work"}, b.toggled)

	rec = do(t, h, http.MethodPost, "/api/access")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/poll")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/dismiss")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCommandErrors(t *testing.T) {
	b := &fakeBackend{
		pollErr:   errors.New("query failed"),
		toggleErr: errors.New("disk full"),
		accessErr: controller.ErrStopped,
	}
	h := newTestServer(config.DefaultConfig(), b)

	rec := do(t, h, http.MethodPost, "/api/poll")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/calendars/work/toggle")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"work","persisted":false,"error":"disk full"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/access")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "s3cret"}
	h := newTestServer(cfg, &fakeBackend{})

	rec := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")

	rec = do(t, h, http.MethodGet, "/api/state")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.SetBasicAuth("admin", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
