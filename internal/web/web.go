package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"upnext/internal/config"
	"upnext/internal/controller"
	appLog "upnext/internal/log"
	"upnext/internal/model"
	"upnext/internal/provider"
	"upnext/internal/timefmt"
)

// Backend is the command surface the API drives. *controller.Runner
// implements it.
type Backend interface {
	Snapshot() controller.Snapshot
	PollNow(ctx context.Context) error
	Dismiss(ctx context.Context) (bool, error)
	ToggleCalendar(ctx context.Context, id string) error
	RequestAccess(ctx context.Context) (bool, error)
}

// Server provides the HTTP API over the controller state.
type Server struct {
	cfg     *config.Config
	backend Backend
	now     func() time.Time
	router  chi.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, backend Backend) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		now:     time.Now,
		router:  chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="UpNext", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func Serve(ctx context.Context, cfg *config.Config, backend Backend) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           NewServer(cfg, backend).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(chimiddleware.RequestID)

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/access", s.handleAccess)
		r.Post("/dismiss", s.handleDismiss)
		r.Post("/poll", s.handlePoll)
		r.Post("/calendars/{id}/toggle", s.handleToggle)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventDTO is an Event plus its human-readable countdown at request time.
type eventDTO struct {
	model.Event
	RemainingDesc string `json:"remaining_desc"`
}

// stateResponse is the JSON shape for /api/state. Events is null until the
// first successful pass.
type stateResponse struct {
	Events              []eventDTO               `json:"events"`
	SoonEvent           *eventDTO                `json:"soon_event"`
	SelectedCalendars   []model.SelectedCalendar `json:"selected_calendars"`
	IsRequestingAccess  bool                     `json:"is_requesting_access"`
	AuthorizationStatus provider.Authorization   `json:"authorization_status"`
	LastFetchedAt       *time.Time               `json:"last_fetched_at"`
	Dismissed           []eventDTO               `json:"dismissed"`
}

func toDTO(e model.Event, now time.Time) eventDTO {
	return eventDTO{Event: e, RemainingDesc: timefmt.Describe(e, now)}
}

func toDTOs(events []model.Event, now time.Time) []eventDTO {
	if events == nil {
		return nil
	}
	out := make([]eventDTO, 0, len(events))
	for _, e := range events {
		out = append(out, toDTO(e, now))
	}
	return out
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	snap := s.backend.Snapshot()
	now := s.now()

	resp := stateResponse{
		Events:              toDTOs(snap.Events, now),
		SelectedCalendars:   snap.SelectedCalendars,
		IsRequestingAccess:  snap.IsRequestingAccess,
		AuthorizationStatus: snap.AuthorizationStatus,
		Dismissed:           toDTOs(snap.Dismissed, now),
	}
	if resp.SelectedCalendars == nil {
		resp.SelectedCalendars = []model.SelectedCalendar{}
	}
	if resp.Dismissed == nil {
		resp.Dismissed = []eventDTO{}
	}
	if snap.SoonEvent != nil {
		dto := toDTO(*snap.SoonEvent, now)
		resp.SoonEvent = &dto
	}
	if !snap.LastFetchedAt.IsZero() {
		t := snap.LastFetchedAt
		resp.LastFetchedAt = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	started, err := s.backend.RequestAccess(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	dismissed, err := s.backend.Dismiss(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"dismissed": dismissed})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.PollNow(r.Context()); err != nil {
		if isUnavailable(err) {
			writeBackendError(w, err)
			return
		}
		appLog.Error("api poll failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type toggleResponse struct {
	ID        string `json:"id"`
	Persisted bool   `json:"persisted"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "calendar id is required")
		return
	}

	err := s.backend.ToggleCalendar(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toggleResponse{ID: id, Persisted: true})
	case isUnavailable(err):
		writeBackendError(w, err)
	default:
		// The toggle is applied in memory; only persistence failed.
		writeJSON(w, http.StatusOK, toggleResponse{ID: id, Persisted: false, Error: err.Error()})
	}
}

func isUnavailable(err error) bool {
	return errors.Is(err, controller.ErrStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func writeBackendError(w http.ResponseWriter, err error) {
	appLog.Error("api command failed", err)
	writeError(w, http.StatusServiceUnavailable, "controller unavailable")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
