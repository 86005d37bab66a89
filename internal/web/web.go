package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"famcal/internal/config"
	"famcal/internal/ics"
	appLog "famcal/internal/log"
	"famcal/internal/store"
	"famcal/internal/viewcache"
)

const maxBodyBytes = 1 << 20

// Server provides the HTTP API over one family's views and events.
type Server struct {
	cfg    *config.Config
	views  *viewcache.Coordinator
	events store.Store
	mux    *http.ServeMux

	// WaitTimeout bounds how long ?wait=1 and refresh requests block.
	WaitTimeout time.Duration
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, views *viewcache.Coordinator, events store.Store) *Server {
	s := &Server{
		cfg:         cfg,
		views:       views,
		events:      events,
		mux:         http.NewServeMux(),
		WaitTimeout: 10 * time.Second,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
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
	// Empty credentials mean disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
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
			w.Header().Set("WWW-Authenticate", `Basic realm="famcal", charset="UTF-8"`)
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

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
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
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/views", s.handleListViews)
	s.mux.HandleFunc("GET /api/views/{key}", s.handleGetView)
	s.mux.HandleFunc("POST /api/views/{key}/refresh", s.handleRefreshView)

	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleGetEvent)
	s.mux.HandleFunc("PUT /api/events/{id}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)

	s.mux.HandleFunc("GET /api/export.ics", s.handleExport)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleListViews reports every view the cache knows about, without
// occurrences.
func (s *Server) handleListViews(w http.ResponseWriter, _ *http.Request) {
	type viewState struct {
		Key   string          `json:"key"`
		State viewcache.State `json:"state"`
		Count int             `json:"count"`
	}
	keys := s.views.Keys()
	out := make([]viewState, 0, len(keys))
	for _, k := range keys {
		e, _ := s.views.Entry(k)
		out = append(out, viewState{Key: e.Key, State: e.State, Count: len(e.Occurrences)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	writeJSON(w, http.StatusOK, out)
}

// handleGetView returns the cached entry for a view and starts a
// background fetch when it is absent or stale.
//
// GET /api/views/{key}?wait=1
//   - wait: block (up to WaitTimeout) for the first fetch instead of
//     returning a loading entry
func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, err := viewcache.ParseKey(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if e, ok := s.views.Entry(key); !ok || e.State == viewcache.StateLoading {
			s.refreshAndWrite(w, r, key)
			return
		}
	}

	if err := s.views.EnsureFetched(key, false); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	e, _ := s.views.Entry(key)
	writeJSON(w, http.StatusOK, toViewResponse(e))
}

func (s *Server) handleRefreshView(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, err := viewcache.ParseKey(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.refreshAndWrite(w, r, key)
}

func (s *Server) refreshAndWrite(w http.ResponseWriter, r *http.Request, key string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.WaitTimeout)
	defer cancel()

	e, err := s.views.Refresh(ctx, key)
	switch {
	case errors.Is(err, viewcache.ErrUnknownView):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		// Still loading; hand back what we have.
		writeJSON(w, http.StatusAccepted, toViewResponse(e))
	default:
		writeJSON(w, http.StatusOK, toViewResponse(e))
	}
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	// IDs are assigned by the store; PUT replaces an existing event.
	req.ID = ""
	ev, err := req.toModel(s.cfg.FamilyID, s.cfg.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.events.CreateEvent(r.Context(), ev)
	if err != nil {
		s.writeStoreError(w, "create event", err)
		return
	}
	s.views.Invalidate()
	appLog.Info("api: event created", "id", saved.ID, "recurring", saved.IsRecurring)
	writeJSON(w, http.StatusCreated, fromModel(saved))
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.GetEvent(r.Context(), s.cfg.FamilyID, r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, "get event", err)
		return
	}
	writeJSON(w, http.StatusOK, fromModel(ev))
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ID = r.PathValue("id")
	ev, err := req.toModel(s.cfg.FamilyID, s.cfg.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.events.UpdateEvent(r.Context(), ev)
	if err != nil {
		s.writeStoreError(w, "update event", err)
		return
	}
	s.views.Invalidate()
	writeJSON(w, http.StatusOK, fromModel(saved))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.events.DeleteEvent(r.Context(), s.cfg.FamilyID, r.PathValue("id")); err != nil {
		s.writeStoreError(w, "delete event", err)
		return
	}
	s.views.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// handleExport serves every event of the family as a VCALENDAR.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	// Every start is at or after the zero time, so this lists all events.
	events, err := s.events.QueryEvents(r.Context(), s.cfg.FamilyID, store.RecurringOrFuture(time.Time{}))
	if err != nil {
		s.writeStoreError(w, "export", err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="famcal.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.Export(s.cfg.CalendarName, events)))
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		appLog.Error("api: "+op+" failed", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
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
