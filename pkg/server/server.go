// Package server exposes the deployment engine over a JSON HTTP API with a
// WebSocket log stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/provisio/provisio/pkg/engine"
	"github.com/provisio/provisio/pkg/envfile"
	"github.com/provisio/provisio/pkg/stores"
	"github.com/provisio/provisio/pkg/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server wires the orchestrator into HTTP handlers.
type Server struct {
	orchestrator *engine.Orchestrator
	audit        *stores.AuditStore
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
	metricsPath  string

	// applyDefaults fills omitted deployment parameters before validation.
	applyDefaults func(*engine.Parameters)

	// watchers holds per-deployment wakeup channels for open log streams,
	// signaled from the engine's event publisher.
	mu       sync.Mutex
	watchers map[string][]chan struct{}
}

// Options configures a Server.
type Options struct {
	Orchestrator  *engine.Orchestrator
	Audit         *stores.AuditStore
	Telemetry     *telemetry.Telemetry
	MetricsPath   string
	ApplyDefaults func(*engine.Parameters)
}

// New creates a server from its collaborators.
func New(opts Options) *Server {
	metricsPath := opts.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s := &Server{
		orchestrator:  opts.Orchestrator,
		audit:         opts.Audit,
		logger:        opts.Telemetry.Logger.NewComponentLogger("server"),
		metrics:       opts.Telemetry.Metrics,
		metricsPath:   metricsPath,
		applyDefaults: opts.ApplyDefaults,
		watchers:      make(map[string][]chan struct{}),
	}
	// Engine events wake the open log streams so frames go out on the
	// transition, not on the next poll tick.
	opts.Telemetry.Events.Subscribe(s.notifyWatchers, telemetry.FilterByType(
		telemetry.EventTypeDeploymentStarted,
		telemetry.EventTypeDeploymentPhase,
		telemetry.EventTypeDeploymentLog,
		telemetry.EventTypeDeploymentCompleted,
		telemetry.EventTypeDeploymentFailed,
		telemetry.EventTypeCredentialWarning,
	))
	return s
}

// notifyWatchers signals every stream watching the event's deployment. The
// send never blocks; a full wakeup channel already has a pending signal.
func (s *Server) notifyWatchers(event telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers[event.DeploymentID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// watch registers a wakeup channel for one deployment and returns it with
// its deregistration function.
func (s *Server) watch(id string) (chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[id] = append(s.watchers[id], ch)
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		chans := s.watchers[id]
		for i, c := range chans {
			if c == ch {
				s.watchers[id] = append(chans[:i:i], chans[i+1:]...)
				break
			}
		}
		if len(s.watchers[id]) == 0 {
			delete(s.watchers, id)
		}
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle(s.metricsPath, s.metrics.Handler())

	r.Route("/api/deployments", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/logs", s.handleLogs)
			r.Get("/stream", s.handleStream)
			r.Post("/destroy", s.handleDestroy)
			r.Get("/env", s.handleEnv)
			r.Get("/history", s.handleHistory)
		})
	})

	return r
}

// ListenAndServe runs the HTTP server until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Infof("http server listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("duration", time.Since(start).String()).
			Debug("request handled")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreate validates the submitted parameters, registers the deployment,
// and starts the provisioning run on its own goroutine.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var params engine.Parameters
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if s.applyDefaults != nil {
		s.applyDefaults(&params)
	}

	d, err := s.orchestrator.Create(r.Context(), params)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	go func() {
		if err := s.orchestrator.Provision(context.Background(), d.ID); err != nil {
			s.logger.WithDeploymentID(d.ID).WithError(err).Error("provisioning run failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"id": d.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.orchestrator.Summaries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": summaries})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	d, ok := s.orchestrator.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleLogs serves the polling observers: lines at or after the cursor plus
// the current status and the next cursor.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	cursor := 0
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor must be an integer")
			return
		}
		cursor = parsed
	}

	lines, next, status, ok := s.orchestrator.LogsSince(chi.URLParam(r, "id"), cursor)
	if !ok {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lines":  lines,
		"cursor": next,
		"status": status,
	})
}

// streamPayload is one WebSocket frame of the log stream.
type streamPayload struct {
	Lines  []string      `json:"lines,omitempty"`
	Cursor int           `json:"cursor"`
	Status engine.Status `json:"status"`
}

// handleStream pushes log and status deltas over a WebSocket. Engine events
// drive the pushes; a 1s tick is the fallback when no event arrives. The
// stream ends when the deployment reaches a terminal status or the client
// goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.orchestrator.Get(id); !ok {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	wakeup, unwatch := s.watch(id)
	defer unwatch()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cursor := 0
	for {
		lines, next, status, ok := s.orchestrator.LogsSince(id, cursor)
		if !ok {
			return
		}
		if len(lines) > 0 || status.IsTerminal() {
			payload := streamPayload{Lines: lines, Cursor: next, Status: status}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
			cursor = next
		}
		if status.IsTerminal() {
			return
		}

		select {
		case <-wakeup:
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

// handleDestroy starts the teardown run. The missing-state precondition maps
// to 412 so callers can distinguish it from a busy deployment (409).
func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orchestrator.CanDestroy(id); err != nil {
		writeEngineError(w, err)
		return
	}

	go func() {
		if err := s.orchestrator.Destroy(context.Background(), id); err != nil {
			s.logger.WithDeploymentID(id).WithError(err).Error("destroy run failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "id": id})
}

func (s *Server) handleEnv(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.orchestrator.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	if d.Status != engine.StatusCompleted {
		writeError(w, http.StatusConflict, "deployment has no exportable outputs yet")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", envfile.Filename(id)))
	_, _ = w.Write([]byte(envfile.Generate(d)))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit trail not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	transitions, err := s.audit.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "transitions": transitions})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps the engine error codes onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case engine.HasCode(err, engine.ErrCodeValidation):
		status = http.StatusBadRequest
	case engine.HasCode(err, engine.ErrCodeNotFound):
		status = http.StatusNotFound
	case engine.HasCode(err, engine.ErrCodeConflict):
		status = http.StatusConflict
	case engine.HasCode(err, engine.ErrCodePrecondition):
		status = http.StatusPreconditionFailed
	}
	writeError(w, status, err.Error())
}
