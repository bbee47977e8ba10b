// Package httpapi exposes the tracked task view over a local HTTP surface:
// the filtered list, the lifecycle operations proxied upstream and the
// stream subscription controls.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mfalcone/taskwatch/internal/config"
	"github.com/mfalcone/taskwatch/internal/observability"
	"github.com/mfalcone/taskwatch/internal/session"
	"github.com/mfalcone/taskwatch/internal/stream"
	"github.com/mfalcone/taskwatch/internal/tasks"
	"github.com/mfalcone/taskwatch/internal/tracker"
)

type Server struct {
	cfg      config.Config
	store    *tracker.Store
	streams  *stream.Manager
	poller   *tracker.Poller
	sessions *session.Manager
	mirror   tasks.Store
	feed     *tracker.Feed
	metrics  *observability.Metrics
}

func New(cfg config.Config, store *tracker.Store, streams *stream.Manager, poller *tracker.Poller, sessions *session.Manager, mirror tasks.Store, feed *tracker.Feed, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		streams:  streams,
		poller:   poller,
		sessions: sessions,
		mirror:   mirror,
		feed:     feed,
		metrics:  metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/tasks", s.handleListTasks)
	r.Post("/v1/tasks", s.handleCreateTask)
	r.Post("/v1/tasks/refresh", s.handleRefresh)
	r.Put("/v1/tasks/filter", s.handleSetFilter)
	r.Delete("/v1/tasks/filter", s.handleClearFilter)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Put("/v1/tasks/{id}", s.handleUpdateTask)
	r.Delete("/v1/tasks/{id}", s.handleDeleteTask)
	r.Post("/v1/tasks/{id}/select", s.handleSelectTask)
	r.Post("/v1/tasks/{id}/{action}", s.handleTaskAction)

	r.Get("/v1/streams", s.handleStreamStatus)
	r.Post("/v1/streams/tasks/{id}", s.handleSubscribeTask)
	r.Delete("/v1/streams/tasks/{id}", s.handleUnsubscribeTask)
	r.Post("/v1/streams/messages", s.handleSubscribeMessages)
	r.Delete("/v1/streams/messages", s.handleUnsubscribeMessages)
	r.Post("/v1/streams/logs", s.handleSubscribeLogs)
	r.Delete("/v1/streams/logs", s.handleUnsubscribeLogs)

	r.Get("/v1/history", s.handleHistory)
	r.Get("/v1/history/{id}", s.handleHistoryGet)
	r.Get("/v1/notifications", s.handleNotifications)
	r.Post("/v1/errors/clear", s.handleClearError)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"stream_connected": s.streams != nil && s.streams.Connected(),
		"polling_active":   s.poller != nil && s.poller.Active(),
		"session_id":       s.sessions.ScopeID(),
		"last_error":       s.store.Err(),
	})
}

func (s *Server) handleClearError(w http.ResponseWriter, _ *http.Request) {
	s.store.ClearErr()
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
