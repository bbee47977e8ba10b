package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleStreamStatus(w http.ResponseWriter, _ *http.Request) {
	if s.streams == nil {
		respondError(w, http.StatusNotImplemented, "streams_disabled", "stream manager not configured")
		return
	}
	keys := []string{"messages", "logs"}
	subscribed := make(map[string]bool, len(keys))
	for _, key := range keys {
		subscribed[key] = s.streams.Subscribed(key)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"connected":  s.streams.Connected(),
		"subscribed": subscribed,
	})
}

func (s *Server) handleSubscribeTask(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		respondError(w, http.StatusNotImplemented, "streams_disabled", "stream manager not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.streams.SubscribeToTask(id); err != nil {
		respondError(w, http.StatusBadRequest, "subscribe_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "subscribed", "task_id": id})
}

func (s *Server) handleUnsubscribeTask(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		respondError(w, http.StatusNotImplemented, "streams_disabled", "stream manager not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	s.streams.UnsubscribeFromTask(id)
	respondJSON(w, http.StatusOK, map[string]any{"status": "unsubscribed", "task_id": id})
}

func (s *Server) handleSubscribeMessages(w http.ResponseWriter, _ *http.Request) {
	s.subscribeGlobal(w, "messages", func() error { return s.streams.SubscribeToMessages() })
}

func (s *Server) handleUnsubscribeMessages(w http.ResponseWriter, _ *http.Request) {
	s.unsubscribeGlobal(w, "messages", func() { s.streams.UnsubscribeFromMessages() })
}

func (s *Server) handleSubscribeLogs(w http.ResponseWriter, _ *http.Request) {
	s.subscribeGlobal(w, "logs", func() error { return s.streams.SubscribeToLogs() })
}

func (s *Server) handleUnsubscribeLogs(w http.ResponseWriter, _ *http.Request) {
	s.unsubscribeGlobal(w, "logs", func() { s.streams.UnsubscribeFromLogs() })
}

func (s *Server) subscribeGlobal(w http.ResponseWriter, key string, subscribe func() error) {
	if s.streams == nil {
		respondError(w, http.StatusNotImplemented, "streams_disabled", "stream manager not configured")
		return
	}
	if err := subscribe(); err != nil {
		respondError(w, http.StatusBadRequest, "subscribe_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "subscribed", "stream": key})
}

func (s *Server) unsubscribeGlobal(w http.ResponseWriter, key string, unsubscribe func()) {
	if s.streams == nil {
		respondError(w, http.StatusNotImplemented, "streams_disabled", "stream manager not configured")
		return
	}
	unsubscribe()
	respondJSON(w, http.StatusOK, map[string]any{"status": "unsubscribed", "stream": key})
}
