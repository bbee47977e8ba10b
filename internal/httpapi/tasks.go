package httpapi

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mfalcone/taskwatch/internal/taskapi"
	"github.com/mfalcone/taskwatch/internal/tasks"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	list := s.store.Tasks()
	if !filter.Empty() {
		matched := list[:0]
		for _, t := range list {
			if filter.Matches(*t) {
				matched = append(matched, t)
			}
		}
		list = matched
	} else if !s.store.Filter().Empty() {
		// No explicit query filter falls back to the stored view filter.
		list = s.store.FilteredTasks()
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tasks": list,
		"total": len(list),
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, err := s.store.Create(r.Context(), req)
	if err != nil {
		s.countOp("create", "error")
		respondError(w, http.StatusBadRequest, "task_create_failed", err.Error())
		return
	}
	s.countOp("create", "ok")

	// Track lifecycle pushes for the new task right away.
	if s.streams != nil {
		if err := s.streams.SubscribeToTask(task.ID); err != nil {
			log.Printf("subscribe to task %s: %v", task.ID, err)
		}
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	for _, t := range s.store.Tasks() {
		if t.ID == id {
			respondJSON(w, http.StatusOK, t)
			return
		}
	}
	respondError(w, http.StatusNotFound, "task_not_found", fmt.Sprintf("task %s is not tracked", id))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req tasks.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.store.Update(r.Context(), id, req); err != nil {
		s.countOp("update", "error")
		respondUpstreamError(w, "task_update_failed", err)
		return
	}
	s.countOp("update", "ok")
	s.handleGetTask(w, r)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.countOp("delete", "error")
		respondUpstreamError(w, "task_delete_failed", err)
		return
	}
	s.countOp("delete", "ok")
	if s.streams != nil {
		s.streams.UnsubscribeFromTask(id)
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted", "task_id": id})
}

func (s *Server) handleSelectTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	s.store.SelectTask(id)
	active := s.store.ActiveTask()
	if active == nil {
		respondError(w, http.StatusNotFound, "task_not_found", fmt.Sprintf("task %s is not tracked", id))
		return
	}
	respondJSON(w, http.StatusOK, active)
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	action := strings.TrimSpace(chi.URLParam(r, "action"))

	var err error
	switch action {
	case "start":
		err = s.store.Start(r.Context(), id)
	case "pause":
		err = s.store.Pause(r.Context(), id)
	case "resume":
		err = s.store.Resume(r.Context(), id)
	case "cancel":
		err = s.store.Cancel(r.Context(), id)
	case "retry":
		err = s.store.Retry(r.Context(), id)
	case "process":
		if err = s.store.Process(r.Context(), id, false); err == nil {
			s.observeProcess(id)
		}
	default:
		respondError(w, http.StatusNotFound, "unknown_action", fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		s.countOp(action, "error")
		respondUpstreamError(w, "task_"+action+"_failed", err)
		return
	}
	s.countOp(action, "ok")
	s.handleGetTask(w, r)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Refresh(r.Context()); err != nil {
		s.countOp("refresh", "error")
		respondError(w, http.StatusBadGateway, "refresh_failed", err.Error())
		return
	}
	s.countOp("refresh", "ok")
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"total":  len(s.store.Tasks()),
	})
}

func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	var f tasks.Filter
	if err := decodeJSON(r, &f); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.store.SetFilter(f)
	respondJSON(w, http.StatusOK, map[string]any{
		"filter": f,
		"total":  len(s.store.FilteredTasks()),
	})
}

func (s *Server) handleClearFilter(w http.ResponseWriter, _ *http.Request) {
	s.store.SetFilter(tasks.Filter{})
	respondJSON(w, http.StatusOK, map[string]any{
		"total": len(s.store.Tasks()),
	})
}

// handleHistory serves mirrored task snapshots. Live reads never touch the
// mirror; this endpoint exists for inspecting history after restarts.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		respondError(w, http.StatusNotImplemented, "mirror_disabled", "snapshot mirror not configured")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}
	list, err := s.mirror.ListRecent(r.Context(), s.sessions.ScopeID(), limit)
	if err != nil {
		respondError(w, http.StatusBadGateway, "history_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tasks": list,
		"total": len(list),
	})
}

// handleHistoryGet serves one mirrored snapshot by id, including tasks no
// longer in the live list.
func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		respondError(w, http.StatusNotImplemented, "mirror_disabled", "snapshot mirror not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	task, err := s.mirror.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, tasks.ErrStoreNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", fmt.Sprintf("no snapshot for task %s", id))
			return
		}
		respondError(w, http.StatusBadGateway, "history_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	if s.feed == nil {
		respondError(w, http.StatusNotImplemented, "notifications_disabled", "notification feed not configured")
		return
	}
	msgs := s.feed.Messages()
	respondJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"total":    len(msgs),
	})
}

func (s *Server) countOp(action, outcome string) {
	if s.metrics != nil {
		s.metrics.TaskOperations.WithLabelValues(action, outcome).Inc()
	}
}

// observeProcess records the duration the upstream reported for a finished
// process call.
func (s *Server) observeProcess(id string) {
	if s.metrics == nil {
		return
	}
	for _, t := range s.store.Tasks() {
		if t.ID == id && t.ActionDuration != nil {
			s.metrics.ObserveProcessSeconds(*t.ActionDuration)
			return
		}
	}
}

func respondUpstreamError(w http.ResponseWriter, code string, err error) {
	if taskapi.NotFound(err) {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	if taskapi.Retryable(err) {
		respondError(w, http.StatusServiceUnavailable, "upstream_unavailable", err.Error())
		return
	}
	respondError(w, http.StatusBadGateway, code, err.Error())
}

func filterFromQuery(q url.Values) (tasks.Filter, error) {
	var f tasks.Filter
	for _, raw := range q["status"] {
		status, err := tasks.ParseStatus(raw)
		if err != nil {
			return tasks.Filter{}, err
		}
		f.Statuses = append(f.Statuses, status)
	}
	f.Types = append(f.Types, q["task_type"]...)
	f.Categories = append(f.Categories, q["category"]...)
	f.Priorities = append(f.Priorities, q["priority"]...)
	f.AssignedAgent = strings.TrimSpace(q.Get("assigned_agent"))
	f.Search = strings.TrimSpace(q.Get("search"))

	var err error
	if f.CreatedAfter, err = timeFromQuery(q, "created_after"); err != nil {
		return tasks.Filter{}, err
	}
	if f.CreatedBefore, err = timeFromQuery(q, "created_before"); err != nil {
		return tasks.Filter{}, err
	}
	return f, nil
}

func timeFromQuery(q url.Values, key string) (time.Time, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339: %w", key, err)
	}
	return ts, nil
}
