// taskwatch-stub is a self-contained upstream for local development: the
// task REST surface plus the three push streams, with keep-alive frames and
// lifecycle events broadcast on every mutation.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mfalcone/taskwatch/internal/tasks"
)

const keepAliveInterval = 15 * time.Second

type stub struct {
	mu    sync.Mutex
	tasks map[string]tasks.Task
	seen  map[string]string // idempotency key -> task id

	taskSubs map[string]map[*websocket.Conn]chan []byte
	msgSubs  map[*websocket.Conn]chan []byte
	logSubs  map[*websocket.Conn]chan []byte

	upgrader websocket.Upgrader
}

func newStub() *stub {
	return &stub{
		tasks:    make(map[string]tasks.Task),
		seen:     make(map[string]string),
		taskSubs: make(map[string]map[*websocket.Conn]chan []byte),
		msgSubs:  make(map[*websocket.Conn]chan []byte),
		logSubs:  make(map[*websocket.Conn]chan []byte),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func main() {
	addr := os.Getenv("STUB_BIND_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	s := newStub()
	r := chi.NewRouter()
	r.Post("/tasks", s.handleCreate)
	r.Get("/tasks", s.handleList)
	r.Get("/tasks/{id}", s.handleGet)
	r.Put("/tasks/{id}", s.handleUpdate)
	r.Delete("/tasks/{id}", s.handleDelete)
	r.Post("/tasks/{id}/{action}", s.handleAction)
	r.Get("/tasks/{id}/events", s.handleTaskStream)
	r.Get("/messages/events", s.handleMessageStream)
	r.Get("/logs/events", s.handleLogStream)

	log.Printf("stub upstream listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, r))
}

func (s *stub) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	s.mu.Lock()
	if req.IdempotencyKey != "" {
		if id, ok := s.seen[req.IdempotencyKey]; ok {
			t := s.tasks[id]
			s.mu.Unlock()
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	now := time.Now().UTC()
	t := tasks.Task{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Description:   req.Description,
		TaskType:      orDefault(req.TaskType, "generic"),
		Category:      orDefault(req.Category, "default"),
		Status:        tasks.StatusPending,
		Priority:      orDefault(req.Priority, "normal"),
		AssignedAgent: req.AssignedAgent,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.tasks[t.ID] = t
	if req.IdempotencyKey != "" {
		s.seen[req.IdempotencyKey] = t.ID
	}
	s.mu.Unlock()

	s.broadcastLifecycle(tasks.EventTaskCreated, t)
	s.broadcastLog("info", fmt.Sprintf("task %s created", t.ID), t.ID)

	if req.AutoStart {
		// Start shortly after creation, like a scheduler picking it up.
		go func(id string) {
			time.Sleep(500 * time.Millisecond)
			if t, ok := s.setStatus(id, tasks.StatusRunning); ok {
				s.broadcastLifecycle(tasks.EventTaskStarted, t)
			}
		}(t.ID)
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *stub) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]tasks.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if statuses := r.URL.Query()["status"]; len(statuses) > 0 {
		keep := out[:0]
		for _, t := range out {
			for _, raw := range statuses {
				if string(t.Status) == raw {
					keep = append(keep, t)
					break
				}
			}
		}
		out = keep
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *stub) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "task_not_found", "no such task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *stub) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req tasks.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "task_not_found", "no such task")
		return
	}
	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Description != "" {
		t.Description = req.Description
	}
	if req.Priority != "" {
		t.Priority = req.Priority
	}
	if req.AssignedAgent != "" {
		t.AssignedAgent = req.AssignedAgent
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	s.mu.Unlock()

	s.broadcastLifecycle(tasks.EventTaskUpdated, t)
	writeJSON(w, http.StatusOK, t)
}

func (s *stub) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	t, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "task_not_found", "no such task")
		return
	}
	s.broadcastLifecycle(tasks.EventTaskDeleted, t)
	w.WriteHeader(http.StatusNoContent)
}

func (s *stub) handleAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	var (
		target tasks.Status
		event  tasks.EventType
	)
	switch action {
	case "start":
		target, event = tasks.StatusRunning, tasks.EventTaskStarted
	case "pause":
		target, event = tasks.StatusPaused, tasks.EventTaskPaused
	case "resume":
		target, event = tasks.StatusRunning, tasks.EventTaskResumed
	case "cancel":
		target, event = tasks.StatusCancelled, tasks.EventTaskCancelled
	case "retry":
		target, event = tasks.StatusPending, tasks.EventTaskUpdated
	case "process":
		s.handleProcess(w, id)
		return
	default:
		writeError(w, http.StatusNotFound, "unknown_action", "unknown action")
		return
	}

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "task_not_found", "no such task")
		return
	}
	if !tasks.CanTransition(t.Status, target) {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "invalid_transition",
			fmt.Sprintf("cannot move from %s to %s", t.Status, target))
		return
	}
	now := time.Now().UTC()
	t.Status = target
	t.UpdatedAt = now
	if target == tasks.StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if target.Terminal() {
		t.EndedAt = &now
	}
	s.tasks[id] = t
	s.mu.Unlock()

	s.broadcastLifecycle(event, t)
	s.broadcastLog("info", fmt.Sprintf("task %s %s", id, target), id)
	writeJSON(w, http.StatusOK, t)
}

func (s *stub) handleProcess(w http.ResponseWriter, id string) {
	started := time.Now()

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "task_not_found", "no such task")
		return
	}
	now := time.Now().UTC()
	duration := time.Since(started).Seconds() + 0.1
	t.Status = tasks.StatusCompleted
	t.ActionResult = fmt.Sprintf("Processed %q.", t.Name)
	t.ActionDuration = &duration
	t.UpdatedAt = now
	t.EndedAt = &now
	s.tasks[id] = t
	s.mu.Unlock()

	s.broadcastLifecycle(tasks.EventTaskCompleted, t)
	s.broadcastMessage(tasks.MessageEvent{
		ID:      uuid.NewString(),
		Role:    "system",
		Content: t.ActionResult,
		TaskID:  t.ID,
		At:      now,
	})
	writeJSON(w, http.StatusOK, t)
}

func (s *stub) setStatus(id string, status tasks.Status) (tasks.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return tasks.Task{}, false
	}
	now := time.Now().UTC()
	t.Status = status
	t.UpdatedAt = now
	if status == tasks.StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	s.tasks[id] = t
	return t, true
}

func (s *stub) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := make(chan []byte, 64)
	s.mu.Lock()
	if s.taskSubs[id] == nil {
		s.taskSubs[id] = make(map[*websocket.Conn]chan []byte)
	}
	s.taskSubs[id][conn] = ch
	s.mu.Unlock()

	s.serveStream(conn, ch, func() {
		s.mu.Lock()
		delete(s.taskSubs[id], conn)
		s.mu.Unlock()
	})
}

func (s *stub) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := make(chan []byte, 64)
	s.mu.Lock()
	s.msgSubs[conn] = ch
	s.mu.Unlock()

	s.serveStream(conn, ch, func() {
		s.mu.Lock()
		delete(s.msgSubs, conn)
		s.mu.Unlock()
	})
}

func (s *stub) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := make(chan []byte, 64)
	s.mu.Lock()
	s.logSubs[conn] = ch
	s.mu.Unlock()

	s.serveStream(conn, ch, func() {
		s.mu.Lock()
		delete(s.logSubs, conn)
		s.mu.Unlock()
	})
}

// serveStream writes queued frames and periodic keep-alives until the peer
// goes away.
func (s *stub) serveStream(conn *websocket.Conn, ch chan []byte, cleanup func()) {
	defer cleanup()
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case frame := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("keep-alive")); err != nil {
				return
			}
		}
	}
}

func (s *stub) broadcastLifecycle(event tasks.EventType, t tasks.Task) {
	frame, err := json.Marshal(tasks.LifecycleEvent{Type: event, Task: t, At: time.Now().UTC()})
	if err != nil {
		return
	}
	s.mu.Lock()
	for _, ch := range s.taskSubs[t.ID] {
		select {
		case ch <- frame:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *stub) broadcastMessage(evt tasks.MessageEvent) {
	frame, err := json.Marshal(evt)
	if err != nil {
		return
	}
	s.mu.Lock()
	for _, ch := range s.msgSubs {
		select {
		case ch <- frame:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *stub) broadcastLog(level, line, taskID string) {
	frame, err := json.Marshal(tasks.LogEvent{Level: level, Line: line, TaskID: taskID, At: time.Now().UTC()})
	if err != nil {
		return
	}
	s.mu.Lock()
	for _, ch := range s.logSubs {
		select {
		case ch <- frame:
		default:
		}
	}
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
