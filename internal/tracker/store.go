// Package tracker keeps the client-visible view of upstream agent tasks: a
// canonical ordered collection mutated optimistically through RPC operations
// and reconciled against server-confirmed state pushed by streams or pulled
// by the polling fallback.
package tracker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mfalcone/taskwatch/internal/tasks"
)

const mirrorTimeout = 2 * time.Second

// API is the upstream RPC surface the store consumes. taskapi.Client
// implements it; tests use fakes.
type API interface {
	CreateTask(ctx context.Context, req tasks.CreateRequest) (tasks.Task, error)
	ListTasks(ctx context.Context, filter tasks.Filter, scope string) ([]tasks.Task, error)
	GetTask(ctx context.Context, id string) (tasks.Task, error)
	UpdateTask(ctx context.Context, id string, req tasks.UpdateRequest) (tasks.Task, error)
	DeleteTask(ctx context.Context, id string) error
	StartTask(ctx context.Context, id string) (tasks.Task, error)
	PauseTask(ctx context.Context, id string) (tasks.Task, error)
	ResumeTask(ctx context.Context, id string) (tasks.Task, error)
	CancelTask(ctx context.Context, id string) (tasks.Task, error)
	RetryTask(ctx context.Context, id string) (tasks.Task, error)
	ProcessTask(ctx context.Context, id string) (tasks.Task, error)
}

// Notifier receives completion/failure notifications. One-way; implementations
// must not call back into the store.
type Notifier interface {
	AddTaskNotification(taskID, taskName, message string, processingTime *float64)
}

// ScopeProvider supplies the session/user identifier attached to list and
// create calls.
type ScopeProvider interface {
	ScopeID() string
}

type Options struct {
	API      API
	Notifier Notifier
	Scope    ScopeProvider
	Mirror   tasks.Store // optional snapshot history
	Clock    Clock

	// CreateRefreshDelay and ProcessRefreshDelay are the deferred full
	// refreshes scheduled after an auto-start create and a successful
	// process call.
	CreateRefreshDelay  time.Duration
	ProcessRefreshDelay time.Duration
}

type Store struct {
	api      API
	notifier Notifier
	scope    ScopeProvider
	mirror   tasks.Store
	clock    Clock

	createRefreshDelay  time.Duration
	processRefreshDelay time.Duration

	mu       sync.RWMutex
	list     []*tasks.Task
	activeID string
	filter   tasks.Filter
	lastErr  string
	closed   bool
	pending  map[Timer]struct{}

	onChange func()
}

func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.CreateRefreshDelay <= 0 {
		opts.CreateRefreshDelay = 3 * time.Second
	}
	if opts.ProcessRefreshDelay <= 0 {
		opts.ProcessRefreshDelay = time.Second
	}
	return &Store{
		api:                 opts.API,
		notifier:            opts.Notifier,
		scope:               opts.Scope,
		mirror:              opts.Mirror,
		clock:               opts.Clock,
		createRefreshDelay:  opts.CreateRefreshDelay,
		processRefreshDelay: opts.ProcessRefreshDelay,
		pending:             make(map[Timer]struct{}),
	}
}

// SetOnChange registers the change-notification callback. It fires after
// every mutation, outside the store's lock.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Close cancels pending deferred refreshes. In-flight RPC results arriving
// afterwards are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for t := range s.pending {
		t.Stop()
	}
	s.pending = make(map[Timer]struct{})
	s.mu.Unlock()
}

// Tasks returns the canonical list, newest-first. The returned slice is a
// copy; the elements are the canonical records themselves.
func (s *Store) Tasks() []*tasks.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*tasks.Task, len(s.list))
	copy(out, s.list)
	return out
}

// FilteredTasks recomputes the derived view on every call. Every element is
// pointer-identical to a canonical record.
func (s *Store) FilteredTasks() []*tasks.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.filter.Empty() {
		out := make([]*tasks.Task, len(s.list))
		copy(out, s.list)
		return out
	}
	out := make([]*tasks.Task, 0, len(s.list))
	for _, t := range s.list {
		if s.filter.Matches(*t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) SetFilter(f tasks.Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
	s.notifyChange()
}

func (s *Store) Filter() tasks.Filter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// SelectTask marks the active task. Selecting an unknown id clears the
// selection.
func (s *Store) SelectTask(id string) {
	s.mu.Lock()
	if s.findLocked(id) == nil {
		s.activeID = ""
	} else {
		s.activeID = id
	}
	s.mu.Unlock()
	s.notifyChange()
}

func (s *Store) ActiveTask() *tasks.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(s.activeID)
}

// Err returns the store's global error field as a string, empty when clear.
func (s *Store) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Store) ClearErr() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
	s.notifyChange()
}

// HasRunning reports whether any canonical task is currently running; the
// polling fallback keys off this.
func (s *Store) HasRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.list {
		if t.Running() {
			return true
		}
	}
	return false
}

// Reconcile replaces the canonical collection with server state. Records
// whose id is already known are updated in place so existing pointers stay
// valid; list order follows the server (newest-first). The active selection
// survives when its id still exists.
func (s *Store) Reconcile(fetched []tasks.Task) {
	s.mu.Lock()
	byID := make(map[string]*tasks.Task, len(s.list))
	for _, t := range s.list {
		byID[t.ID] = t
	}
	next := make([]*tasks.Task, 0, len(fetched))
	for _, ft := range fetched {
		if existing, ok := byID[ft.ID]; ok {
			*existing = ft
			next = append(next, existing)
		} else {
			cp := ft
			next = append(next, &cp)
		}
	}
	s.list = next
	if s.findLocked(s.activeID) == nil {
		s.activeID = ""
	}
	s.mu.Unlock()

	s.notifyChange()
	for _, t := range fetched {
		s.persist(t)
	}
}

// ApplyLifecycleEvent folds one push-stream event into the collection. This
// is the stream manager's only entry point into task state.
func (s *Store) ApplyLifecycleEvent(evt tasks.LifecycleEvent) {
	if evt.Task.ID == "" {
		return
	}
	if evt.Type == tasks.EventTaskDeleted {
		s.removeTask(evt.Task.ID)
		return
	}
	s.ReplaceTask(evt.Task)
}

// ReplaceTask updates the record matching the task's id in place, preserving
// list position; unknown ids are prepended (newest-first).
func (s *Store) ReplaceTask(t tasks.Task) {
	if t.ID == "" {
		return
	}
	s.mu.Lock()
	if existing := s.findLocked(t.ID); existing != nil {
		if !tasks.CanTransition(existing.Status, t.Status) && existing.Status != t.Status {
			// Server state is authoritative; an off-table transition is
			// reported but still applied.
			log.Printf("task %s: unexpected transition %s -> %s", t.ID, existing.Status, t.Status)
		}
		*existing = t
	} else {
		cp := t
		s.list = append([]*tasks.Task{&cp}, s.list...)
	}
	s.mu.Unlock()

	s.notifyChange()
	s.persist(t)
}

func (s *Store) removeTask(id string) {
	s.mu.Lock()
	out := s.list[:0]
	for _, t := range s.list {
		if t.ID == id {
			continue
		}
		out = append(out, t)
	}
	s.list = out
	if s.activeID == id {
		s.activeID = ""
	}
	s.mu.Unlock()

	s.notifyChange()
	if s.mirror != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
			defer cancel()
			if err := s.mirror.DeleteTask(ctx, id); err != nil {
				log.Printf("mirror delete %s: %v", id, err)
			}
		}()
	}
}

func (s *Store) findLocked(id string) *tasks.Task {
	if id == "" {
		return nil
	}
	for _, t := range s.list {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *Store) scopeID() string {
	if s.scope == nil {
		return ""
	}
	return s.scope.ScopeID()
}

func (s *Store) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.notifyChange()
}

func (s *Store) notifyChange() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// persist mirrors a snapshot best-effort in the background.
func (s *Store) persist(t tasks.Task) {
	if s.mirror == nil {
		return
	}
	go func(snapshot tasks.Task) {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.mirror.SaveTask(ctx, snapshot); err != nil {
			log.Printf("mirror save %s: %v", snapshot.ID, err)
		}
	}(t)
}

// scheduleRefresh arms a deferred full refresh, guarded against teardown.
func (s *Store) scheduleRefresh(d time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var timer Timer
	timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		closed := s.closed
		delete(s.pending, timer)
		s.mu.Unlock()
		if closed {
			return
		}
		if err := s.Refresh(context.Background()); err != nil {
			log.Printf("deferred refresh: %v", err)
		}
	})
	s.pending[timer] = struct{}{}
	s.mu.Unlock()
}
