package tracker

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/mfalcone/taskwatch/internal/tasks"
)

// Refresh re-fetches the full task list and reconciles it into the store.
func (s *Store) Refresh(ctx context.Context) error {
	fetched, err := s.api.ListTasks(ctx, tasks.Filter{}, s.scopeID())
	if err != nil {
		s.setErr(err)
		return err
	}
	s.Reconcile(fetched)
	return nil
}

// Create issues the create RPC and, on success, prepends the canonical
// result. An auto-start create schedules one deferred full refresh so the
// server-side status change is observed rather than assumed.
func (s *Store) Create(ctx context.Context, req tasks.CreateRequest) (*tasks.Task, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		err := fmt.Errorf("task name is required")
		s.setErr(err)
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if req.Scope == "" {
		req.Scope = s.scopeID()
	}

	created, err := s.api.CreateTask(ctx, req)
	if err != nil {
		s.setErr(err)
		return nil, err
	}
	s.ReplaceTask(created)
	if req.AutoStart {
		s.scheduleRefresh(s.createRefreshDelay)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(created.ID), nil
}

func (s *Store) Update(ctx context.Context, id string, req tasks.UpdateRequest) error {
	updated, err := s.api.UpdateTask(ctx, id, req)
	if err != nil {
		s.setErr(err)
		return err
	}
	s.ReplaceTask(updated)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.api.DeleteTask(ctx, id); err != nil {
		s.setErr(err)
		return err
	}
	s.removeTask(id)
	return nil
}

func (s *Store) Start(ctx context.Context, id string) error {
	return s.action(ctx, id, tasks.StatusRunning, s.api.StartTask)
}

func (s *Store) Pause(ctx context.Context, id string) error {
	return s.action(ctx, id, tasks.StatusPaused, s.api.PauseTask)
}

func (s *Store) Resume(ctx context.Context, id string) error {
	return s.action(ctx, id, tasks.StatusRunning, s.api.ResumeTask)
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.action(ctx, id, tasks.StatusCancelled, s.api.CancelTask)
}

func (s *Store) Retry(ctx context.Context, id string) error {
	return s.action(ctx, id, tasks.StatusPending, s.api.RetryTask)
}

// action runs one lifecycle RPC. A locally known record gates the request
// against the transition table up front; the only client-side effect of a
// successful call is the record replacement.
func (s *Store) action(ctx context.Context, id string, target tasks.Status, rpc func(context.Context, string) (tasks.Task, error)) error {
	id = strings.TrimSpace(id)
	if id == "" {
		err := fmt.Errorf("task id is required")
		s.setErr(err)
		return err
	}

	s.mu.RLock()
	local := s.findLocked(id)
	var current tasks.Status
	if local != nil {
		current = local.Status
	}
	s.mu.RUnlock()

	if local != nil && !tasks.CanTransition(current, target) {
		err := fmt.Errorf("task %s: cannot move from %s to %s", id, current, target)
		s.setErr(err)
		return err
	}

	confirmed, err := rpc(ctx, id)
	if err != nil {
		s.setErr(err)
		return err
	}
	s.ReplaceTask(confirmed)
	return nil
}

// Process invokes the process action. A task absent from the canonical list
// is fetched by id first, at most once. Failures during auto-processing are
// warn-logged only; interactive failures set the store's error field.
func (s *Store) Process(ctx context.Context, id string, isAutoProcessing bool) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("task id is required")
	}

	s.mu.RLock()
	local := s.findLocked(id)
	name := id
	if local != nil {
		name = local.Name
	}
	s.mu.RUnlock()

	if local == nil {
		fetched, err := s.api.GetTask(ctx, id)
		if err != nil {
			return s.processFailed(id, name, err, isAutoProcessing)
		}
		name = fetched.Name
		s.ReplaceTask(fetched)
	}

	processed, err := s.api.ProcessTask(ctx, id)
	if err != nil {
		return s.processFailed(id, name, err, isAutoProcessing)
	}

	s.ReplaceTask(processed)
	if s.notifier != nil {
		s.notifier.AddTaskNotification(processed.ID, processed.Name, processResultMessage(processed), processed.ActionDuration)
	}
	s.scheduleRefresh(s.processRefreshDelay)
	return nil
}

func (s *Store) processFailed(id, name string, err error, isAutoProcessing bool) error {
	if s.notifier != nil {
		s.notifier.AddTaskNotification(id, name, fmt.Sprintf("Processing failed: %v", err), nil)
	}
	if isAutoProcessing {
		// Background processing must not interrupt the user.
		log.Printf("auto-processing task %s failed: %v", id, err)
		return err
	}
	s.setErr(err)
	return err
}

func processResultMessage(t tasks.Task) string {
	msg := "Processing finished."
	if result := strings.TrimSpace(t.ActionResult); result != "" {
		msg = result
	}
	if t.ActionDuration != nil {
		return fmt.Sprintf("%s (took %.1fs)", msg, *t.ActionDuration)
	}
	return msg
}
