package tasks

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions is the closed set of client-requestable status changes. Server
// reconciliation is authoritative and is not gated by this table.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled},
	StatusFailed:    {StatusPending},
	StatusCancelled: {StatusPending},
	StatusCompleted: {},
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown task status %q", raw)
	}
}

// CanTransition reports whether a client may request moving a task from one
// status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type Task struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	TaskType       string     `json:"task_type"`
	Category       string     `json:"category"`
	Status         Status     `json:"status"`
	Priority       string     `json:"priority"`
	AssignedAgent  string     `json:"assigned_agent"`
	ActionResult   string     `json:"action_result,omitempty"`
	ActionDuration *float64   `json:"action_duration,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

func (t Task) Running() bool {
	return t.Status == StatusRunning
}

type CreateRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	TaskType      string `json:"task_type,omitempty"`
	Category      string `json:"category,omitempty"`
	Priority      string `json:"priority,omitempty"`
	AssignedAgent string `json:"assigned_agent,omitempty"`
	AutoStart     bool   `json:"auto_start,omitempty"`

	// IdempotencyKey is generated client-side so a retried create cannot
	// duplicate a task upstream.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Scope carries the session/user identifier supplied by the identity
	// collaborator.
	Scope string `json:"scope,omitempty"`
}

type UpdateRequest struct {
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	TaskType      string `json:"task_type,omitempty"`
	Category      string `json:"category,omitempty"`
	Priority      string `json:"priority,omitempty"`
	AssignedAgent string `json:"assigned_agent,omitempty"`
}

type EventType string

const (
	EventTaskCreated   EventType = "task_created"
	EventTaskUpdated   EventType = "task_updated"
	EventTaskStarted   EventType = "task_started"
	EventTaskPaused    EventType = "task_paused"
	EventTaskResumed   EventType = "task_resumed"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	EventTaskDeleted   EventType = "task_deleted"
)

// LifecycleEvent is one frame on a per-task push stream.
type LifecycleEvent struct {
	Type EventType `json:"type"`
	Task Task      `json:"task"`
	At   time.Time `json:"at"`
}

// MessageEvent is one frame on the global message stream.
type MessageEvent struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	TaskID  string    `json:"task_id,omitempty"`
	At      time.Time `json:"at"`
}

// LogEvent is one frame on the long-lived log stream.
type LogEvent struct {
	Level  string    `json:"level"`
	Line   string    `json:"line"`
	TaskID string    `json:"task_id,omitempty"`
	At     time.Time `json:"at"`
}
