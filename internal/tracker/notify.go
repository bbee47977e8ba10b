package tracker

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChatMessage is the tagged system message appended to the chat surface for
// a task notification.
type ChatMessage struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	TaskName       string    `json:"task_name"`
	Content        string    `json:"content"`
	ProcessingTime *float64  `json:"processing_time,omitempty"`
	At             time.Time `json:"at"`
}

// ChatSurface is the external chat collaborator. Rendering is out of scope;
// the bridge only appends and asks the surface to reveal the new message.
type ChatSurface interface {
	AppendSystemMessage(msg ChatMessage)
	ScrollToLatest()
}

// Bridge converts task completions and failures into chat-surface messages.
// Calls are fire-and-forget and never touch the task store.
type Bridge struct {
	surface ChatSurface
	clock   Clock
}

func NewBridge(surface ChatSurface, clock Clock) *Bridge {
	if clock == nil {
		clock = realClock{}
	}
	return &Bridge{surface: surface, clock: clock}
}

func (b *Bridge) AddTaskNotification(taskID, taskName, message string, processingTime *float64) {
	if b == nil || b.surface == nil {
		return
	}
	b.surface.AppendSystemMessage(ChatMessage{
		ID:             uuid.NewString(),
		TaskID:         taskID,
		TaskName:       taskName,
		Content:        message,
		ProcessingTime: processingTime,
		At:             b.clock.Now(),
	})
	b.surface.ScrollToLatest()
}

// Feed is the daemon's chat surface: a bounded newest-last message list
// served over the local API. Rendering happens client-side; appends are
// echoed to the log so headless runs still see them.
type Feed struct {
	mu    sync.Mutex
	max   int
	items []ChatMessage
}

func NewFeed(max int) *Feed {
	if max <= 0 {
		max = 100
	}
	return &Feed{max: max}
}

func (f *Feed) AppendSystemMessage(msg ChatMessage) {
	f.mu.Lock()
	f.items = append(f.items, msg)
	if len(f.items) > f.max {
		f.items = f.items[len(f.items)-f.max:]
	}
	f.mu.Unlock()
	log.Printf("task %s: %s", msg.TaskID, msg.Content)
}

func (f *Feed) ScrollToLatest() {}

// Messages returns a copy of the feed, oldest first.
func (f *Feed) Messages() []ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChatMessage, len(f.items))
	copy(out, f.items)
	return out
}
