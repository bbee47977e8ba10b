// Package stream multiplexes the upstream push connections: one per tracked
// task, one global message stream and one long-lived log stream. Each key
// fails and reconnects independently; task/message streams retry on a fixed
// interval while the log stream uses bounded exponential backoff.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/mfalcone/taskwatch/internal/reliability"
	"github.com/mfalcone/taskwatch/internal/tasks"
)

// keepAliveSentinel frames carry no payload and are dropped.
const keepAliveSentinel = "keep-alive"

const (
	keyMessages = "messages"
	keyLogs     = "logs"
)

// ErrStreamUnavailable is the terminal error reported once when a bounded
// backoff policy runs out of attempts. The subscription is dropped and only
// an explicit resubscribe recovers it.
var ErrStreamUnavailable = errors.New("stream unavailable")

var ErrManagerClosed = errors.New("stream manager is closed")

type streamKind int

const (
	kindTask streamKind = iota
	kindMessages
	kindLogs
)

// Config carries the per-kind reconnect policies. They are deliberately
// separate settings; do not unify them.
type Config struct {
	BaseURL       string
	AutoReconnect bool
	TaskPolicy    reliability.RetryPolicy
	MessagePolicy reliability.RetryPolicy
	LogPolicy     reliability.RetryPolicy
}

// Handlers are the consumer callbacks. Nil members are skipped. Callbacks
// run off the manager's lock; OnTaskUpdate delivery order is per-connection
// only, never across keys.
type Handlers struct {
	OnTaskUpdate func(taskID string, evt tasks.LifecycleEvent)
	OnMessage    func(evt tasks.MessageEvent)
	OnLog        func(evt tasks.LogEvent)
	OnConnect    func(key string)
	OnDisconnect func(key string)
	OnError      func(key string, err error)
}

type subscription struct {
	key      string
	kind     streamKind
	endpoint string
	policy   reliability.RetryPolicy

	conn       Conn
	connected  bool
	retries    int
	retryTimer Timer
	closed     bool
}

type Manager struct {
	cfg      Config
	handlers Handlers
	dialer   Dialer
	clock    Clock

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

func NewManager(cfg Config, handlers Handlers, dialer Dialer, clock Clock) *Manager {
	if dialer == nil {
		dialer = NewWSDialer()
	}
	if clock == nil {
		clock = realClock{}
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &Manager{
		cfg:      cfg,
		handlers: handlers,
		dialer:   dialer,
		clock:    clock,
		subs:     make(map[string]*subscription),
	}
}

// SubscribeToTask opens the per-task push connection. Idempotent: a second
// subscribe for a live key is a no-op.
func (m *Manager) SubscribeToTask(taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task id is required")
	}
	return m.subscribe(taskID, kindTask, m.cfg.BaseURL+"/tasks/"+taskID+"/events", m.cfg.TaskPolicy)
}

func (m *Manager) UnsubscribeFromTask(taskID string) {
	m.unsubscribe(strings.TrimSpace(taskID))
}

func (m *Manager) SubscribeToMessages() error {
	return m.subscribe(keyMessages, kindMessages, m.cfg.BaseURL+"/messages/events", m.cfg.MessagePolicy)
}

func (m *Manager) UnsubscribeFromMessages() {
	m.unsubscribe(keyMessages)
}

func (m *Manager) SubscribeToLogs() error {
	return m.subscribe(keyLogs, kindLogs, m.cfg.BaseURL+"/logs/events", m.cfg.LogPolicy)
}

func (m *Manager) UnsubscribeFromLogs() {
	m.unsubscribe(keyLogs)
}

// Connected reports the aggregate flag: any task connection open OR the
// global message connection open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.connected && (s.kind == kindTask || s.kind == kindMessages) {
			return true
		}
	}
	return false
}

// Subscribed reports whether a key currently has a live subscription
// (connected or awaiting reconnect).
func (m *Manager) Subscribed(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[strings.TrimSpace(key)]
	return ok
}

// Close tears down every connection and cancels every pending retry timer.
// No timer may fire after Close returns.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]Conn, 0, len(m.subs))
	for key, s := range m.subs {
		s.closed = true
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
		}
		if s.conn != nil {
			conns = append(conns, s.conn)
			s.conn = nil
		}
		s.connected = false
		delete(m.subs, key)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (m *Manager) subscribe(key string, kind streamKind, endpoint string, policy reliability.RetryPolicy) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, ok := m.subs[key]; ok {
		m.mu.Unlock()
		return nil
	}
	s := &subscription{
		key:      key,
		kind:     kind,
		endpoint: endpoint,
		policy:   policy,
	}
	m.subs[key] = s
	m.mu.Unlock()

	go m.connect(s)
	return nil
}

func (m *Manager) unsubscribe(key string) {
	if key == "" {
		return
	}
	m.mu.Lock()
	s, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, key)
	s.closed = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.connected = false
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) connect(s *subscription) {
	conn, err := m.dialer.DialContext(context.Background(), s.endpoint)

	m.mu.Lock()
	// The subscription may have been torn down while the dial was in
	// flight; acting on the stale result would leak the connection.
	if s.closed || m.closed {
		m.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.handleFailure(s, err)
		return
	}
	s.conn = conn
	s.connected = true
	s.retries = 0
	m.mu.Unlock()

	if m.handlers.OnConnect != nil {
		m.handlers.OnConnect(s.key)
	}
	go m.readLoop(s, conn)
}

func (m *Manager) readLoop(s *subscription, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := s.closed || m.closed || s.conn != conn
			if !stale {
				s.connected = false
				s.conn = nil
			}
			m.mu.Unlock()
			_ = conn.Close()
			if stale {
				return
			}
			if m.handlers.OnDisconnect != nil {
				m.handlers.OnDisconnect(s.key)
			}
			m.handleFailure(s, err)
			return
		}
		m.dispatch(s, data)
	}
}

func (m *Manager) dispatch(s *subscription, data []byte) {
	payload := strings.TrimSpace(string(data))
	if payload == "" || payload == keepAliveSentinel {
		return
	}

	switch s.kind {
	case kindTask:
		var evt tasks.LifecycleEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("stream %s: dropping unparseable frame: %v", s.key, err)
			return
		}
		if m.handlers.OnTaskUpdate != nil {
			m.handlers.OnTaskUpdate(s.key, evt)
		}
	case kindMessages:
		var evt tasks.MessageEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("stream %s: dropping unparseable frame: %v", s.key, err)
			return
		}
		if m.handlers.OnMessage != nil {
			m.handlers.OnMessage(evt)
		}
	case kindLogs:
		var evt tasks.LogEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("stream %s: dropping unparseable frame: %v", s.key, err)
			return
		}
		if m.handlers.OnLog != nil {
			m.handlers.OnLog(evt)
		}
	}
}

// handleFailure runs after a failed dial or a transport error. The
// subscription stays registered while retries continue; a bounded policy
// that runs out drops it with a single terminal error.
func (m *Manager) handleFailure(s *subscription, cause error) {
	if m.handlers.OnError != nil {
		m.handlers.OnError(s.key, cause)
	}

	m.mu.Lock()
	if s.closed || m.closed {
		m.mu.Unlock()
		return
	}
	if !m.cfg.AutoReconnect {
		delete(m.subs, s.key)
		s.closed = true
		m.mu.Unlock()
		return
	}
	if s.policy.Exhausted(s.retries) {
		delete(m.subs, s.key)
		s.closed = true
		m.mu.Unlock()
		log.Printf("stream %s: giving up after %d attempts", s.key, s.retries)
		if m.handlers.OnError != nil {
			m.handlers.OnError(s.key, ErrStreamUnavailable)
		}
		return
	}
	s.retries++
	delay := s.policy.Delay(s.retries)
	s.retryTimer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		if s.closed || m.closed {
			m.mu.Unlock()
			return
		}
		s.retryTimer = nil
		m.mu.Unlock()
		m.connect(s)
	})
	m.mu.Unlock()
}
