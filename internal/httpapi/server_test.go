package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/mfalcone/taskwatch/internal/config"
	"github.com/mfalcone/taskwatch/internal/observability"
	"github.com/mfalcone/taskwatch/internal/reliability"
	"github.com/mfalcone/taskwatch/internal/session"
	"github.com/mfalcone/taskwatch/internal/stream"
	"github.com/mfalcone/taskwatch/internal/taskapi"
	"github.com/mfalcone/taskwatch/internal/tasks"
	"github.com/mfalcone/taskwatch/internal/tracker"
)

type stubAPI struct {
	mu       sync.Mutex
	tasks    map[string]tasks.Task
	failNext error
}

func newStubAPI(seed ...tasks.Task) *stubAPI {
	api := &stubAPI{tasks: make(map[string]tasks.Task)}
	for _, t := range seed {
		api.tasks[t.ID] = t
	}
	return api
}

func (a *stubAPI) takeErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.failNext
	a.failNext = nil
	return err
}

func (a *stubAPI) CreateTask(_ context.Context, req tasks.CreateRequest) (tasks.Task, error) {
	if err := a.takeErr(); err != nil {
		return tasks.Task{}, err
	}
	now := time.Now().UTC()
	t := tasks.Task{
		ID:        "t-" + req.Name,
		Name:      req.Name,
		TaskType:  req.TaskType,
		Status:    tasks.StatusPending,
		Priority:  req.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.mu.Lock()
	a.tasks[t.ID] = t
	a.mu.Unlock()
	return t, nil
}

func (a *stubAPI) ListTasks(context.Context, tasks.Filter, string) ([]tasks.Task, error) {
	if err := a.takeErr(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]tasks.Task, 0, len(a.tasks))
	for _, t := range a.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (a *stubAPI) GetTask(_ context.Context, id string) (tasks.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[id]
	if !ok {
		return tasks.Task{}, errors.New("not found")
	}
	return t, nil
}

func (a *stubAPI) UpdateTask(_ context.Context, id string, req tasks.UpdateRequest) (tasks.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[id]
	if !ok {
		return tasks.Task{}, errors.New("not found")
	}
	if req.Name != "" {
		t.Name = req.Name
	}
	a.tasks[id] = t
	return t, nil
}

func (a *stubAPI) DeleteTask(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tasks, id)
	return nil
}

func (a *stubAPI) setStatus(id string, status tasks.Status) (tasks.Task, error) {
	if err := a.takeErr(); err != nil {
		return tasks.Task{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[id]
	if !ok {
		return tasks.Task{}, errors.New("not found")
	}
	t.Status = status
	a.tasks[id] = t
	return t, nil
}

func (a *stubAPI) StartTask(_ context.Context, id string) (tasks.Task, error) {
	return a.setStatus(id, tasks.StatusRunning)
}

func (a *stubAPI) PauseTask(_ context.Context, id string) (tasks.Task, error) {
	return a.setStatus(id, tasks.StatusPaused)
}

func (a *stubAPI) ResumeTask(_ context.Context, id string) (tasks.Task, error) {
	return a.setStatus(id, tasks.StatusRunning)
}

func (a *stubAPI) CancelTask(_ context.Context, id string) (tasks.Task, error) {
	return a.setStatus(id, tasks.StatusCancelled)
}

func (a *stubAPI) RetryTask(_ context.Context, id string) (tasks.Task, error) {
	return a.setStatus(id, tasks.StatusPending)
}

func (a *stubAPI) ProcessTask(_ context.Context, id string) (tasks.Task, error) {
	t, err := a.setStatus(id, tasks.StatusCompleted)
	if err != nil {
		return t, err
	}
	duration := 1.5
	a.mu.Lock()
	t.ActionResult = "processed " + t.Name
	t.ActionDuration = &duration
	a.tasks[id] = t
	a.mu.Unlock()
	return t, nil
}

type noopConn struct{ done chan struct{} }

func (c *noopConn) ReadMessage() ([]byte, error) {
	<-c.done
	return nil, errors.New("closed")
}

func (c *noopConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

type noopDialer struct{}

func (noopDialer) DialContext(context.Context, string) (stream.Conn, error) {
	return &noopConn{done: make(chan struct{})}, nil
}

func seedTask(id, name string, status tasks.Status) tasks.Task {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	return tasks.Task{
		ID: id, Name: name, TaskType: "fetch", Status: status,
		Priority: "normal", CreatedAt: now, UpdatedAt: now,
	}
}

func newTestServer(t *testing.T, api *stubAPI) (*Server, *tracker.Store) {
	t.Helper()
	feed := tracker.NewFeed(50)
	store := tracker.NewStore(tracker.Options{
		API:      api,
		Notifier: tracker.NewBridge(feed, nil),
		Scope:    session.NewManager("user-1", time.Hour),
	})
	streams := stream.NewManager(stream.Config{
		BaseURL:       "http://upstream",
		AutoReconnect: false,
		TaskPolicy:    reliability.FixedInterval(0),
		MessagePolicy: reliability.FixedInterval(0),
		LogPolicy:     reliability.BoundedBackoff(0, 0, 0),
	}, stream.Handlers{}, noopDialer{}, nil)
	t.Cleanup(streams.Close)
	t.Cleanup(store.Close)
	srv := New(config.Config{}, store, streams, nil, session.NewManager("user-1", time.Hour), nil, feed, nil)
	return srv, store
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, newStubAPI())
	rec := doRequest(t, srv.Router(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %v", body["status"])
	}
}

func TestListTasksWithQueryFilter(t *testing.T) {
	srv, store := newTestServer(t, newStubAPI())
	store.Reconcile([]tasks.Task{
		seedTask("t1", "Fetch ETH price", tasks.StatusRunning),
		seedTask("t2", "Summarize news", tasks.StatusPending),
	})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/v1/tasks?status=running", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Tasks []tasks.Task `json:"tasks"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Total != 1 || body.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected list %+v", body)
	}

	rec = doRequest(t, srv.Router(), http.MethodGet, "/v1/tasks?status=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter accepted: %d", rec.Code)
	}
}

func TestCreateTaskSubscribesStream(t *testing.T) {
	srv, _ := newTestServer(t, newStubAPI())
	rec := doRequest(t, srv.Router(), http.MethodPost, "/v1/tasks", tasks.CreateRequest{Name: "alpha"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created tasks.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if created.ID == "" || created.Status != tasks.StatusPending {
		t.Fatalf("unexpected task %+v", created)
	}
	if !srv.streams.Subscribed(created.ID) {
		t.Fatalf("no stream subscription for created task")
	}
}

func TestTaskActionEndpoints(t *testing.T) {
	api := newStubAPI(seedTask("t1", "alpha", tasks.StatusPending))
	srv, store := newTestServer(t, api)
	store.Reconcile([]tasks.Task{seedTask("t1", "alpha", tasks.StatusPending)})
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPost, "/v1/tasks/t1/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := store.Tasks()[0].Status; got != tasks.StatusRunning {
		t.Fatalf("status after start = %s", got)
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/tasks/t1/explode", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action status = %d", rec.Code)
	}

	// Transition gating surfaces as an upstream-shaped failure.
	rec = doRequest(t, router, http.MethodPost, "/v1/tasks/t1/retry", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("invalid transition status = %d", rec.Code)
	}
}

func TestSetAndClearFilter(t *testing.T) {
	srv, store := newTestServer(t, newStubAPI())
	store.Reconcile([]tasks.Task{
		seedTask("t1", "Fetch ETH price", tasks.StatusRunning),
		seedTask("t2", "Summarize news", tasks.StatusPending),
	})
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPut, "/v1/tasks/filter", tasks.Filter{Search: "fetch"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set filter status = %d", rec.Code)
	}
	if got := len(store.FilteredTasks()); got != 1 {
		t.Fatalf("filtered len = %d, want 1", got)
	}

	rec = doRequest(t, router, http.MethodDelete, "/v1/tasks/filter", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear filter status = %d", rec.Code)
	}
	if !store.Filter().Empty() {
		t.Fatalf("filter survived clear")
	}
}

func TestStreamSubscriptionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, newStubAPI())
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPost, "/v1/streams/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("subscribe messages status = %d", rec.Code)
	}
	if !srv.streams.Subscribed("messages") {
		t.Fatalf("messages stream not subscribed")
	}

	rec = doRequest(t, router, http.MethodDelete, "/v1/streams/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unsubscribe messages status = %d", rec.Code)
	}
	if srv.streams.Subscribed("messages") {
		t.Fatalf("messages stream still subscribed")
	}
}

func TestGetUntrackedTask(t *testing.T) {
	srv, _ := newTestServer(t, newStubAPI())
	rec := doRequest(t, srv.Router(), http.MethodGet, "/v1/tasks/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("untracked get status = %d", rec.Code)
	}
}

type memMirror struct {
	mu    sync.Mutex
	items []tasks.Task
}

func (m *memMirror) SaveTask(_ context.Context, t tasks.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, t)
	return nil
}

func (m *memMirror) GetTask(_ context.Context, id string) (tasks.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.items) - 1; i >= 0; i-- {
		if m.items[i].ID == id {
			return m.items[i], nil
		}
	}
	return tasks.Task{}, tasks.ErrStoreNotFound
}

func (m *memMirror) ListRecent(_ context.Context, _ string, limit int) ([]tasks.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tasks.Task, len(m.items))
	copy(out, m.items)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memMirror) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := m.items[:0]
	for _, t := range m.items {
		if t.ID != id {
			keep = append(keep, t)
		}
	}
	m.items = keep
	return nil
}

func (m *memMirror) Close() error { return nil }

func TestHistoryEndpoint(t *testing.T) {
	mirror := &memMirror{items: []tasks.Task{
		seedTask("t1", "alpha", tasks.StatusCompleted),
		seedTask("t2", "beta", tasks.StatusCompleted),
	}}
	store := tracker.NewStore(tracker.Options{
		API:   newStubAPI(),
		Scope: session.NewManager("user-1", time.Hour),
	})
	t.Cleanup(store.Close)
	srv := New(config.Config{}, store, nil, nil, session.NewManager("user-1", time.Hour), mirror, nil, nil)

	rec := doRequest(t, srv.Router(), http.MethodGet, "/v1/history?limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Tasks []tasks.Task `json:"tasks"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Total != 1 {
		t.Fatalf("total = %d, want 1", body.Total)
	}

	// Lookup by id serves the snapshot even for untracked tasks.
	rec = doRequest(t, srv.Router(), http.MethodGet, "/v1/history/t2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history get status = %d: %s", rec.Code, rec.Body.String())
	}
	var snapshot tasks.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.ID != "t2" {
		t.Fatalf("snapshot id = %q, want t2", snapshot.ID)
	}

	rec = doRequest(t, srv.Router(), http.MethodGet, "/v1/history/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing snapshot status = %d", rec.Code)
	}

	// Without a mirror the endpoints report themselves unavailable.
	bare, _ := newTestServer(t, newStubAPI())
	rec = doRequest(t, bare.Router(), http.MethodGet, "/v1/history", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("mirrorless history status = %d", rec.Code)
	}
	rec = doRequest(t, bare.Router(), http.MethodGet, "/v1/history/t2", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("mirrorless history get status = %d", rec.Code)
	}
}

func TestProcessNotificationReachesFeed(t *testing.T) {
	api := newStubAPI(seedTask("t1", "alpha", tasks.StatusPending))
	srv, store := newTestServer(t, api)
	store.Reconcile([]tasks.Task{seedTask("t1", "alpha", tasks.StatusPending)})
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPost, "/v1/tasks/t1/process", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("process status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/notifications", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("notifications status = %d", rec.Code)
	}
	var body struct {
		Messages []tracker.ChatMessage `json:"messages"`
		Total    int                   `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Total != 1 || body.Messages[0].TaskID != "t1" {
		t.Fatalf("unexpected feed %+v", body)
	}
	if body.Messages[0].ProcessingTime == nil || *body.Messages[0].ProcessingTime != 1.5 {
		t.Fatalf("processing time not forwarded: %+v", body.Messages[0])
	}
}

func TestRetryableUpstreamFailureMapsTo503(t *testing.T) {
	api := newStubAPI(seedTask("t1", "alpha", tasks.StatusPending))
	srv, store := newTestServer(t, api)
	store.Reconcile([]tasks.Task{seedTask("t1", "alpha", tasks.StatusPending)})

	api.mu.Lock()
	api.failNext = &taskapi.APIError{StatusCode: 503, Code: "maintenance", Message: "upstream restarting"}
	api.mu.Unlock()
	rec := doRequest(t, srv.Router(), http.MethodPost, "/v1/tasks/t1/start", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("retryable failure status = %d, want 503", rec.Code)
	}

	// Non-retryable upstream failures stay 502.
	api.mu.Lock()
	api.failNext = &taskapi.APIError{StatusCode: 422, Code: "bad_state", Message: "nope"}
	api.mu.Unlock()
	rec = doRequest(t, srv.Router(), http.MethodPost, "/v1/tasks/t1/start", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("non-retryable failure status = %d, want 502", rec.Code)
	}
}

func TestProcessObservesDuration(t *testing.T) {
	api := newStubAPI(seedTask("t1", "alpha", tasks.StatusPending))
	feed := tracker.NewFeed(10)
	store := tracker.NewStore(tracker.Options{
		API:      api,
		Notifier: tracker.NewBridge(feed, nil),
		Scope:    session.NewManager("user-1", time.Hour),
	})
	t.Cleanup(store.Close)
	store.Reconcile([]tasks.Task{seedTask("t1", "alpha", tasks.StatusPending)})

	metrics := observability.NewMetrics("httpapi_test")
	srv := New(config.Config{}, store, nil, nil, session.NewManager("user-1", time.Hour), nil, feed, metrics)

	rec := doRequest(t, srv.Router(), http.MethodPost, "/v1/tasks/t1/process", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("process status = %d: %s", rec.Code, rec.Body.String())
	}

	var dm dto.Metric
	if err := metrics.ProcessDuration.Write(&dm); err != nil {
		t.Fatalf("collect histogram: %v", err)
	}
	if got := dm.GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("process duration samples = %d, want 1", got)
	}
	if got := dm.GetHistogram().GetSampleSum(); got != 1.5 {
		t.Fatalf("process duration sum = %v, want 1.5", got)
	}
}

func TestClearError(t *testing.T) {
	api := newStubAPI()
	srv, store := newTestServer(t, api)
	api.mu.Lock()
	api.failNext = errors.New("upstream down")
	api.mu.Unlock()
	if err := store.Refresh(context.Background()); err == nil {
		t.Fatalf("Refresh() succeeded, want error")
	}
	if store.Err() == "" {
		t.Fatalf("store error empty after failed refresh")
	}

	rec := doRequest(t, srv.Router(), http.MethodPost, "/v1/errors/clear", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear error status = %d", rec.Code)
	}
	if store.Err() != "" {
		t.Fatalf("store error survived clear")
	}
}
