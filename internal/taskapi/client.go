// Package taskapi is the thin RPC layer over the upstream agent task
// service: CRUD plus the lifecycle actions start, pause, resume, cancel,
// retry and process.
package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mfalcone/taskwatch/internal/tasks"
)

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientWithHTTP injects the HTTP client; tests use this to avoid real
// sockets.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	c := NewClient(baseURL)
	if httpClient != nil {
		c.client = httpClient
	}
	return c
}

func (c *Client) CreateTask(ctx context.Context, req tasks.CreateRequest) (tasks.Task, error) {
	return c.doTask(ctx, http.MethodPost, "/tasks", nil, req)
}

func (c *Client) ListTasks(ctx context.Context, filter tasks.Filter, scope string) ([]tasks.Task, error) {
	q := filter.Query()
	if scope = strings.TrimSpace(scope); scope != "" {
		q.Set("scope", scope)
	}
	body, err := c.do(ctx, http.MethodGet, "/tasks", q, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse task list: %w", err)
	}
	return out.Tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return tasks.Task{}, fmt.Errorf("task id is required")
	}
	return c.doTask(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) UpdateTask(ctx context.Context, id string, req tasks.UpdateRequest) (tasks.Task, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return tasks.Task{}, fmt.Errorf("task id is required")
	}
	return c.doTask(ctx, http.MethodPut, "/tasks/"+url.PathEscape(id), nil, req)
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("task id is required")
	}
	_, err := c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *Client) StartTask(ctx context.Context, id string) (tasks.Task, error) {
	return c.action(ctx, id, "start")
}

func (c *Client) PauseTask(ctx context.Context, id string) (tasks.Task, error) {
	return c.action(ctx, id, "pause")
}

func (c *Client) ResumeTask(ctx context.Context, id string) (tasks.Task, error) {
	return c.action(ctx, id, "resume")
}

func (c *Client) CancelTask(ctx context.Context, id string) (tasks.Task, error) {
	return c.action(ctx, id, "cancel")
}

func (c *Client) RetryTask(ctx context.Context, id string) (tasks.Task, error) {
	return c.action(ctx, id, "retry")
}

func (c *Client) ProcessTask(ctx context.Context, id string) (tasks.Task, error) {
	return c.action(ctx, id, "process")
}

func (c *Client) action(ctx context.Context, id, action string) (tasks.Task, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return tasks.Task{}, fmt.Errorf("task id is required")
	}
	return c.doTask(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/"+action, nil, nil)
}

func (c *Client) doTask(ctx context.Context, method, path string, query url.Values, payload any) (tasks.Task, error) {
	body, err := c.do(ctx, method, path, query, payload)
	if err != nil {
		return tasks.Task{}, err
	}
	var task tasks.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return tasks.Task{}, fmt.Errorf("parse task: %w", err)
	}
	if _, err := tasks.ParseStatus(string(task.Status)); err != nil {
		return tasks.Task{}, fmt.Errorf("canonical task: %w", err)
	}
	return task, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(body))}
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &parsed) == nil {
			if parsed.Code != "" {
				apiErr.Code = parsed.Code
			}
			if parsed.Message != "" {
				apiErr.Message = parsed.Message
			}
		}
		if res.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, apiErr.Message)
		}
		return nil, apiErr
	}
	return body, nil
}
