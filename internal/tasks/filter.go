package tasks

import (
	"net/url"
	"strings"
	"time"
)

// Filter describes the client-visible view of the task list. It never
// mutates task records.
type Filter struct {
	Statuses      []Status  `json:"statuses,omitempty"`
	Types         []string  `json:"types,omitempty"`
	Categories    []string  `json:"categories,omitempty"`
	Priorities    []string  `json:"priorities,omitempty"`
	AssignedAgent string    `json:"assigned_agent,omitempty"`
	CreatedAfter  time.Time `json:"created_after,omitempty"`
	CreatedBefore time.Time `json:"created_before,omitempty"`
	Search        string    `json:"search,omitempty"`
}

func (f Filter) Empty() bool {
	return len(f.Statuses) == 0 &&
		len(f.Types) == 0 &&
		len(f.Categories) == 0 &&
		len(f.Priorities) == 0 &&
		strings.TrimSpace(f.AssignedAgent) == "" &&
		f.CreatedAfter.IsZero() &&
		f.CreatedBefore.IsZero() &&
		strings.TrimSpace(f.Search) == ""
}

// Matches applies the filter predicates in order: status, type, category,
// priority, assigned agent, date range, then the free-text search term.
func (f Filter) Matches(t Task) bool {
	if len(f.Statuses) > 0 && !statusIn(t.Status, f.Statuses) {
		return false
	}
	if len(f.Types) > 0 && !stringIn(t.TaskType, f.Types) {
		return false
	}
	if len(f.Categories) > 0 && !stringIn(t.Category, f.Categories) {
		return false
	}
	if len(f.Priorities) > 0 && !stringIn(t.Priority, f.Priorities) {
		return false
	}
	if agent := strings.TrimSpace(f.AssignedAgent); agent != "" && t.AssignedAgent != agent {
		return false
	}
	if !f.CreatedAfter.IsZero() && t.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && t.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	if term := strings.ToLower(strings.TrimSpace(f.Search)); term != "" {
		if !strings.Contains(strings.ToLower(t.Name), term) &&
			!strings.Contains(strings.ToLower(t.Description), term) &&
			!strings.Contains(strings.ToLower(t.TaskType), term) {
			return false
		}
	}
	return true
}

// Query encodes the filter as upstream list-endpoint query parameters.
func (f Filter) Query() url.Values {
	q := url.Values{}
	for _, s := range f.Statuses {
		q.Add("status", string(s))
	}
	for _, v := range f.Types {
		q.Add("task_type", v)
	}
	for _, v := range f.Categories {
		q.Add("category", v)
	}
	for _, v := range f.Priorities {
		q.Add("priority", v)
	}
	if agent := strings.TrimSpace(f.AssignedAgent); agent != "" {
		q.Set("assigned_agent", agent)
	}
	if !f.CreatedAfter.IsZero() {
		q.Set("created_after", f.CreatedAfter.UTC().Format(time.RFC3339))
	}
	if !f.CreatedBefore.IsZero() {
		q.Set("created_before", f.CreatedBefore.UTC().Format(time.RFC3339))
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		q.Set("search", term)
	}
	return q
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func stringIn(s string, set []string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
