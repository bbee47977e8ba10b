package taskapi

import (
	"errors"
	"fmt"

	"github.com/mfalcone/taskwatch/internal/reliability"
)

var ErrTaskNotFound = errors.New("task not found")

// APIError is a typed upstream RPC failure. The tracker surfaces its string
// form on the store's error field for interactively triggered operations.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %d: %s", e.StatusCode, e.Message)
}

// NotFound reports whether err is a 404-shaped upstream failure.
func NotFound(err error) bool {
	if errors.Is(err, ErrTaskNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// Retryable reports whether err is a transient upstream failure that a
// caller may retry as-is.
func Retryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && reliability.IsRetryableHTTPStatus(apiErr.StatusCode)
}
