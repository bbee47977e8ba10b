package tasks

import (
	"context"
	"errors"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store mirrors reconciled task snapshots for history. Read paths of the
// tracker never consult it.
type Store interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListRecent(ctx context.Context, scope string, limit int) ([]Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	Close() error
}
