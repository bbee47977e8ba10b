package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps an upsert-by-id history of every task snapshot the
// tracker has reconciled.
type PostgresStore struct {
	pool  *pgxpool.Pool
	scope string
}

func NewPostgresStore(ctx context.Context, databaseURL, scope string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, scope: strings.TrimSpace(scope)}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tracked_tasks (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT '',
			assigned_agent TEXT NOT NULL DEFAULT '',
			action_result TEXT NOT NULL DEFAULT '',
			action_duration DOUBLE PRECISION NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_tasks_scope_created ON tracked_tasks (scope, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracked_tasks (
			id, scope, name, description, task_type, category, status, priority,
			assigned_agent, action_result, action_duration, created_at, updated_at, started_at, ended_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
		)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			description=EXCLUDED.description,
			task_type=EXCLUDED.task_type,
			category=EXCLUDED.category,
			status=EXCLUDED.status,
			priority=EXCLUDED.priority,
			assigned_agent=EXCLUDED.assigned_agent,
			action_result=EXCLUDED.action_result,
			action_duration=EXCLUDED.action_duration,
			updated_at=EXCLUDED.updated_at,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at`,
		task.ID,
		s.scope,
		task.Name,
		task.Description,
		task.TaskType,
		task.Category,
		string(task.Status),
		task.Priority,
		task.AssignedAgent,
		task.ActionResult,
		task.ActionDuration,
		task.CreatedAt,
		task.UpdatedAt,
		task.StartedAt,
		task.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, description, task_type, category, status, priority, assigned_agent,
		        action_result, action_duration, created_at, updated_at, started_at, ended_at
		   FROM tracked_tasks WHERE id=$1`,
		taskID,
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, scope string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, task_type, category, status, priority, assigned_agent,
		        action_result, action_duration, created_at, updated_at, started_at, ended_at
		   FROM tracked_tasks WHERE scope=$1 ORDER BY created_at DESC LIMIT $2`,
		strings.TrimSpace(scope), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM tracked_tasks WHERE id=$1`, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task            Task
		status          string
		durationNull    *float64
		startedNullable *time.Time
		endedNullable   *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.Name,
		&task.Description,
		&task.TaskType,
		&task.Category,
		&status,
		&task.Priority,
		&task.AssignedAgent,
		&task.ActionResult,
		&durationNull,
		&task.CreatedAt,
		&task.UpdatedAt,
		&startedNullable,
		&endedNullable,
	); err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	task.ActionDuration = durationNull
	task.StartedAt = startedNullable
	task.EndedAt = endedNullable
	return task, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
