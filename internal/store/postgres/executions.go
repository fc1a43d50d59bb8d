package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/store"
)

// ExecutionStore is a PostgreSQL-backed store.ExecutionStore. Task-state
// mutations are guarded in SQL so a terminal task is never moved back to
// a runnable state, regardless of worker interleaving.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an execution store on the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionColumns = `id, policy_id, trigger_kind, filter_snapshot, status,
	status_text, stop_requested, start_time, end_time`

const taskColumns = `id, execution_id, resource_type, src_repository, dst_repository,
	tag, digest, operation, status, retry_count, last_error, start_time, end_time`

const terminalTaskStatuses = `('Succeeded', 'Failed', 'Stopped')`

// CreateExecution stores the execution.
func (s *ExecutionStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	snapshot, err := json.Marshal(e.FilterSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode filter snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO replication_executions (
			id, policy_id, trigger_kind, filter_snapshot, status,
			status_text, stop_requested, start_time, end_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.PolicyID, e.Trigger, snapshot, e.Status,
		e.StatusText, e.StopRequested, e.StartTime, e.EndTime,
	)
	return mapError(err)
}

// GetExecution returns the execution with the given ID.
func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM replication_executions WHERE id = $1`, id)
	return scanExecution(row)
}

// UpdateExecution replaces the stored execution.
func (s *ExecutionStore) UpdateExecution(ctx context.Context, e *model.Execution) error {
	snapshot, err := json.Marshal(e.FilterSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode filter snapshot: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE replication_executions SET
			policy_id = $2, trigger_kind = $3, filter_snapshot = $4,
			status = $5, status_text = $6, stop_requested = $7,
			start_time = $8, end_time = $9
		WHERE id = $1`,
		e.ID, e.PolicyID, e.Trigger, snapshot,
		e.Status, e.StatusText, e.StopRequested,
		e.StartTime, e.EndTime,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListExecutions returns executions matching the query, newest first.
func (s *ExecutionStore) ListExecutions(ctx context.Context, q store.ExecutionQuery) ([]*model.Execution, int, error) {
	where := ` WHERE ($1::bigint = 0 OR policy_id = $1)
		AND ($2 = '' OR status = $2)
		AND ($3 = '' OR trigger_kind = $3)`

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM replication_executions`+where,
		q.PolicyID, string(q.Status), string(q.Trigger),
	).Scan(&total)
	if err != nil {
		return nil, 0, mapError(err)
	}

	limit, offset := q.Window()
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM replication_executions`+where+
			` ORDER BY start_time DESC, id LIMIT $4 OFFSET $5`,
		q.PolicyID, string(q.Status), string(q.Trigger), limit, offset)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	executions := []*model.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, err
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapError(err)
	}
	return executions, total, nil
}

// HasActive reports whether the policy has a non-terminal execution.
func (s *ExecutionStore) HasActive(ctx context.Context, policyID int64) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM replication_executions
			WHERE policy_id = $1 AND status NOT IN `+terminalTaskStatuses+`
		)`, policyID,
	).Scan(&active)
	if err != nil {
		return false, mapError(err)
	}
	return active, nil
}

// CreateTasks stores the given tasks in one round trip.
func (s *ExecutionStore) CreateTasks(ctx context.Context, tasks []*model.Task) error {
	batch := &pgx.Batch{}
	for _, t := range tasks {
		batch.Queue(`
			INSERT INTO replication_tasks (
				id, execution_id, resource_type, src_repository,
				dst_repository, tag, digest, operation, status,
				retry_count, last_error, start_time, end_time
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			t.ID, t.ExecutionID, t.Resource.Type, t.Resource.Repository,
			t.DstRepository, t.Resource.Tag, t.Resource.Digest, t.Operation,
			t.Status, t.RetryCount, t.LastError, nullableTime(t.StartTime), t.EndTime,
		)
	}
	return mapError(s.pool.SendBatch(ctx, batch).Close())
}

// GetTask returns the task with the given ID.
func (s *ExecutionStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM replication_tasks WHERE id = $1`, id)
	return scanTask(row)
}

// UpdateTask replaces the stored task. The WHERE clause enforces the
// monotonic transition rule: a row already in a terminal status only
// matches when the update keeps the same status.
func (s *ExecutionStore) UpdateTask(ctx context.Context, t *model.Task) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE replication_tasks SET
			status = $2, retry_count = $3, last_error = $4,
			start_time = $5, end_time = $6
		WHERE id = $1
		AND (status NOT IN `+terminalTaskStatuses+` OR status = $2)`,
		t.ID, t.Status, t.RetryCount, t.LastError,
		nullableTime(t.StartTime), t.EndTime,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM replication_tasks WHERE id = $1)`, t.ID,
	).Scan(&exists)
	if err != nil {
		return mapError(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrInvalidTransition
}

// ListTasks returns tasks matching the query in creation order.
func (s *ExecutionStore) ListTasks(ctx context.Context, q store.TaskQuery) ([]*model.Task, int, error) {
	where := ` WHERE ($1 = '' OR t.execution_id::text = $1)
		AND ($2::bigint = 0 OR EXISTS (
			SELECT 1 FROM replication_executions e
			WHERE e.id = t.execution_id AND e.policy_id = $2
		))
		AND ($3 = '' OR t.src_repository LIKE '%' || $3 || '%')
		AND ($4 = '' OR t.status = $4)
		AND ($5::timestamptz IS NULL OR t.start_time >= $5)
		AND ($6::timestamptz IS NULL OR t.start_time <= $6)`

	args := []any{
		q.ExecutionID, q.PolicyID, q.Repository, string(q.Status),
		q.StartedAfter, q.StartedBefore,
	}

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM replication_tasks t`+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, mapError(err)
	}

	limit, offset := q.Window()
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumnsPrefixed+` FROM replication_tasks t`+where+
			` ORDER BY t.seq LIMIT $7 OFFSET $8`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	tasks := []*model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapError(err)
	}
	return tasks, total, nil
}

const taskColumnsPrefixed = `t.id, t.execution_id, t.resource_type, t.src_repository,
	t.dst_repository, t.tag, t.digest, t.operation, t.status, t.retry_count,
	t.last_error, t.start_time, t.end_time`

func scanExecution(row pgx.Row) (*model.Execution, error) {
	var (
		e        model.Execution
		snapshot []byte
	)
	err := row.Scan(
		&e.ID, &e.PolicyID, &e.Trigger, &snapshot, &e.Status,
		&e.StatusText, &e.StopRequested, &e.StartTime, &e.EndTime,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if err := json.Unmarshal(snapshot, &e.FilterSnapshot); err != nil {
		return nil, fmt.Errorf("failed to decode filter snapshot: %w", err)
	}
	return &e, nil
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		t         model.Task
		startTime *time.Time
	)
	err := row.Scan(
		&t.ID, &t.ExecutionID, &t.Resource.Type, &t.Resource.Repository,
		&t.DstRepository, &t.Resource.Tag, &t.Resource.Digest, &t.Operation,
		&t.Status, &t.RetryCount, &t.LastError, &startTime, &t.EndTime,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if startTime != nil {
		t.StartTime = *startTime
	}
	return &t, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
