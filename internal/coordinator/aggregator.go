package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ocimirror/ocimirror/internal/joblog"
	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/store"
)

// ErrTaskNotFound is returned by task queries for unknown tasks.
var ErrTaskNotFound = errors.New("task not found")

// GetExecution returns one execution. For executions that have not
// settled, the status is recomputed from the live task statuses rather
// than read from storage, so the answer cannot drift from the rollup
// invariant.
func (c *Coordinator) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	execution, err := c.executions.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	if !execution.Status.Terminal() && execution.Status != model.ExecutionPending {
		statuses, err := c.taskStatuses(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to recompute execution status: %w", err)
		}
		execution.Status = model.RollupStatus(execution.StopRequested, statuses)
	}
	return execution, nil
}

// ListExecutions returns executions matching the query and the total
// match count for pagination.
func (c *Coordinator) ListExecutions(ctx context.Context, q store.ExecutionQuery) ([]*model.Execution, int, error) {
	return c.executions.ListExecutions(ctx, q)
}

// ListTasks returns tasks matching the query and the total match count.
func (c *Coordinator) ListTasks(ctx context.Context, q store.TaskQuery) ([]*model.Task, int, error) {
	return c.executions.ListTasks(ctx, q)
}

// GetTask returns one task by ID.
func (c *Coordinator) GetTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := c.executions.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return task, nil
}

// GetTaskLog returns the transfer detail log of one task.
func (c *Coordinator) GetTaskLog(ctx context.Context, taskID string) ([]byte, error) {
	if _, err := c.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	content, err := c.logs.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, joblog.ErrLogNotFound) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("failed to read task log: %w", err)
	}
	return content, nil
}
