// Package store defines the persistence interfaces for policies,
// registry endpoints, executions and tasks, together with the query
// types used by list operations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ocimirror/ocimirror/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a mutation collides with existing
	// state, e.g. a duplicate name or a delete of a referenced record
	ErrConflict = errors.New("conflicting state")

	// ErrInvalidTransition is returned when a task update would move a
	// terminal status back to a non-terminal one
	ErrInvalidTransition = errors.New("invalid status transition")
)

const (
	defaultPageSize = 15
	maxPageSize     = 100
)

// Page holds pagination parameters common to all list queries.
type Page struct {
	Page     int
	PageSize int
}

// Window returns the normalized limit and offset for the page.
func (p Page) Window() (limit, offset int) {
	size := p.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	return size, (page - 1) * size
}

// PolicyQuery filters policy listings.
type PolicyQuery struct {
	Name       string
	EndpointID int64
	Page
}

// ExecutionQuery filters execution listings.
type ExecutionQuery struct {
	PolicyID int64
	Status   model.ExecutionStatus
	Trigger  model.TriggerKind
	Page
}

// TaskQuery filters task listings. StartedAfter/StartedBefore bound the
// task start time; PolicyID selects tasks across all executions of one
// policy.
type TaskQuery struct {
	ExecutionID   string
	PolicyID      int64
	Repository    string
	Status        model.TaskStatus
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Page
}

// PolicyStore persists replication policies.
type PolicyStore interface {
	Create(ctx context.Context, p *model.Policy) (int64, error)
	Get(ctx context.Context, id int64) (*model.Policy, error)
	Update(ctx context.Context, p *model.Policy) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, q PolicyQuery) ([]*model.Policy, int, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
}

// EndpointStore persists registry endpoints. Delete fails with
// ErrConflict while any policy references the endpoint.
type EndpointStore interface {
	Create(ctx context.Context, e *model.Endpoint) (int64, error)
	Get(ctx context.Context, id int64) (*model.Endpoint, error)
	Update(ctx context.Context, e *model.Endpoint) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, name string, page Page) ([]*model.Endpoint, int, error)
}

// ExecutionStore persists executions and their tasks. Implementations
// serialize task-state mutations so concurrent worker completions are
// never lost; UpdateTask enforces monotonic status transitions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	UpdateExecution(ctx context.Context, e *model.Execution) error
	ListExecutions(ctx context.Context, q ExecutionQuery) ([]*model.Execution, int, error)

	// HasActive reports whether the policy has an execution in a
	// non-terminal state
	HasActive(ctx context.Context, policyID int64) (bool, error)

	CreateTasks(ctx context.Context, tasks []*model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	ListTasks(ctx context.Context, q TaskQuery) ([]*model.Task, int, error)
}
