// Package coordinator turns triggered replication requests into
// executions and tasks, drives their lifecycle through the dispatcher,
// and rolls task outcomes up into execution status. All rollup
// evaluation re-derives the execution status from the full task status
// vector instead of tracking it incrementally, so concurrent worker
// completions cannot race it into a wrong state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocimirror/ocimirror/internal/dispatcher"
	"github.com/ocimirror/ocimirror/internal/joblog"
	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/registry"
	"github.com/ocimirror/ocimirror/internal/store"
	"github.com/ocimirror/ocimirror/internal/telemetry"
)

var (
	// ErrPolicyNotFound is returned when the request references an
	// unknown policy
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrOverlap is returned when the policy disallows overlapping
	// executions and one is already in progress
	ErrOverlap = errors.New("policy already has an execution in progress")

	// ErrExecutionNotFound is returned by queries for unknown executions
	ErrExecutionNotFound = errors.New("execution not found")
)

// Request is a replication request emitted by the trigger engine.
type Request struct {
	PolicyID int64
	Trigger  model.TriggerKind

	// FilterSnapshot freezes the filter at trigger time; nil snapshots
	// the policy's current filter
	FilterSnapshot *model.Filter

	// Resource pins the execution to the single artifact that fired an
	// event trigger; nil enumerates the source registry
	Resource *model.Resource

	// Deleted marks an event-driven delete; it produces a delete task
	// instead of a copy
	Deleted bool
}

// Submitter is the slice of the dispatcher the coordinator uses.
type Submitter interface {
	Submit(ctx context.Context, job *dispatcher.Job) error
}

// Coordinator owns execution and task lifecycle.
type Coordinator struct {
	policies   store.PolicyStore
	endpoints  store.EndpointStore
	executions store.ExecutionStore
	logs       joblog.Store
	clients    registry.Factory
	submitter  Submitter
	metrics    *telemetry.Metrics
	archiver   joblog.Archiver

	// baseCtx parents every execution context; cancelling it during
	// shutdown stops all in-flight work
	baseCtx context.Context

	// active tracks cancellation functions of running executions
	mu     sync.Mutex
	active map[string]context.CancelFunc

	// rollupMu serializes status rollups so two settling workers cannot
	// interleave their terminal-state writes
	rollupMu sync.Mutex

	wg sync.WaitGroup
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLogArchiver archives task logs when an execution settles.
func WithLogArchiver(a joblog.Archiver) Option {
	return func(c *Coordinator) {
		c.archiver = a
	}
}

// New creates a coordinator with injected dependencies. ctx bounds the
// lifetime of all executions the coordinator starts.
func New(
	ctx context.Context,
	policies store.PolicyStore,
	endpoints store.EndpointStore,
	executions store.ExecutionStore,
	logs joblog.Store,
	clients registry.Factory,
	submitter Submitter,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		policies:   policies,
		endpoints:  endpoints,
		executions: executions,
		logs:       logs,
		clients:    clients,
		submitter:  submitter,
		baseCtx:    ctx,
		active:     map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnTaskSettled re-evaluates the execution rollup after a task reaches
// a terminal status. Wire it into the dispatcher's settle callback.
func (c *Coordinator) OnTaskSettled(executionID string) {
	c.rollup(context.Background(), executionID)
}

// Wait blocks until all execution goroutines have finished. Intended
// for shutdown and tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Start validates the request, creates the execution record, and kicks
// off resource enumeration and task submission in the background. The
// returned ID is valid immediately; enumeration failures are recorded
// on the execution rather than returned.
func (c *Coordinator) Start(ctx context.Context, req *Request) (string, error) {
	policy, err := c.policies.Get(ctx, req.PolicyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrPolicyNotFound
		}
		return "", fmt.Errorf("failed to load policy %d: %w", req.PolicyID, err)
	}

	if policy.DisallowOverlap {
		active, err := c.executions.HasActive(ctx, policy.ID)
		if err != nil {
			return "", fmt.Errorf("failed to check for overlapping executions: %w", err)
		}
		if active {
			return "", ErrOverlap
		}
	}

	srcEndpoint, err := c.endpoints.Get(ctx, policy.SrcRegistryID)
	if err != nil {
		return "", fmt.Errorf("failed to load source endpoint %d: %w", policy.SrcRegistryID, err)
	}
	dstEndpoint, err := c.endpoints.Get(ctx, policy.DstRegistryID)
	if err != nil {
		return "", fmt.Errorf("failed to load destination endpoint %d: %w", policy.DstRegistryID, err)
	}

	snapshot := policy.Filter
	if req.FilterSnapshot != nil {
		snapshot = *req.FilterSnapshot
	}

	execution := &model.Execution{
		ID:             uuid.NewString(),
		PolicyID:       policy.ID,
		Trigger:        req.Trigger,
		FilterSnapshot: snapshot,
		Status:         model.ExecutionPending,
		StartTime:      time.Now(),
	}
	if err := c.executions.CreateExecution(ctx, execution); err != nil {
		return "", fmt.Errorf("failed to create execution: %w", err)
	}

	execCtx, cancel := context.WithCancel(c.baseCtx)
	c.mu.Lock()
	c.active[execution.ID] = cancel
	c.mu.Unlock()

	slog.Info("Execution created",
		"execution_id", execution.ID,
		"policy_id", policy.ID,
		"trigger", req.Trigger)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.materialize(execCtx, execution, policy, srcEndpoint, dstEndpoint, req)
	}()

	return execution.ID, nil
}

// materialize enumerates source resources, creates tasks, and feeds
// them to the dispatcher. It runs on its own goroutine per trigger.
func (c *Coordinator) materialize(
	execCtx context.Context,
	execution *model.Execution,
	policy *model.Policy,
	srcEndpoint, dstEndpoint *model.Endpoint,
	req *Request,
) {
	src, err := c.clients.ClientFor(srcEndpoint)
	if err != nil {
		c.failExecution(execution, fmt.Errorf("failed to create source registry client: %w", err))
		return
	}
	dst, err := c.clients.ClientFor(dstEndpoint)
	if err != nil {
		c.failExecution(execution, fmt.Errorf("failed to create destination registry client: %w", err))
		return
	}

	resources, err := c.enumerate(execCtx, src, execution.FilterSnapshot, req)
	if err != nil {
		// Enumeration failure fails the whole execution with zero
		// tasks; a new trigger must be issued
		c.failExecution(execution, fmt.Errorf("resource enumeration failed: %w", err))
		return
	}

	operation := model.OperationCopy
	if req.Deleted {
		if !policy.ReplicateDeletion {
			c.finishEmpty(execution, "delete event ignored: deletion propagation is disabled")
			return
		}
		operation = model.OperationDelete
	}

	tasks := make([]*model.Task, 0, len(resources))
	for _, res := range resources {
		tasks = append(tasks, &model.Task{
			ID:            uuid.NewString(),
			ExecutionID:   execution.ID,
			Resource:      res,
			Operation:     operation,
			DstRepository: rewriteNamespace(res.Repository, policy.DestNamespace),
			Status:        model.TaskPending,
		})
	}

	if len(tasks) == 0 {
		c.finishEmpty(execution, "no resources matched the filter")
		return
	}

	if err := c.executions.CreateTasks(execCtx, tasks); err != nil {
		c.failExecution(execution, fmt.Errorf("failed to create tasks: %w", err))
		return
	}

	execution.Status = model.ExecutionInProgress
	if err := c.executions.UpdateExecution(execCtx, execution); err != nil {
		slog.Error("Failed to mark execution in progress",
			"execution_id", execution.ID, "error", err)
	}

	slog.Info("Execution materialized",
		"execution_id", execution.ID,
		"task_count", len(tasks))

	for _, task := range tasks {
		job := &dispatcher.Job{
			Task:          task,
			ExecCtx:       execCtx,
			Src:           src,
			Dst:           dst,
			DstEndpointID: dstEndpoint.ID,
			Override:      policy.Override,
			MaxRetries:    policy.MaxRetries,
		}
		// Submit blocks when the queue is full; backpressure bounds
		// memory by queue capacity
		if err := c.submitter.Submit(execCtx, job); err != nil {
			slog.Warn("Task submission aborted",
				"execution_id", execution.ID, "task_id", task.ID, "error", err)
			c.rollup(context.Background(), execution.ID)
			return
		}
	}
}

// enumerate resolves the set of resources the execution operates on.
// Event-triggered requests are already pinned to one resource; other
// triggers walk the source catalog and tag lists through the filter.
func (c *Coordinator) enumerate(ctx context.Context, src registry.Client, filter model.Filter, req *Request) ([]model.Resource, error) {
	if req.Resource != nil {
		return []model.Resource{*req.Resource}, nil
	}

	repos, err := src.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}

	var resources []model.Resource
	for _, repo := range repos {
		probe := model.Resource{Type: model.ResourceTypeImage, Repository: repo}
		if !filter.Matches(probe) {
			continue
		}
		tags, err := src.ListTags(ctx, repo)
		if err != nil {
			return nil, fmt.Errorf("failed to list tags of %s: %w", repo, err)
		}
		for _, tag := range tags {
			res := model.Resource{Type: model.ResourceTypeImage, Repository: repo, Tag: tag}
			if filter.Matches(res) {
				resources = append(resources, res)
			}
		}
	}
	return resources, nil
}

// Stop cancels an execution: pending tasks transition to Stopped
// immediately, in-progress tasks observe the cancelled context at
// their next step boundary, and already-succeeded tasks stay as they
// are.
func (c *Coordinator) Stop(ctx context.Context, executionID string) error {
	execution, err := c.executions.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("failed to load execution: %w", err)
	}
	if execution.Status.Terminal() {
		// Stopping a settled execution is a no-op
		return nil
	}

	execution.StopRequested = true
	if err := c.executions.UpdateExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to record stop request: %w", err)
	}

	// Settle everything that has not been picked up yet. Stopped tasks
	// drop out of the Pending filter, so each pass re-reads the first
	// page until the filter drains.
	stopped := 0
	for {
		tasks, _, err := c.executions.ListTasks(ctx, store.TaskQuery{
			ExecutionID: executionID,
			Status:      model.TaskPending,
			Page:        store.Page{Page: 1, PageSize: 100},
		})
		if err != nil {
			return fmt.Errorf("failed to list pending tasks: %w", err)
		}
		if len(tasks) == 0 {
			break
		}
		progressed := false
		now := time.Now()
		for _, task := range tasks {
			task.Status = model.TaskStopped
			task.EndTime = &now
			switch err := c.executions.UpdateTask(ctx, task); {
			case err == nil:
				stopped++
				progressed = true
			case errors.Is(err, store.ErrInvalidTransition):
				// A worker settled it first; it left the filter either way
				progressed = true
			default:
				slog.Error("Failed to stop pending task", "task_id", task.ID, "error", err)
			}
		}
		if !progressed {
			// Every task in the page failed to update; bail instead of
			// spinning on the same page
			break
		}
	}

	// Cancel the execution context so running workers stop at the next
	// step boundary
	c.mu.Lock()
	cancel, ok := c.active[executionID]
	c.mu.Unlock()
	if ok {
		cancel()
	}

	slog.Info("Execution stop requested",
		"execution_id", executionID,
		"pending_stopped", stopped)

	c.rollup(ctx, executionID)
	return nil
}

// rollup re-derives the execution status from its tasks and persists
// it when the execution settles.
func (c *Coordinator) rollup(ctx context.Context, executionID string) {
	c.rollupMu.Lock()
	defer c.rollupMu.Unlock()

	execution, err := c.executions.GetExecution(ctx, executionID)
	if err != nil {
		slog.Error("Failed to load execution for rollup", "execution_id", executionID, "error", err)
		return
	}
	if execution.Status.Terminal() {
		return
	}

	statuses, err := c.taskStatuses(ctx, executionID)
	if err != nil {
		slog.Error("Failed to list tasks for rollup", "execution_id", executionID, "error", err)
		return
	}

	status := model.RollupStatus(execution.StopRequested, statuses)
	if !status.Terminal() {
		return
	}

	now := time.Now()
	execution.Status = status
	execution.EndTime = &now
	if err := c.executions.UpdateExecution(ctx, execution); err != nil {
		slog.Error("Failed to settle execution", "execution_id", executionID, "error", err)
		return
	}
	c.metrics.RecordExecution(string(status))

	c.mu.Lock()
	cancel, ok := c.active[executionID]
	delete(c.active, executionID)
	c.mu.Unlock()
	if ok {
		cancel()
	}

	slog.Info("Execution settled",
		"execution_id", executionID,
		"status", status,
		"task_count", len(statuses))

	if c.archiver != nil {
		c.archiveLogs(executionID)
	}
}

func (c *Coordinator) taskStatuses(ctx context.Context, executionID string) ([]model.TaskStatus, error) {
	var statuses []model.TaskStatus
	page := 1
	for {
		tasks, total, err := c.executions.ListTasks(ctx, store.TaskQuery{
			ExecutionID: executionID,
			Page:        store.Page{Page: page, PageSize: 100},
		})
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			statuses = append(statuses, t.Status)
		}
		if len(statuses) >= total || len(tasks) == 0 {
			return statuses, nil
		}
		page++
	}
}

// archiveLogs uploads the logs of a settled execution's tasks, walking
// every page of the task listing.
func (c *Coordinator) archiveLogs(executionID string) {
	ctx := context.Background()
	seen := 0
	for page := 1; ; page++ {
		tasks, total, err := c.executions.ListTasks(ctx, store.TaskQuery{
			ExecutionID: executionID,
			Page:        store.Page{Page: page, PageSize: 100},
		})
		if err != nil {
			slog.Error("Failed to list tasks for log archival", "execution_id", executionID, "error", err)
			return
		}
		for _, task := range tasks {
			content, err := c.logs.Get(ctx, task.ID)
			if err != nil {
				if !errors.Is(err, joblog.ErrLogNotFound) {
					slog.Error("Failed to read task log for archival", "task_id", task.ID, "error", err)
				}
				continue
			}
			if err := c.archiver.Archive(ctx, task.ID, content); err != nil {
				slog.Error("Failed to archive task log", "task_id", task.ID, "error", err)
			}
		}
		seen += len(tasks)
		if seen >= total || len(tasks) == 0 {
			return
		}
	}
}

// failExecution settles an execution that never produced tasks.
func (c *Coordinator) failExecution(execution *model.Execution, cause error) {
	slog.Error("Execution failed before any tasks were created",
		"execution_id", execution.ID, "error", cause)

	now := time.Now()
	execution.Status = model.ExecutionFailed
	execution.StatusText = cause.Error()
	execution.EndTime = &now
	if err := c.executions.UpdateExecution(context.Background(), execution); err != nil {
		slog.Error("Failed to record execution failure", "execution_id", execution.ID, "error", err)
	}
	c.metrics.RecordExecution(string(model.ExecutionFailed))
	c.release(execution.ID)
}

// finishEmpty settles an execution whose filter matched nothing.
func (c *Coordinator) finishEmpty(execution *model.Execution, reason string) {
	slog.Info("Execution finished without tasks",
		"execution_id", execution.ID, "reason", reason)

	now := time.Now()
	execution.Status = model.ExecutionSucceeded
	execution.StatusText = reason
	execution.EndTime = &now
	if err := c.executions.UpdateExecution(context.Background(), execution); err != nil {
		slog.Error("Failed to record empty execution", "execution_id", execution.ID, "error", err)
	}
	c.metrics.RecordExecution(string(model.ExecutionSucceeded))
	c.release(execution.ID)
}

func (c *Coordinator) release(executionID string) {
	c.mu.Lock()
	cancel, ok := c.active[executionID]
	delete(c.active, executionID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// rewriteNamespace replaces the project part of a repository name when
// the policy sets a destination namespace.
func rewriteNamespace(repository, destNamespace string) string {
	if destNamespace == "" {
		return repository
	}
	if _, rest, ok := strings.Cut(repository, "/"); ok {
		return destNamespace + "/" + rest
	}
	return destNamespace + "/" + repository
}
