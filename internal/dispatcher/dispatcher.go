// Package dispatcher runs replication tasks on a fixed worker pool fed
// by a bounded queue. Submission blocks when the queue is full, which
// bounds memory by queue capacity and pushes backpressure onto the
// execution coordinator. Transient failures are retried with
// exponential backoff up to the task's retry budget; permanent
// failures settle immediately.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/ocimirror/ocimirror/internal/joblog"
	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/registry"
	"github.com/ocimirror/ocimirror/internal/store"
	"github.com/ocimirror/ocimirror/internal/telemetry"
	"github.com/ocimirror/ocimirror/internal/transfer"
)

const (
	defaultWorkers        = 10
	defaultQueueSize      = 100
	defaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Minute
	defaultTaskTimeout    = 30 * time.Minute
)

// Config tunes the worker pool.
type Config struct {
	// Workers is the fixed pool size
	Workers int

	// QueueSize is the bounded queue capacity
	QueueSize int

	// MaxRetries is the default transient-failure retry budget, used
	// when the policy does not set its own
	MaxRetries int

	// PerDestinationLimit caps concurrent tasks against one destination
	// endpoint; 0 disables the cap
	PerDestinationLimit int64

	// TaskTimeout is the per-attempt wall-clock deadline
	TaskTimeout time.Duration

	// InitialBackoff and MaxBackoff shape the retry backoff curve
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Job is one task together with everything a worker needs to run it.
type Job struct {
	Task *model.Task

	// ExecCtx is the execution's cancellation context; stopping the
	// execution cancels it, and workers observe that at step boundaries
	ExecCtx context.Context

	// Src and Dst talk to the source and destination registries
	Src registry.Client
	Dst registry.Client

	// DstEndpointID keys the per-destination concurrency limit
	DstEndpointID int64

	// Override allows replacing same-name artifacts at the destination
	Override bool

	// MaxRetries overrides the pool default when > 0
	MaxRetries int
}

// Dispatcher is the worker pool.
type Dispatcher struct {
	cfg       Config
	store     store.ExecutionStore
	logs      joblog.Store
	transfers transfer.Factory
	metrics   *telemetry.Metrics

	queue chan *Job
	wg    sync.WaitGroup

	// per-destination semaphores
	semMu sync.Mutex
	sems  map[int64]*semaphore.Weighted

	// onSettle is invoked after a task reaches a terminal status so the
	// coordinator can re-evaluate the execution rollup
	onSettle func(executionID string)
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithSettleCallback registers the function called after each task
// settles. The callback runs on the worker goroutine.
func WithSettleCallback(fn func(executionID string)) Option {
	return func(d *Dispatcher) {
		d.onSettle = fn
	}
}

// New creates a dispatcher. Call Start before submitting jobs.
func New(cfg Config, execStore store.ExecutionStore, logs joblog.Store, transfers transfer.Factory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg.withDefaults(),
		store:     execStore,
		logs:      logs,
		transfers: transfers,
		sems:      map[int64]*semaphore.Weighted{},
	}
	d.queue = make(chan *Job, d.cfg.QueueSize)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker pool. Workers exit when ctx is cancelled;
// Wait blocks until they have drained.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("Starting task dispatcher",
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.workerLoop(ctx)
		}()
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Submit enqueues a job, blocking while the queue is full. It returns
// an error only when ctx is cancelled before the job is accepted.
func (d *Dispatcher) Submit(ctx context.Context, job *Job) error {
	select {
	case d.queue <- job:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher submit cancelled: %w", ctx.Err())
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			d.runJob(ctx, job)
		}
	}
}

// destinationSlot acquires the per-destination concurrency slot. The
// returned release function is a no-op when the cap is disabled.
func (d *Dispatcher) destinationSlot(ctx context.Context, endpointID int64) (func(), error) {
	if d.cfg.PerDestinationLimit <= 0 {
		return func() {}, nil
	}

	d.semMu.Lock()
	sem, ok := d.sems[endpointID]
	if !ok {
		sem = semaphore.NewWeighted(d.cfg.PerDestinationLimit)
		d.sems[endpointID] = sem
	}
	d.semMu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// runJob executes a single task, including its retry loop, and settles
// its final status in the store.
func (d *Dispatcher) runJob(ctx context.Context, job *Job) {
	task := job.Task
	log := slog.With("task_id", task.ID, "execution_id", task.ExecutionID, "resource", task.Resource.String())

	// Re-read the task; the coordinator may have stopped it while it
	// sat in the queue, and terminal statuses are monotonic.
	current, err := d.store.GetTask(ctx, task.ID)
	if err != nil {
		log.Error("Failed to load task before run", "error", err)
		return
	}
	if current.Status.Terminal() {
		log.Info("Task already settled, skipping", "status", current.Status)
		return
	}
	task = current

	if job.ExecCtx.Err() != nil {
		d.settle(ctx, job, task, model.TaskStopped, "execution stopped before the task started")
		return
	}

	release, err := d.destinationSlot(job.ExecCtx, job.DstEndpointID)
	if err != nil {
		d.settle(ctx, job, task, model.TaskStopped, "execution stopped while waiting for a destination slot")
		return
	}
	defer release()

	now := time.Now()
	task.Status = model.TaskInProgress
	task.StartTime = now
	if err := d.store.UpdateTask(ctx, task); err != nil {
		log.Error("Failed to mark task in progress", "error", err)
		return
	}

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.MaxRetries
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff
	bo.MaxInterval = d.cfg.MaxBackoff

	taskLog := slog.New(slog.NewTextHandler(joblog.NewWriter(d.logs, task.ID), nil))

	for {
		err := d.attempt(job, task, taskLog)
		if err == nil {
			d.settle(ctx, job, task, model.TaskSucceeded, "")
			return
		}

		if job.ExecCtx.Err() != nil {
			// The execution was stopped; the attempt aborted at a step
			// boundary rather than failing on its own
			d.settle(ctx, job, task, model.TaskStopped, "execution stopped")
			return
		}

		if !registry.Retryable(err) {
			taskLog.Error("permanent failure, not retrying", "error", err.Error())
			d.settle(ctx, job, task, model.TaskFailed, err.Error())
			return
		}

		if task.RetryCount >= maxRetries {
			taskLog.Error("retry budget exhausted", "error", err.Error(), "retries", task.RetryCount)
			d.settle(ctx, job, task, model.TaskFailed, err.Error())
			return
		}

		task.RetryCount++
		task.LastError = err.Error()
		if updateErr := d.store.UpdateTask(ctx, task); updateErr != nil {
			log.Error("Failed to record task retry", "error", updateErr)
		}
		d.metrics.RecordRetry()

		wait := bo.NextBackOff()
		taskLog.Warn("transient failure, backing off before retry",
			"error", err.Error(), "attempt", task.RetryCount, "backoff", wait.String())

		select {
		case <-time.After(wait):
		case <-job.ExecCtx.Done():
			d.settle(ctx, job, task, model.TaskStopped, "execution stopped during retry backoff")
			return
		}
	}
}

// attempt performs one transfer attempt bounded by the task timeout.
func (d *Dispatcher) attempt(job *Job, task *model.Task, taskLog *slog.Logger) error {
	attemptCtx, cancel := context.WithTimeout(job.ExecCtx, d.cfg.TaskTimeout)
	defer cancel()

	engine := d.transfers.New(job.Src, job.Dst, taskLog)

	var err error
	switch task.Operation {
	case model.OperationDelete:
		err = engine.Delete(attemptCtx, task.DstRepository, task.Resource.Tag)
	default:
		err = engine.Copy(attemptCtx, task.Resource.Repository, task.Resource.Tag, task.DstRepository, job.Override)
	}

	// A deadline on the attempt (not an execution stop) counts as a
	// transient failure per the retry policy
	if errors.Is(err, context.DeadlineExceeded) && job.ExecCtx.Err() == nil {
		return fmt.Errorf("task attempt exceeded %s deadline: %w", d.cfg.TaskTimeout, err)
	}
	return err
}

// settle writes the terminal task status and notifies the coordinator.
func (d *Dispatcher) settle(ctx context.Context, job *Job, task *model.Task, status model.TaskStatus, lastError string) {
	now := time.Now()
	task.Status = status
	task.EndTime = &now
	if lastError != "" {
		task.LastError = lastError
	}

	if err := d.store.UpdateTask(ctx, task); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			slog.Error("Failed to settle task", "task_id", task.ID, "error", err)
		}
		return
	}

	duration := now.Sub(task.StartTime).Seconds()
	if task.StartTime.IsZero() {
		duration = 0
	}
	d.metrics.RecordTask(string(status), duration)

	slog.Info("Task settled",
		"task_id", task.ID,
		"execution_id", task.ExecutionID,
		"status", status,
		"retries", task.RetryCount)

	if d.onSettle != nil {
		d.onSettle(task.ExecutionID)
	}
}
