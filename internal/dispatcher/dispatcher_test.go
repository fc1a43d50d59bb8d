package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocimirror/ocimirror/internal/joblog"
	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/registry"
	"github.com/ocimirror/ocimirror/internal/store/memory"
	"github.com/ocimirror/ocimirror/internal/transfer"
)

// fakeFactory scripts the outcome of each transfer attempt. Results are
// consumed in order; once exhausted, attempts succeed.
type fakeFactory struct {
	mu          sync.Mutex
	copyResults []error
	copyCalls   int
	deleteCalls int
}

func (f *fakeFactory) New(_, _ registry.Client, _ *slog.Logger) transfer.Engine {
	return &fakeEngine{f: f}
}

func (f *fakeFactory) next() error {
	if len(f.copyResults) == 0 {
		return nil
	}
	err := f.copyResults[0]
	f.copyResults = f.copyResults[1:]
	return err
}

type fakeEngine struct {
	f *fakeFactory
}

func (e *fakeEngine) Copy(context.Context, string, string, string, bool) error {
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	e.f.copyCalls++
	return e.f.next()
}

func (e *fakeEngine) Delete(context.Context, string, string) error {
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	e.f.deleteCalls++
	return e.f.next()
}

type harness struct {
	d       *Dispatcher
	store   *memory.ExecutionStore
	logs    *joblog.MemoryStore
	factory *fakeFactory
	settled chan string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		store:   memory.NewExecutionStore(),
		logs:    joblog.NewMemoryStore(),
		factory: &fakeFactory{},
		settled: make(chan string, 16),
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 2 * time.Millisecond
	}
	h.d = New(cfg, h.store, h.logs, h.factory,
		WithSettleCallback(func(executionID string) { h.settled <- executionID }))
	return h
}

func (h *harness) newTask(t *testing.T, id string) *model.Task {
	t.Helper()

	task := &model.Task{
		ID:          id,
		ExecutionID: "exec-1",
		Resource: model.Resource{
			Type:       model.ResourceTypeImage,
			Repository: "library/alpine",
			Tag:        "latest",
		},
		Operation:     model.OperationCopy,
		DstRepository: "mirror/alpine",
		Status:        model.TaskPending,
	}
	require.NoError(t, h.store.CreateTasks(context.Background(), []*model.Task{task}))
	return task
}

func TestRunJobSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	task := h.newTask(t, "task-1")

	h.d.runJob(context.Background(), &Job{Task: task, ExecCtx: context.Background()})

	got, err := h.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskSucceeded, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.False(t, got.StartTime.IsZero())
	require.NotNil(t, got.EndTime)
	assert.Equal(t, "exec-1", <-h.settled)
}

func TestRunJobRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.factory.copyResults = []error{errors.New("connection reset by peer")}
	task := h.newTask(t, "task-1")

	h.d.runJob(context.Background(), &Job{Task: task, ExecCtx: context.Background()})

	got, err := h.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskSucceeded, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 2, h.factory.copyCalls)
}

func TestRunJobPermanentFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.factory.copyResults = []error{registry.ErrDigestMismatch}
	task := h.newTask(t, "task-1")

	h.d.runJob(context.Background(), &Job{Task: task, ExecCtx: context.Background()})

	got, err := h.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.LastError, "digest mismatch")
	assert.Equal(t, 1, h.factory.copyCalls)

	// The detail log records the permanent failure for the UI.
	content, err := h.logs.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Contains(t, string(content), "permanent failure")
}

func TestRunJobExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxRetries: 2})
	transient := errors.New("upstream timed out")
	h.factory.copyResults = []error{transient, transient, transient}
	task := h.newTask(t, "task-1")

	h.d.runJob(context.Background(), &Job{Task: task, ExecCtx: context.Background()})

	got, err := h.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, h.factory.copyCalls)
}

func TestRunJobPolicyRetryOverride(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxRetries: 5})
	transient := errors.New("upstream timed out")
	h.factory.copyResults = []error{transient, transient}
	task := h.newTask(t, "task-1")

	h.d.runJob(context.Background(), &Job{Task: task, ExecCtx: context.Background(), MaxRetries: 1})

	got, err := h.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRunJobStoppedBeforePickup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	task := h.newTask(t, "task-1")

	execCtx, cancel := context.WithCancel(context.Background())
	cancel()
	h.d.runJob(context.Background(), &Job{Task: task, ExecCtx: execCtx})

	got, err := h.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStopped, got.Status)
	assert.Equal(t, 0, h.factory.copyCalls)
}

func TestRunJobDeleteOperation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	task := h.newTask(t, "task-1")
	task.Operation = model.OperationDelete
	require.NoError(t, h.store.UpdateTask(context.Background(), task))

	h.d.runJob(context.Background(), &Job{Task: task, ExecCtx: context.Background()})

	got, err := h.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskSucceeded, got.Status)
	assert.Equal(t, 1, h.factory.deleteCalls)
	assert.Equal(t, 0, h.factory.copyCalls)
}

func TestRunJobSkipsSettledTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	task := h.newTask(t, "task-1")
	task.Status = model.TaskStopped
	require.NoError(t, h.store.UpdateTask(context.Background(), task))

	h.d.runJob(context.Background(), &Job{Task: task, ExecCtx: context.Background()})

	got, err := h.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStopped, got.Status)
	assert.Equal(t, 0, h.factory.copyCalls)
	assert.Empty(t, h.settled)
}

func TestWorkerPoolRunsSubmittedJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 2, QueueSize: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.d.Start(ctx)

	for _, id := range []string{"task-1", "task-2", "task-3"} {
		task := h.newTask(t, id)
		require.NoError(t, h.d.Submit(ctx, &Job{Task: task, ExecCtx: context.Background()}))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-h.settled:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for tasks to settle")
		}
	}

	cancel()
	h.d.Wait()

	for _, id := range []string{"task-1", "task-2", "task-3"} {
		got, err := h.store.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskSucceeded, got.Status)
	}
}

func TestSubmitBlocksUntilCancelled(t *testing.T) {
	t.Parallel()

	// No workers started, so the queue never drains.
	h := newHarness(t, Config{Workers: 1, QueueSize: 1})
	task := h.newTask(t, "task-1")
	require.NoError(t, h.d.Submit(context.Background(), &Job{Task: task, ExecCtx: context.Background()}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.d.Submit(ctx, &Job{Task: task, ExecCtx: context.Background()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDestinationSlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PerDestinationLimit: 1})

	release, err := h.d.destinationSlot(context.Background(), 7)
	require.NoError(t, err)

	// The single slot for endpoint 7 is held; acquiring again fails once
	// the context is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.d.destinationSlot(ctx, 7)
	require.Error(t, err)

	// A different endpoint has its own slot.
	otherRelease, err := h.d.destinationSlot(context.Background(), 8)
	require.NoError(t, err)
	otherRelease()

	release()
	release2, err := h.d.destinationSlot(context.Background(), 7)
	require.NoError(t, err)
	release2()
}
