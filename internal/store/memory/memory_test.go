package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/store"
)

func TestPolicyStoreCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewPolicyStore()

	id, err := s.Create(ctx, &model.Policy{Name: "nightly", SrcRegistryID: 1, DstRegistryID: 2})
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	got.Description = "nightly mirror"
	require.NoError(t, s.Update(ctx, got))

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "nightly mirror", got.Description)

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPolicyStoreNameConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewPolicyStore()

	_, err := s.Create(ctx, &model.Policy{Name: "mirror"})
	require.NoError(t, err)

	_, err = s.Create(ctx, &model.Policy{Name: "mirror"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestPolicyStoreSetEnabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewPolicyStore()

	id, err := s.Create(ctx, &model.Policy{Name: "mirror", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, s.SetEnabled(ctx, id, false))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, s.SetEnabled(ctx, 999, true), store.ErrNotFound)
}

func TestPolicyStoreList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewPolicyStore()

	_, err := s.Create(ctx, &model.Policy{Name: "prod-mirror", SrcRegistryID: 1, DstRegistryID: 2})
	require.NoError(t, err)
	_, err = s.Create(ctx, &model.Policy{Name: "staging-mirror", SrcRegistryID: 3, DstRegistryID: 4})
	require.NoError(t, err)
	_, err = s.Create(ctx, &model.Policy{Name: "backup", SrcRegistryID: 1, DstRegistryID: 4})
	require.NoError(t, err)

	policies, total, err := s.List(ctx, store.PolicyQuery{Name: "mirror"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, policies, 2)

	policies, total, err = s.List(ctx, store.PolicyQuery{EndpointID: 4})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, policies, 2)

	// Pagination windows the result but reports the full total
	policies, total, err = s.List(ctx, store.PolicyQuery{Page: store.Page{Page: 2, PageSize: 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, policies, 1)
}

func TestEndpointStoreCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewEndpointStore()

	id, err := s.Create(ctx, &model.Endpoint{Name: "registry-eu", URL: "https://registry.example.com"})
	require.NoError(t, err)

	_, err = s.Create(ctx, &model.Endpoint{Name: "registry-eu"})
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://registry.example.com", got.URL)

	got.URL = "https://registry.eu.example.com"
	require.NoError(t, s.Update(ctx, got))

	require.NoError(t, s.Delete(ctx, id))
	assert.ErrorIs(t, s.Delete(ctx, id), store.ErrNotFound)
}

func TestExecutionStoreLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewExecutionStore()

	exec := &model.Execution{
		ID:        "exec-1",
		PolicyID:  7,
		Trigger:   model.TriggerKindManual,
		Status:    model.ExecutionPending,
		StartTime: time.Now(),
	}
	require.NoError(t, s.CreateExecution(ctx, exec))
	assert.ErrorIs(t, s.CreateExecution(ctx, exec), store.ErrConflict)

	active, err := s.HasActive(ctx, 7)
	require.NoError(t, err)
	assert.True(t, active)

	exec.Status = model.ExecutionSucceeded
	require.NoError(t, s.UpdateExecution(ctx, exec))

	active, err = s.HasActive(ctx, 7)
	require.NoError(t, err)
	assert.False(t, active)

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSucceeded, got.Status)
}

func TestExecutionStoreListExecutions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewExecutionStore()

	base := time.Now()
	for i, e := range []*model.Execution{
		{ID: "a", PolicyID: 1, Trigger: model.TriggerKindManual, Status: model.ExecutionSucceeded},
		{ID: "b", PolicyID: 1, Trigger: model.TriggerKindScheduled, Status: model.ExecutionFailed},
		{ID: "c", PolicyID: 2, Trigger: model.TriggerKindManual, Status: model.ExecutionSucceeded},
	} {
		e.StartTime = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateExecution(ctx, e))
	}

	executions, total, err := s.ListExecutions(ctx, store.ExecutionQuery{PolicyID: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	// Newest first
	require.Len(t, executions, 2)
	assert.Equal(t, "b", executions[0].ID)

	executions, total, err = s.ListExecutions(ctx, store.ExecutionQuery{Status: model.ExecutionSucceeded})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, executions, 2)
}

func TestTaskMonotonicTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewExecutionStore()

	require.NoError(t, s.CreateExecution(ctx, &model.Execution{ID: "exec-1", Status: model.ExecutionPending}))
	task := &model.Task{ID: "task-1", ExecutionID: "exec-1", Status: model.TaskPending}
	require.NoError(t, s.CreateTasks(ctx, []*model.Task{task}))

	task.Status = model.TaskInProgress
	require.NoError(t, s.UpdateTask(ctx, task))

	task.Status = model.TaskSucceeded
	require.NoError(t, s.UpdateTask(ctx, task))

	// A terminal task never becomes runnable again
	task.Status = model.TaskPending
	assert.ErrorIs(t, s.UpdateTask(ctx, task), store.ErrInvalidTransition)

	// Same-status updates on a terminal task remain legal
	task.Status = model.TaskSucceeded
	task.LastError = ""
	assert.NoError(t, s.UpdateTask(ctx, task))
}

func TestListTasksFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewExecutionStore()

	require.NoError(t, s.CreateExecution(ctx, &model.Execution{ID: "exec-1", PolicyID: 1}))
	require.NoError(t, s.CreateExecution(ctx, &model.Execution{ID: "exec-2", PolicyID: 2}))

	now := time.Now()
	tasks := []*model.Task{
		{ID: "t1", ExecutionID: "exec-1", Status: model.TaskSucceeded,
			Resource: model.Resource{Repository: "library/alpine", Tag: "3.19"}, StartTime: now.Add(-time.Hour)},
		{ID: "t2", ExecutionID: "exec-1", Status: model.TaskFailed,
			Resource: model.Resource{Repository: "library/nginx", Tag: "1.27"}, StartTime: now},
		{ID: "t3", ExecutionID: "exec-2", Status: model.TaskSucceeded,
			Resource: model.Resource{Repository: "library/alpine", Tag: "edge"}, StartTime: now},
	}
	require.NoError(t, s.CreateTasks(ctx, tasks))

	got, total, err := s.ListTasks(ctx, store.TaskQuery{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	// Creation order is preserved
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].ID)

	got, total, err = s.ListTasks(ctx, store.TaskQuery{Repository: "alpine"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	got, total, err = s.ListTasks(ctx, store.TaskQuery{PolicyID: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, "t3", got[0].ID)

	got, total, err = s.ListTasks(ctx, store.TaskQuery{Status: model.TaskFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	after := now.Add(-time.Minute)
	got, total, err = s.ListTasks(ctx, store.TaskQuery{StartedAfter: &after})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	before := now.Add(-time.Minute)
	got, total, err = s.ListTasks(ctx, store.TaskQuery{StartedBefore: &before})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)
}

func TestPageWindowDefaults(t *testing.T) {
	t.Parallel()

	limit, offset := store.Page{}.Window()
	assert.Equal(t, 15, limit)
	assert.Equal(t, 0, offset)

	limit, offset = store.Page{Page: 3, PageSize: 10}.Window()
	assert.Equal(t, 10, limit)
	assert.Equal(t, 20, offset)

	limit, _ = store.Page{PageSize: 10000}.Window()
	assert.Equal(t, 100, limit)
}
