// Package memory provides mutex-guarded in-memory implementations of
// the store interfaces. They back tests and standalone (database-free)
// deployments; the mutex is the serialization point for concurrent
// worker status updates.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/store"
)

// PolicyStore is an in-memory store.PolicyStore.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[int64]*model.Policy
	nextID   int64
}

// NewPolicyStore creates an empty in-memory policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: map[int64]*model.Policy{}, nextID: 1}
}

// Create stores the policy and returns its assigned ID.
func (s *PolicyStore) Create(_ context.Context, p *model.Policy) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.policies {
		if existing.Name == p.Name {
			return 0, store.ErrConflict
		}
	}

	cp := *p
	cp.ID = s.nextID
	s.nextID++
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.policies[cp.ID] = &cp
	return cp.ID, nil
}

// Get returns the policy with the given ID.
func (s *PolicyStore) Get(_ context.Context, id int64) (*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// Update replaces the stored policy with the given one.
func (s *PolicyStore) Update(_ context.Context, p *model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.policies[p.ID]
	if !ok {
		return store.ErrNotFound
	}
	for _, other := range s.policies {
		if other.ID != p.ID && other.Name == p.Name {
			return store.ErrConflict
		}
	}

	cp := *p
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.policies[cp.ID] = &cp
	return nil
}

// Delete removes the policy.
func (s *PolicyStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

// SetEnabled flips the enabled flag of the policy.
func (s *PolicyStore) SetEnabled(_ context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Enabled = enabled
	p.UpdatedAt = time.Now()
	return nil
}

// List returns policies matching the query plus the unpaginated total.
func (s *PolicyStore) List(_ context.Context, q store.PolicyQuery) ([]*model.Policy, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if q.Name != "" && !strings.Contains(p.Name, q.Name) {
			continue
		}
		if q.EndpointID != 0 && p.SrcRegistryID != q.EndpointID && p.DstRegistryID != q.EndpointID {
			continue
		}
		cp := *p
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return paginate(matched, q.Page), len(matched), nil
}

// EndpointStore is an in-memory store.EndpointStore.
type EndpointStore struct {
	mu        sync.RWMutex
	endpoints map[int64]*model.Endpoint
	nextID    int64
}

// NewEndpointStore creates an empty in-memory endpoint store.
func NewEndpointStore() *EndpointStore {
	return &EndpointStore{endpoints: map[int64]*model.Endpoint{}, nextID: 1}
}

// Create stores the endpoint and returns its assigned ID.
func (s *EndpointStore) Create(_ context.Context, e *model.Endpoint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.endpoints {
		if existing.Name == e.Name {
			return 0, store.ErrConflict
		}
	}

	cp := *e
	cp.ID = s.nextID
	s.nextID++
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.endpoints[cp.ID] = &cp
	return cp.ID, nil
}

// Get returns the endpoint with the given ID.
func (s *EndpointStore) Get(_ context.Context, id int64) (*model.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.endpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// Update replaces the stored endpoint.
func (s *EndpointStore) Update(_ context.Context, e *model.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.endpoints[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	for _, other := range s.endpoints {
		if other.ID != e.ID && other.Name == e.Name {
			return store.ErrConflict
		}
	}

	cp := *e
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.endpoints[cp.ID] = &cp
	return nil
}

// Delete removes the endpoint.
func (s *EndpointStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.endpoints, id)
	return nil
}

// List returns endpoints whose name contains the given substring.
func (s *EndpointStore) List(_ context.Context, name string, page store.Page) ([]*model.Endpoint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		if name != "" && !strings.Contains(e.Name, name) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return paginate(matched, page), len(matched), nil
}

// ExecutionStore is an in-memory store.ExecutionStore. All task-state
// mutations funnel through its mutex so concurrent worker completions
// are applied one at a time.
type ExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*model.Execution
	tasks      map[string]*model.Task
	taskOrder  map[string]int
	seq        int
}

// NewExecutionStore creates an empty in-memory execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		executions: map[string]*model.Execution{},
		tasks:      map[string]*model.Task{},
		taskOrder:  map[string]int{},
	}
}

// CreateExecution stores a new execution record.
func (s *ExecutionStore) CreateExecution(_ context.Context, e *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[e.ID]; ok {
		return store.ErrConflict
	}
	cp := *e
	s.executions[cp.ID] = &cp
	return nil
}

// GetExecution returns the execution with the given ID.
func (s *ExecutionStore) GetExecution(_ context.Context, id string) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// UpdateExecution replaces the stored execution.
func (s *ExecutionStore) UpdateExecution(_ context.Context, e *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[e.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *e
	s.executions[cp.ID] = &cp
	return nil
}

// ListExecutions returns executions matching the query, newest first.
func (s *ExecutionStore) ListExecutions(_ context.Context, q store.ExecutionQuery) ([]*model.Execution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.Execution, 0, len(s.executions))
	for _, e := range s.executions {
		if q.PolicyID != 0 && e.PolicyID != q.PolicyID {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		if q.Trigger != "" && e.Trigger != q.Trigger {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].StartTime.After(matched[j].StartTime)
	})
	return paginate(matched, q.Page), len(matched), nil
}

// HasActive reports whether the policy has a non-terminal execution.
func (s *ExecutionStore) HasActive(_ context.Context, policyID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.executions {
		if e.PolicyID == policyID && !e.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// CreateTasks stores the given tasks.
func (s *ExecutionStore) CreateTasks(_ context.Context, tasks []*model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tasks {
		if _, ok := s.tasks[t.ID]; ok {
			return store.ErrConflict
		}
	}
	for _, t := range tasks {
		cp := *t
		s.tasks[cp.ID] = &cp
		s.seq++
		s.taskOrder[cp.ID] = s.seq
	}
	return nil
}

// GetTask returns the task with the given ID.
func (s *ExecutionStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTask replaces the stored task, enforcing monotonic status
// transitions: a terminal task never moves back to a runnable state.
func (s *ExecutionStore) UpdateTask(_ context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Status.Terminal() && t.Status != existing.Status {
		return store.ErrInvalidTransition
	}
	cp := *t
	s.tasks[cp.ID] = &cp
	return nil
}

// ListTasks returns tasks matching the query in creation order.
func (s *ExecutionStore) ListTasks(_ context.Context, q store.TaskQuery) ([]*model.Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if q.ExecutionID != "" && t.ExecutionID != q.ExecutionID {
			continue
		}
		if q.PolicyID != 0 {
			e, ok := s.executions[t.ExecutionID]
			if !ok || e.PolicyID != q.PolicyID {
				continue
			}
		}
		if q.Repository != "" && !strings.Contains(t.Resource.Repository, q.Repository) {
			continue
		}
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if q.StartedAfter != nil && t.StartTime.Before(*q.StartedAfter) {
			continue
		}
		if q.StartedBefore != nil && t.StartTime.After(*q.StartedBefore) {
			continue
		}
		cp := *t
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return s.taskOrder[matched[i].ID] < s.taskOrder[matched[j].ID]
	})
	return paginate(matched, q.Page), len(matched), nil
}

// paginate applies the page window to an already-sorted slice.
func paginate[T any](items []T, page store.Page) []T {
	limit, offset := page.Window()
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
