package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocimirror/ocimirror/internal/coordinator"
	"github.com/ocimirror/ocimirror/internal/endpoint"
	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/notification"
	"github.com/ocimirror/ocimirror/internal/policy"
	"github.com/ocimirror/ocimirror/internal/registry"
	"github.com/ocimirror/ocimirror/internal/store"
	"github.com/ocimirror/ocimirror/internal/store/memory"
)

// fakeRegFactory answers pings with a scripted result.
type fakeRegFactory struct {
	pingErr error
}

type fakePingClient struct {
	registry.Client
	pingErr error
}

func (f *fakePingClient) Ping(context.Context) error { return f.pingErr }

func (f *fakeRegFactory) ClientFor(*model.Endpoint) (registry.Client, error) {
	return &fakePingClient{pingErr: f.pingErr}, nil
}

// fakeExecService scripts the execution service surface.
type fakeExecService struct {
	executions map[string]*model.Execution
	tasks      map[string]*model.Task
	logs       map[string][]byte

	startErr error
	started  []*coordinator.Request
	stopped  []string
}

func newFakeExecService() *fakeExecService {
	return &fakeExecService{
		executions: map[string]*model.Execution{},
		tasks:      map[string]*model.Task{},
		logs:       map[string][]byte{},
	}
}

func (f *fakeExecService) Start(_ context.Context, req *coordinator.Request) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	return "exec-1", nil
}

func (f *fakeExecService) Stop(_ context.Context, executionID string) error {
	if _, ok := f.executions[executionID]; !ok {
		return coordinator.ErrExecutionNotFound
	}
	f.stopped = append(f.stopped, executionID)
	return nil
}

func (f *fakeExecService) GetExecution(_ context.Context, id string) (*model.Execution, error) {
	e, ok := f.executions[id]
	if !ok {
		return nil, coordinator.ErrExecutionNotFound
	}
	return e, nil
}

func (f *fakeExecService) ListExecutions(_ context.Context, q store.ExecutionQuery) ([]*model.Execution, int, error) {
	var out []*model.Execution
	for _, e := range f.executions {
		if q.PolicyID != 0 && e.PolicyID != q.PolicyID {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func (f *fakeExecService) ListTasks(_ context.Context, q store.TaskQuery) ([]*model.Task, int, error) {
	var out []*model.Task
	for _, t := range f.tasks {
		if q.ExecutionID != "" && t.ExecutionID != q.ExecutionID {
			continue
		}
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if q.Repository != "" && !strings.Contains(t.Resource.Repository, q.Repository) {
			continue
		}
		out = append(out, t)
	}
	return out, len(out), nil
}

func (f *fakeExecService) GetTask(_ context.Context, id string) (*model.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, coordinator.ErrTaskNotFound
	}
	return t, nil
}

func (f *fakeExecService) GetTaskLog(_ context.Context, taskID string) ([]byte, error) {
	if _, ok := f.tasks[taskID]; !ok {
		return nil, coordinator.ErrTaskNotFound
	}
	return f.logs[taskID], nil
}

// eventRecorder captures published events.
type eventRecorder struct {
	events []notification.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev notification.Event) {
	r.events = append(r.events, ev)
}

type harness struct {
	server   http.Handler
	registry *fakeRegFactory
	exec     *fakeExecService
	events   *eventRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	policyStore := memory.NewPolicyStore()
	endpointStore := memory.NewEndpointStore()
	executionStore := memory.NewExecutionStore()

	h := &harness{
		registry: &fakeRegFactory{},
		exec:     newFakeExecService(),
		events:   &eventRecorder{},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	routes := NewRoutes(
		policy.NewService(policyStore, endpointStore, executionStore, nil),
		endpoint.NewService(endpointStore, policyStore, executionStore, h.registry),
		h.exec,
		h.events,
		log,
	)
	h.server = NewServer(routes)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func (h *harness) createTarget(t *testing.T, name string) int64 {
	t.Helper()

	rec := h.do(t, http.MethodPost, "/api/targets/", map[string]any{
		"name":     name,
		"url":      "https://" + name + ".example.com",
		"username": "replicator",
		"password": "s3cret",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ID
}

func (h *harness) policyBody(srcID, dstID int64) map[string]any {
	return map[string]any{
		"name":            "mirror-alpine",
		"enabled":         true,
		"src_registry_id": srcID,
		"dest_registry_id": dstID,
		"trigger":         map[string]any{"kind": "manual"},
	}
}

func TestPolicyEndpoints(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	srcID := h.createTarget(t, "src")
	dstID := h.createTarget(t, "dst")

	// Create.
	rec := h.do(t, http.MethodPost, "/api/policies/replication/", h.policyBody(srcID, dstID))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotZero(t, created.ID)

	// Duplicate name conflicts.
	rec = h.do(t, http.MethodPost, "/api/policies/replication/", h.policyBody(srcID, dstID))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Validation failures map to 400.
	bad := h.policyBody(srcID, dstID)
	bad["name"] = ""
	rec = h.do(t, http.MethodPost, "/api/policies/replication/", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// List with total count header.
	rec = h.do(t, http.MethodGet, "/api/policies/replication/?name=alpine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))

	// Get.
	rec = h.do(t, http.MethodGet, fmt.Sprintf("/api/policies/replication/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Policy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "mirror-alpine", got.Name)

	rec = h.do(t, http.MethodGet, "/api/policies/replication/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/policies/replication/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Update.
	update := h.policyBody(srcID, dstID)
	update["description"] = "nightly mirror"
	rec = h.do(t, http.MethodPut, fmt.Sprintf("/api/policies/replication/%d", created.ID), update)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Enablement.
	rec = h.do(t, http.MethodPut, fmt.Sprintf("/api/policies/replication/%d/enablement", created.ID),
		map[string]bool{"enabled": false})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Delete, then 404.
	rec = h.do(t, http.MethodDelete, fmt.Sprintf("/api/policies/replication/%d", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, fmt.Sprintf("/api/policies/replication/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTargetResponsesNeverCarryCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := h.createTarget(t, "src")

	rec := h.do(t, http.MethodGet, fmt.Sprintf("/api/targets/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cret")
	assert.NotContains(t, rec.Body.String(), "password")

	rec = h.do(t, http.MethodGet, "/api/targets/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))
	assert.NotContains(t, rec.Body.String(), "s3cret")
}

func TestTargetDeleteBlockedWhileReferenced(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	srcID := h.createTarget(t, "src")
	dstID := h.createTarget(t, "dst")

	rec := h.do(t, http.MethodPost, "/api/policies/replication/", h.policyBody(srcID, dstID))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodDelete, fmt.Sprintf("/api/targets/%d", srcID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTargetPing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := h.createTarget(t, "src")

	rec := h.do(t, http.MethodPost, "/api/targets/ping", map[string]any{"id": id})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Inline settings without a stored target.
	rec = h.do(t, http.MethodPost, "/api/targets/ping", map[string]any{
		"name": "probe",
		"url":  "https://probe.example.com",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/targets/ping", map[string]any{"id": id + 100})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.registry.pingErr = registry.ErrAuth
	rec = h.do(t, http.MethodPost, "/api/targets/ping", map[string]any{"id": id})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication failed")
}

func TestStartExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/replication/executions/", map[string]int64{"policy_id": 7})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "exec-1", resp.ID)
	require.Len(t, h.exec.started, 1)
	assert.Equal(t, int64(7), h.exec.started[0].PolicyID)
	assert.Equal(t, model.TriggerKindManual, h.exec.started[0].Trigger)

	rec = h.do(t, http.MethodPost, "/api/replication/executions/", map[string]int64{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.exec.startErr = coordinator.ErrPolicyNotFound
	rec = h.do(t, http.MethodPost, "/api/replication/executions/", map[string]int64{"policy_id": 9})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.exec.startErr = coordinator.ErrOverlap
	rec = h.do(t, http.MethodPost, "/api/replication/executions/", map[string]int64{"policy_id": 9})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecutionQueries(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.exec.executions["exec-1"] = &model.Execution{
		ID:       "exec-1",
		PolicyID: 7,
		Status:   model.ExecutionInProgress,
	}
	h.exec.tasks["task-1"] = &model.Task{
		ID:          "task-1",
		ExecutionID: "exec-1",
		Resource:    model.Resource{Repository: "library/alpine", Tag: "latest"},
		Status:      model.TaskInProgress,
	}
	h.exec.logs["task-1"] = []byte("copying blob\n")

	rec := h.do(t, http.MethodGet, "/api/replication/executions/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))

	rec = h.do(t, http.MethodGet, "/api/replication/executions/?policy_id=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/replication/executions/exec-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/replication/executions/no-such", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Task listing 404s for an unknown execution instead of serving an
	// empty list.
	rec = h.do(t, http.MethodGet, "/api/replication/executions/no-such/tasks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/replication/executions/exec-1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))

	// Stop is idempotent at the handler level.
	rec = h.do(t, http.MethodPut, "/api/replication/executions/exec-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPut, "/api/replication/executions/no-such", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskLogEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.exec.executions["exec-1"] = &model.Execution{ID: "exec-1", Status: model.ExecutionInProgress}
	h.exec.tasks["task-1"] = &model.Task{ID: "task-1", ExecutionID: "exec-1"}
	h.exec.logs["task-1"] = []byte("pulling manifest\n")

	rec := h.do(t, http.MethodGet, "/api/replication/executions/exec-1/tasks/task-1/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "pulling manifest\n", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/replication/executions/exec-1/tasks/no-such/log", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A task requested under the wrong execution is not found.
	rec = h.do(t, http.MethodGet, "/api/replication/executions/other-exec/tasks/task-1/log", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobListing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.exec.tasks["task-1"] = &model.Task{
		ID:          "task-1",
		ExecutionID: "exec-1",
		Resource:    model.Resource{Repository: "library/alpine", Tag: "latest"},
		Status:      model.TaskSucceeded,
		StartTime:   time.Now(),
	}

	rec := h.do(t, http.MethodGet, "/api/jobs/replication/?repository=alpine&status=Succeeded", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))

	rec = h.do(t, http.MethodGet, "/api/jobs/replication/?policy_id=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/jobs/replication/?start_time=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/jobs/replication/?start_time=2026-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsWebhook(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/events/", map[string]any{
		"type":       "push",
		"repository": "library/alpine",
		"tag":        "3.19",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.events.events, 1)
	ev := h.events.events[0]
	assert.Equal(t, model.EventTypePush, ev.Type)
	assert.Equal(t, "library/alpine", ev.Resource.Repository)
	assert.Equal(t, "3.19", ev.Resource.Tag)
	assert.False(t, ev.OccurredAt.IsZero())

	rec = h.do(t, http.MethodPost, "/api/events/", map[string]any{
		"type":       "scan",
		"repository": "library/alpine",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/events/", map[string]any{"type": "push"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/events/", strings.NewReader("not json"))
	bad := httptest.NewRecorder()
	h.server.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	assert.Len(t, h.events.events, 1)
}

func TestSystemEndpoints(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = h.do(t, http.MethodGet, "/readiness", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")

	rec = h.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "version")
}
