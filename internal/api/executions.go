package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ocimirror/ocimirror/internal/coordinator"
	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/store"
)

// startExecutionRequest is the body of POST /api/replication/executions
type startExecutionRequest struct {
	PolicyID int64 `json:"policy_id"`
}

// executionRouter serves /api/replication/executions.
func (rr *Routes) executionRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/", rr.listExecutions)
	r.Post("/", rr.startExecution)
	r.Get("/{id}", rr.getExecution)
	r.Put("/{id}", rr.stopExecution)
	r.Get("/{id}/tasks", rr.listExecutionTasks)
	r.Get("/{id}/tasks/{task_id}/log", rr.getTaskLog)

	return r
}

// startExecution handles POST /api/replication/executions. It starts a
// manual replication for the given policy and returns the execution ID
// without waiting for tasks to run.
func (rr *Routes) startExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PolicyID <= 0 {
		rr.writeErrorResponse(w, "policy_id is required", http.StatusBadRequest)
		return
	}

	id, err := rr.executions.Start(r.Context(), &coordinator.Request{
		PolicyID: req.PolicyID,
		Trigger:  model.TriggerKindManual,
	})
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	rr.writeJSONResponse(w, http.StatusCreated, map[string]string{"id": id})
}

// listExecutions handles GET /api/replication/executions
func (rr *Routes) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := store.ExecutionQuery{
		Status:  model.ExecutionStatus(r.URL.Query().Get("status")),
		Trigger: model.TriggerKind(r.URL.Query().Get("trigger")),
		Page:    parsePage(r),
	}
	if raw := r.URL.Query().Get("policy_id"); raw != "" {
		id, ok := parseID(raw)
		if !ok {
			rr.writeErrorResponse(w, "invalid policy_id", http.StatusBadRequest)
			return
		}
		q.PolicyID = id
	}

	executions, total, err := rr.executions.ListExecutions(r.Context(), q)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	setTotalCount(w, total)
	rr.writeJSONResponse(w, http.StatusOK, executions)
}

// getExecution handles GET /api/replication/executions/{id}
func (rr *Routes) getExecution(w http.ResponseWriter, r *http.Request) {
	e, err := rr.executions.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	rr.writeJSONResponse(w, http.StatusOK, e)
}

// stopExecution handles PUT /api/replication/executions/{id}. Stopping
// is idempotent: repeating the call on a stopping or finished execution
// succeeds without effect.
func (rr *Routes) stopExecution(w http.ResponseWriter, r *http.Request) {
	if err := rr.executions.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		rr.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// listExecutionTasks handles GET /api/replication/executions/{id}/tasks
func (rr *Routes) listExecutionTasks(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "id")

	// 404 for an unknown execution rather than an empty task list.
	if _, err := rr.executions.GetExecution(r.Context(), executionID); err != nil {
		rr.writeServiceError(w, err)
		return
	}

	q := store.TaskQuery{
		ExecutionID: executionID,
		Repository:  r.URL.Query().Get("repository"),
		Status:      model.TaskStatus(r.URL.Query().Get("status")),
		Page:        parsePage(r),
	}

	tasks, total, err := rr.executions.ListTasks(r.Context(), q)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	setTotalCount(w, total)
	rr.writeJSONResponse(w, http.StatusOK, tasks)
}

// getTaskLog handles GET /api/replication/executions/{id}/tasks/{task_id}/log
func (rr *Routes) getTaskLog(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "id")
	taskID := chi.URLParam(r, "task_id")

	task, err := rr.executions.GetTask(r.Context(), taskID)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}
	if task.ExecutionID != executionID {
		rr.writeErrorResponse(w, "task not found", http.StatusNotFound)
		return
	}

	log, err := rr.executions.GetTaskLog(r.Context(), taskID)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(log)
}
