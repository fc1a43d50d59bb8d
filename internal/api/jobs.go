package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/store"
)

// jobRouter serves /api/jobs/replication, the task-level listing the
// UI polls for per-repository progress across executions.
func (rr *Routes) jobRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/", rr.listJobs)

	return r
}

// listJobs handles GET /api/jobs/replication/
func (rr *Routes) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	q := store.TaskQuery{
		Repository: query.Get("repository"),
		Status:     model.TaskStatus(query.Get("status")),
		Page:       parsePage(r),
	}

	if raw := query.Get("policy_id"); raw != "" {
		id, ok := parseID(raw)
		if !ok {
			rr.writeErrorResponse(w, "invalid policy_id", http.StatusBadRequest)
			return
		}
		q.PolicyID = id
	}

	startedAfter, ok := parseTime(query.Get("start_time"))
	if !ok {
		rr.writeErrorResponse(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	q.StartedAfter = startedAfter

	startedBefore, ok := parseTime(query.Get("end_time"))
	if !ok {
		rr.writeErrorResponse(w, "invalid end_time", http.StatusBadRequest)
		return
	}
	q.StartedBefore = startedBefore

	tasks, total, err := rr.executions.ListTasks(r.Context(), q)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	setTotalCount(w, total)
	rr.writeJSONResponse(w, http.StatusOK, tasks)
}
