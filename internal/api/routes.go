package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ocimirror/ocimirror/internal/coordinator"
	"github.com/ocimirror/ocimirror/internal/endpoint"
	"github.com/ocimirror/ocimirror/internal/joblog"
	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/notification"
	"github.com/ocimirror/ocimirror/internal/policy"
	"github.com/ocimirror/ocimirror/internal/store"
	"github.com/ocimirror/ocimirror/internal/trigger"
)

// PolicyService is the policy operations the API exposes.
type PolicyService interface {
	Create(ctx context.Context, p *model.Policy) (int64, error)
	Get(ctx context.Context, id int64) (*model.Policy, error)
	List(ctx context.Context, q store.PolicyQuery) ([]*model.Policy, int, error)
	Update(ctx context.Context, p *model.Policy) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	Delete(ctx context.Context, id int64) error
}

// EndpointService is the registry endpoint operations the API exposes.
type EndpointService interface {
	Create(ctx context.Context, e *model.Endpoint) (int64, error)
	Get(ctx context.Context, id int64) (*model.Endpoint, error)
	List(ctx context.Context, name string, page store.Page) ([]*model.Endpoint, int, error)
	Update(ctx context.Context, e *model.Endpoint) error
	Delete(ctx context.Context, id int64) error
	Ping(ctx context.Context, e *model.Endpoint) error
	PingByID(ctx context.Context, id int64) error
}

// ExecutionService is the execution lifecycle the API exposes.
type ExecutionService interface {
	Start(ctx context.Context, req *coordinator.Request) (string, error)
	Stop(ctx context.Context, executionID string) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, q store.ExecutionQuery) ([]*model.Execution, int, error)
	ListTasks(ctx context.Context, q store.TaskQuery) ([]*model.Task, int, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTaskLog(ctx context.Context, taskID string) ([]byte, error)
}

// EventSink receives artifact events posted by source registries.
type EventSink interface {
	Publish(ctx context.Context, ev notification.Event)
}

// Routes holds the services the handlers delegate to.
type Routes struct {
	policies   PolicyService
	endpoints  EndpointService
	executions ExecutionService
	events     EventSink
	log        *slog.Logger
}

// NewRoutes creates a Routes instance with the provided services.
func NewRoutes(
	policies PolicyService,
	endpoints EndpointService,
	executions ExecutionService,
	events EventSink,
	log *slog.Logger,
) *Routes {
	return &Routes{
		policies:   policies,
		endpoints:  endpoints,
		executions: executions,
		events:     events,
		log:        log,
	}
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func (rr *Routes) writeJSONResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		rr.log.Error("failed to encode response", "error", err)
	}
}

func (rr *Routes) writeErrorResponse(w http.ResponseWriter, message string, status int) {
	rr.writeJSONResponse(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps service errors onto HTTP status codes.
func (rr *Routes) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrValidation),
		errors.Is(err, endpoint.ErrValidation),
		errors.Is(err, trigger.ErrInvalidCron):
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, policy.ErrNotFound),
		errors.Is(err, endpoint.ErrNotFound),
		errors.Is(err, coordinator.ErrPolicyNotFound),
		errors.Is(err, coordinator.ErrExecutionNotFound),
		errors.Is(err, coordinator.ErrTaskNotFound),
		errors.Is(err, joblog.ErrLogNotFound),
		errors.Is(err, store.ErrNotFound):
		rr.writeErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, policy.ErrNameConflict),
		errors.Is(err, policy.ErrHasRunningExecutions),
		errors.Is(err, endpoint.ErrNameConflict),
		errors.Is(err, endpoint.ErrReferenced),
		errors.Is(err, coordinator.ErrOverlap),
		errors.Is(err, store.ErrConflict):
		rr.writeErrorResponse(w, err.Error(), http.StatusConflict)
	default:
		rr.log.Error("request failed", "error", err)
		rr.writeErrorResponse(w, "internal server error", http.StatusInternalServerError)
	}
}

// setTotalCount exposes the unpaginated result count the way registry
// UIs expect it.
func setTotalCount(w http.ResponseWriter, total int) {
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
}

// parsePage reads the page and page_size query parameters.
func parsePage(r *http.Request) store.Page {
	var p store.Page
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
		p.Page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil {
		p.PageSize = v
	}
	return p
}

// parseID parses a positive int64 path or query value.
func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// pageOne is the smallest possible list window, used by probes.
func pageOne() store.Page {
	return store.Page{Page: 1, PageSize: 1}
}

// parseTime accepts RFC 3339 timestamps or Unix seconds.
func parseTime(raw string) (*time.Time, bool) {
	if raw == "" {
		return nil, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, true
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.Unix(secs, 0)
		return &t, true
	}
	return nil, false
}
