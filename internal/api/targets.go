package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ocimirror/ocimirror/internal/endpoint"
	"github.com/ocimirror/ocimirror/internal/model"
)

// targetRequest is the request body for target mutations. It mirrors
// the stored endpoint but accepts the credential, which responses
// never echo back.
type targetRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Type     string `json:"type"`
	Insecure bool   `json:"insecure"`
}

func (t *targetRequest) toModel() *model.Endpoint {
	return &model.Endpoint{
		Name:     t.Name,
		URL:      t.URL,
		Username: t.Username,
		Password: t.Password,
		Type:     t.Type,
		Insecure: t.Insecure,
	}
}

// pingRequest is the body of POST /api/targets/ping. Either ID selects
// a stored target, or the connection settings are given inline.
type pingRequest struct {
	ID int64 `json:"id,omitempty"`
	targetRequest
}

// targetRouter serves /api/targets.
func (rr *Routes) targetRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/", rr.listTargets)
	r.Post("/", rr.createTarget)
	r.Post("/ping", rr.pingTarget)
	r.Get("/{id}", rr.getTarget)
	r.Put("/{id}", rr.updateTarget)
	r.Delete("/{id}", rr.deleteTarget)

	return r
}

// listTargets handles GET /api/targets
func (rr *Routes) listTargets(w http.ResponseWriter, r *http.Request) {
	endpoints, total, err := rr.endpoints.List(r.Context(), r.URL.Query().Get("name"), parsePage(r))
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	setTotalCount(w, total)
	rr.writeJSONResponse(w, http.StatusOK, endpoints)
}

// createTarget handles POST /api/targets
func (rr *Routes) createTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := rr.endpoints.Create(r.Context(), req.toModel())
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	rr.writeJSONResponse(w, http.StatusCreated, map[string]int64{"id": id})
}

// getTarget handles GET /api/targets/{id}
func (rr *Routes) getTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		rr.writeErrorResponse(w, "invalid target id", http.StatusBadRequest)
		return
	}

	e, err := rr.endpoints.Get(r.Context(), id)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	rr.writeJSONResponse(w, http.StatusOK, e)
}

// updateTarget handles PUT /api/targets/{id}
func (rr *Routes) updateTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		rr.writeErrorResponse(w, "invalid target id", http.StatusBadRequest)
		return
	}

	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	e := req.toModel()
	e.ID = id

	if err := rr.endpoints.Update(r.Context(), e); err != nil {
		rr.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// deleteTarget handles DELETE /api/targets/{id}
func (rr *Routes) deleteTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		rr.writeErrorResponse(w, "invalid target id", http.StatusBadRequest)
		return
	}

	if err := rr.endpoints.Delete(r.Context(), id); err != nil {
		rr.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// pingTarget handles POST /api/targets/ping
func (rr *Routes) pingTarget(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	if req.ID != 0 {
		err = rr.endpoints.PingByID(r.Context(), req.ID)
	} else {
		err = rr.endpoints.Ping(r.Context(), req.toModel())
	}
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, endpoint.ErrNotFound):
		rr.writeErrorResponse(w, err.Error(), http.StatusNotFound)
	default:
		// Registry-layer errors never carry credentials, so echoing
		// the message is safe.
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
	}
}
