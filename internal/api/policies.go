package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/store"
)

// policyRouter serves /api/policies/replication.
func (rr *Routes) policyRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/", rr.listPolicies)
	r.Post("/", rr.createPolicy)
	r.Get("/{id}", rr.getPolicy)
	r.Put("/{id}", rr.updatePolicy)
	r.Delete("/{id}", rr.deletePolicy)
	r.Put("/{id}/enablement", rr.setPolicyEnablement)

	return r
}

// listPolicies handles GET /api/policies/replication
func (rr *Routes) listPolicies(w http.ResponseWriter, r *http.Request) {
	q := store.PolicyQuery{
		Name: r.URL.Query().Get("name"),
		Page: parsePage(r),
	}
	if raw := r.URL.Query().Get("target_id"); raw != "" {
		id, ok := parseID(raw)
		if !ok {
			rr.writeErrorResponse(w, "invalid target_id", http.StatusBadRequest)
			return
		}
		q.EndpointID = id
	}

	policies, total, err := rr.policies.List(r.Context(), q)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	setTotalCount(w, total)
	rr.writeJSONResponse(w, http.StatusOK, policies)
}

// createPolicy handles POST /api/policies/replication
func (rr *Routes) createPolicy(w http.ResponseWriter, r *http.Request) {
	var p model.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := rr.policies.Create(r.Context(), &p)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	rr.writeJSONResponse(w, http.StatusCreated, map[string]int64{"id": id})
}

// getPolicy handles GET /api/policies/replication/{id}
func (rr *Routes) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		rr.writeErrorResponse(w, "invalid policy id", http.StatusBadRequest)
		return
	}

	p, err := rr.policies.Get(r.Context(), id)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	rr.writeJSONResponse(w, http.StatusOK, p)
}

// updatePolicy handles PUT /api/policies/replication/{id}
func (rr *Routes) updatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		rr.writeErrorResponse(w, "invalid policy id", http.StatusBadRequest)
		return
	}

	var p model.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p.ID = id

	if err := rr.policies.Update(r.Context(), &p); err != nil {
		rr.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// deletePolicy handles DELETE /api/policies/replication/{id}
func (rr *Routes) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		rr.writeErrorResponse(w, "invalid policy id", http.StatusBadRequest)
		return
	}

	if err := rr.policies.Delete(r.Context(), id); err != nil {
		rr.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// enablementRequest is the body of PUT /api/policies/replication/{id}/enablement
type enablementRequest struct {
	Enabled bool `json:"enabled"`
}

// setPolicyEnablement handles PUT /api/policies/replication/{id}/enablement
func (rr *Routes) setPolicyEnablement(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		rr.writeErrorResponse(w, "invalid policy id", http.StatusBadRequest)
		return
	}

	var req enablementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := rr.policies.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		rr.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
