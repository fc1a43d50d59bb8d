package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ocimirror/ocimirror/internal/versions"
)

// SystemRouter creates a router for health check endpoints
func SystemRouter(routes *Routes) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", routes.readinessHandler)
	r.Get("/version", routes.versionHandler)

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// readinessHandler handles readiness check requests. The server is
// ready once the stores answer queries.
func (rr *Routes) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if _, _, err := rr.endpoints.List(r.Context(), "", pageOne()); err != nil {
		rr.writeErrorResponse(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// versionHandler handles version information requests
func (rr *Routes) versionHandler(w http.ResponseWriter, _ *http.Request) {
	rr.writeJSONResponse(w, http.StatusOK, versions.GetVersionInfo())
}
