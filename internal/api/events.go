package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/notification"
)

// eventRequest is an artifact notification posted by a source registry
// webhook.
type eventRequest struct {
	Type       model.EventType `json:"type"`
	Repository string          `json:"repository"`
	Tag        string          `json:"tag"`
	Digest     string          `json:"digest,omitempty"`
	OccurredAt time.Time       `json:"occurred_at,omitempty"`
}

// eventRouter serves /api/events.
func (rr *Routes) eventRouter() http.Handler {
	r := chi.NewRouter()

	r.Post("/", rr.postEvent)

	return r
}

// postEvent handles POST /api/events. Accepted events fan out to the
// event-triggered policies synchronously; execution happens in the
// background so the webhook caller is never blocked on a transfer.
func (rr *Routes) postEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Type != model.EventTypePush && req.Type != model.EventTypeDelete {
		rr.writeErrorResponse(w, "unknown event type", http.StatusBadRequest)
		return
	}
	if req.Repository == "" {
		rr.writeErrorResponse(w, "repository is required", http.StatusBadRequest)
		return
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	rr.events.Publish(r.Context(), notification.Event{
		Type: req.Type,
		Resource: model.Resource{
			Type:       model.ResourceTypeImage,
			Repository: req.Repository,
			Tag:        req.Tag,
			Digest:     req.Digest,
		},
		OccurredAt: occurredAt,
	})

	w.WriteHeader(http.StatusAccepted)
}
