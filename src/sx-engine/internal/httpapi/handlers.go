package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/service"
)

type Handlers struct {
	svc *service.Service
}

func NewHandlers(svc *service.Service) *Handlers {
	return &Handlers{svc: svc}
}

// actorCall adapts a service call that takes the actor and one path id.
func actorCall[T any](status int, call func(ctx context.Context, actor model.Actor, id string) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := actorFrom(r.Context())
		out, err := call(r.Context(), actor, r.PathValue("id"))
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, status, out)
	}
}

// actorCallWithBody is actorCall for calls that also take a JSON body.
func actorCallWithBody[In, T any](status int, call func(ctx context.Context, actor model.Actor, id string, in In) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in In
		if !decodeJSON(w, r, &in) {
			return
		}
		actor, _ := actorFrom(r.Context())
		out, err := call(r.Context(), actor, r.PathValue("id"), in)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, status, out)
	}
}

// CreateRequest handles POST /v1/requests
func (h *Handlers) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var in service.CreateRequestInput
	if !decodeJSON(w, r, &in) {
		return
	}
	actor, _ := actorFrom(r.Context())
	agg, err := h.svc.CreateRequest(r.Context(), actor, in)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, agg)
}

type assignInput struct {
	ProviderID string `json:"provider_id"`
}

// AssignJobs handles POST /v1/requests/{id}/jobs. A provider_id offers the
// request to that provider only; without one it is broadcast.
func (h *Handlers) AssignJobs(w http.ResponseWriter, r *http.Request) {
	var in assignInput
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, r, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON")
		return
	}
	actor, _ := actorFrom(r.Context())
	requestID := r.PathValue("id")
	if in.ProviderID != "" {
		job, err := h.svc.CreateDirect(r.Context(), actor, requestID, in.ProviderID)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, map[string]any{"jobs": []model.Job{job}})
		return
	}
	jobs, err := h.svc.CreateBroadcast(r.Context(), actor, requestID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"jobs": jobs})
}

// ListBids handles GET /v1/requests/{id}/bids
func (h *Handlers) ListBids(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	bids, err := h.svc.ListBids(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"bids": bids})
}

// Recommend handles GET /v1/requests/{id}/recommendations
func (h *Handlers) Recommend(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	matches, err := h.svc.Recommend(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"matches": matches})
}
