package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/service"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":       code,
			"message":    message,
			"request_id": requestIDFrom(r.Context()),
		},
	})
}

var errorKinds = []struct {
	err     error
	status  int
	code    string
	message string
}{
	{service.ErrValidation, http.StatusBadRequest, "validation_failed", ""},
	{service.ErrUnauthorized, http.StatusForbidden, "forbidden", ""},
	{service.ErrNotFound, http.StatusNotFound, "not_found", ""},
	{service.ErrAlreadyAssigned, http.StatusConflict, "already_assigned", "Someone else already took this request."},
	{service.ErrAlreadyProcessed, http.StatusConflict, "already_processed", "This has already been handled."},
	{service.ErrDuplicateBid, http.StatusConflict, "duplicate_bid", ""},
	{service.ErrDuplicateReview, http.StatusConflict, "duplicate_review", ""},
	{service.ErrInvalidTransition, http.StatusConflict, "invalid_transition", ""},
	{service.ErrBiddingDisabled, http.StatusConflict, "bidding_disabled", ""},
}

// respondServiceError maps the engine's error kinds onto HTTP statuses.
// Unknown errors are logged and reported as 500 without detail.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			msg := k.message
			if msg == "" {
				msg = err.Error()
			}
			respondError(w, r, k.status, k.code, msg)
			return
		}
	}
	slog.ErrorContext(r.Context(), "request_failed", "path", r.URL.Path, "error", err)
	respondError(w, r, http.StatusInternalServerError, "internal_error", "An internal error occurred")
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON")
		return false
	}
	return true
}
