package service

import (
	"errors"
	"fmt"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("not allowed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateBid      = errors.New("provider already has an open bid on this request")
	ErrDuplicateReview   = errors.New("job already reviewed")
	ErrBiddingDisabled   = errors.New("bidding is disabled")

	// Losing a race is an expected outcome, not a failure.
	ErrAlreadyProcessed = errors.New("already processed")
	ErrAlreadyAssigned  = errors.New("request already assigned to another provider")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// translate maps store errors onto the service taxonomy. Errors that already
// belong to the taxonomy pass through unchanged.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", ErrAlreadyProcessed, err)
	}
	return err
}
