package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/parlakisik/service-exchange/src/internal/events"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/rating"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

// CreateReview records the customer's review of a completed job, then
// recomputes the provider's rating once.
func (s *Service) CreateReview(ctx context.Context, actor model.Actor, jobID string, in ReviewInput) (model.Review, error) {
	if err := requireActor(actor); err != nil {
		return model.Review{}, err
	}
	if err := s.check(in); err != nil {
		return model.Review{}, err
	}
	requestID, err := s.requestIDOf(ctx, store.KindJob, jobID)
	if err != nil {
		return model.Review{}, err
	}

	var review model.Review
	err = s.updateRequest(ctx, requestID, func(agg *store.Aggregate, u *unit) error {
		if !ownsRequest(actor, agg.Request) {
			return fmt.Errorf("%w: only the request owner can review", ErrUnauthorized)
		}
		j := agg.Job(jobID)
		if j == nil {
			return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		if j.Status != model.JobStatusCompleted {
			return fmt.Errorf("%w: job is %s", ErrInvalidTransition, j.Status)
		}
		if agg.ReviewForJob(jobID) != nil {
			return ErrDuplicateReview
		}
		review = model.Review{
			ID:         newID("rev"),
			JobID:      jobID,
			RequestID:  requestID,
			ProviderID: j.ProviderID,
			Rating:     in.Rating,
			Comment:    in.Comment,
			CreatedAt:  s.clock(),
		}
		agg.AddReview(review)
		u.emit(events.EventReviewCreated, map[string]any{
			"review_id":   review.ID,
			"job_id":      jobID,
			"provider_id": review.ProviderID,
			"rating":      review.Rating,
		})
		return nil
	})
	if err != nil {
		return model.Review{}, err
	}
	slog.InfoContext(ctx, "review_created", "review_id", review.ID, "provider_id", review.ProviderID, "rating", review.Rating)

	if err := s.refreshRating(ctx, review.ProviderID, review.ID); err != nil {
		slog.WarnContext(ctx, "rating_refresh_failed", "provider_id", review.ProviderID, "error", err)
	}
	return review, nil
}

// refreshRating recomputes providerID's rating from all of its reviews inside
// a provider-scoped unit, so concurrent reviews cannot lose an update. The
// event names the review that triggered it.
func (s *Service) refreshRating(ctx context.Context, providerID, reviewID string) error {
	var (
		updated float64
		changed bool
	)
	err := s.store.UpdateProvider(ctx, providerID, func(p *model.Provider) error {
		reviews, err := s.store.ListReviewsByProvider(ctx, providerID)
		if err != nil {
			return err
		}
		updated, changed = rating.Recompute(*p, reviews)
		if changed {
			p.Rating = updated
			p.UpdatedAt = s.clock()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.publish(ctx, []event{{
			eventType: events.EventProviderRatingUpdate,
			data:      map[string]any{"provider_id": providerID, "review_id": reviewID, "rating": updated},
		}})
	}
	return nil
}
