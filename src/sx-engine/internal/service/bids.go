package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parlakisik/service-exchange/src/internal/events"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

// BidAcceptance is the outcome of accepting a bid.
type BidAcceptance struct {
	Bid model.Bid `json:"bid"`
	Job model.Job `json:"job"`
	// RejectedBids are the competing bids rejected in the same unit.
	RejectedBids []string `json:"rejected_bids"`
}

// SubmitBid records a provider's pending bid on an unassigned request.
func (s *Service) SubmitBid(ctx context.Context, actor model.Actor, requestID string, in BidInput) (model.Bid, error) {
	if err := requireActor(actor); err != nil {
		return model.Bid{}, err
	}
	if actor.Role != model.RoleProvider {
		return model.Bid{}, fmt.Errorf("%w: only providers can bid", ErrUnauthorized)
	}
	if !s.settings.Current().EnableBidding {
		return model.Bid{}, ErrBiddingDisabled
	}
	if err := s.check(in); err != nil {
		return model.Bid{}, err
	}
	amount, err := money("amount", in.Amount, true)
	if err != nil {
		return model.Bid{}, err
	}
	if _, err := s.store.GetProvider(ctx, actor.ID); err != nil {
		return model.Bid{}, translate(err)
	}

	var bid model.Bid
	err = s.updateRequest(ctx, requestID, func(agg *store.Aggregate, u *unit) error {
		now := s.clock()
		bid = model.Bid{
			ID:                newID("bid"),
			RequestID:         requestID,
			ProviderID:        actor.ID,
			Amount:            amount.StringFixed(2),
			Proposal:          in.Proposal,
			EstimatedDuration: in.EstimatedDuration,
			Status:            model.BidStatusPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := submitBid(agg, bid); err != nil {
			return err
		}
		u.emit(events.EventBidSubmitted, map[string]any{
			"bid_id":      bid.ID,
			"request_id":  requestID,
			"provider_id": bid.ProviderID,
			"customer_id": agg.Request.CustomerID,
			"amount":      bid.Amount,
		})
		return nil
	})
	if err != nil {
		return model.Bid{}, err
	}
	slog.InfoContext(ctx, "bid_submitted", "bid_id", bid.ID, "request_id", requestID, "provider_id", bid.ProviderID)
	return bid, nil
}

// AcceptBid accepts a pending bid for the request owner. In one unit the bid
// is accepted, an accepted job is created for its provider, the request is
// assigned, every other pending bid is rejected and every pending job is
// cancelled.
func (s *Service) AcceptBid(ctx context.Context, actor model.Actor, bidID string) (BidAcceptance, error) {
	if err := requireActor(actor); err != nil {
		return BidAcceptance{}, err
	}
	requestID, err := s.requestIDOf(ctx, store.KindBid, bidID)
	if err != nil {
		return BidAcceptance{}, err
	}

	var res BidAcceptance
	err = s.updateRequest(ctx, requestID, func(agg *store.Aggregate, u *unit) error {
		var err error
		res, err = acceptBid(agg, actor, bidID, s.clock())
		if err != nil {
			return err
		}
		u.emit(events.EventBidAccepted, map[string]any{
			"bid_id":      res.Bid.ID,
			"request_id":  requestID,
			"provider_id": res.Bid.ProviderID,
			"amount":      res.Bid.Amount,
		})
		u.emit(events.EventRequestAssigned, map[string]any{
			"request_id":  requestID,
			"customer_id": agg.Request.CustomerID,
			"provider_id": res.Job.ProviderID,
			"job_id":      res.Job.ID,
		})
		for _, id := range res.RejectedBids {
			u.emit(events.EventBidRejected, map[string]any{"bid_id": id, "request_id": requestID})
		}
		return nil
	})
	if err != nil {
		return BidAcceptance{}, err
	}
	slog.InfoContext(ctx, "bid_accepted",
		"bid_id", bidID,
		"request_id", requestID,
		"job_id", res.Job.ID,
		"rejected", len(res.RejectedBids),
	)
	return res, nil
}

// RejectBid rejects one pending bid for the request owner.
func (s *Service) RejectBid(ctx context.Context, actor model.Actor, bidID string) (model.Bid, error) {
	return s.closeBid(ctx, actor, bidID, model.BidStatusRejected, events.EventBidRejected)
}

// WithdrawBid withdraws the acting provider's own pending bid.
func (s *Service) WithdrawBid(ctx context.Context, actor model.Actor, bidID string) (model.Bid, error) {
	return s.closeBid(ctx, actor, bidID, model.BidStatusWithdrawn, events.EventBidWithdrawn)
}

func (s *Service) closeBid(ctx context.Context, actor model.Actor, bidID string, next model.BidStatus, eventType string) (model.Bid, error) {
	if err := requireActor(actor); err != nil {
		return model.Bid{}, err
	}
	requestID, err := s.requestIDOf(ctx, store.KindBid, bidID)
	if err != nil {
		return model.Bid{}, err
	}

	var bid model.Bid
	err = s.updateRequest(ctx, requestID, func(agg *store.Aggregate, u *unit) error {
		b := agg.Bid(bidID)
		if b == nil {
			return fmt.Errorf("%w: bid %s", ErrNotFound, bidID)
		}
		switch next {
		case model.BidStatusRejected:
			if !ownsRequest(actor, agg.Request) {
				return fmt.Errorf("%w: only the request owner can reject bids", ErrUnauthorized)
			}
		case model.BidStatusWithdrawn:
			if !isProvider(actor, b.ProviderID) {
				return fmt.Errorf("%w: only the bidding provider can withdraw", ErrUnauthorized)
			}
		}
		if err := transitionBid(b, next, s.clock()); err != nil {
			return err
		}
		bid = *b
		u.emit(eventType, map[string]any{
			"bid_id":      bid.ID,
			"request_id":  requestID,
			"provider_id": bid.ProviderID,
		})
		return nil
	})
	if err != nil {
		return model.Bid{}, err
	}
	slog.InfoContext(ctx, "bid_closed", "bid_id", bidID, "status", string(next))
	return bid, nil
}

// ListBids returns the bids on a request visible to actor: all of them for
// the owner or an admin, only their own for a provider.
func (s *Service) ListBids(ctx context.Context, actor model.Actor, requestID string) ([]model.Bid, error) {
	view, err := s.GetRequest(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}
	return view.Bids, nil
}

func submitBid(agg *store.Aggregate, bid model.Bid) error {
	switch {
	case agg.Request.Status.IsAssigned():
		return ErrAlreadyAssigned
	case agg.Request.Status == model.RequestStatusCancelled:
		return fmt.Errorf("%w: request is cancelled", ErrInvalidTransition)
	}
	if agg.OpenBidBy(bid.ProviderID) != nil {
		return ErrDuplicateBid
	}
	agg.AddBid(bid)
	return nil
}

func acceptBid(agg *store.Aggregate, actor model.Actor, bidID string, now time.Time) (BidAcceptance, error) {
	b := agg.Bid(bidID)
	if b == nil {
		return BidAcceptance{}, fmt.Errorf("%w: bid %s", ErrNotFound, bidID)
	}
	if !ownsRequest(actor, agg.Request) {
		return BidAcceptance{}, fmt.Errorf("%w: only the request owner can accept bids", ErrUnauthorized)
	}
	if b.Status != model.BidStatusPending {
		return BidAcceptance{}, fmt.Errorf("%w: bid is %s", ErrAlreadyProcessed, b.Status)
	}
	switch {
	case agg.Request.Status.IsAssigned():
		return BidAcceptance{}, ErrAlreadyAssigned
	case agg.Request.Status == model.RequestStatusCancelled:
		return BidAcceptance{}, fmt.Errorf("%w: request is cancelled", ErrInvalidTransition)
	}

	if err := transitionBid(b, model.BidStatusAccepted, now); err != nil {
		return BidAcceptance{}, err
	}
	res := BidAcceptance{Bid: *b}
	res.RejectedBids = rejectPendingBids(agg, bidID, now)
	cancelPendingJobs(agg, "", now)

	res.Job = model.Job{
		ID:         newID("job"),
		RequestID:  agg.Request.ID,
		ProviderID: b.ProviderID,
		BidID:      b.ID,
		Status:     model.JobStatusAccepted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	agg.AddJob(res.Job)
	agg.Request.Status = model.RequestStatusAssigned
	agg.Request.UpdatedAt = now
	return res, nil
}

func transitionBid(b *model.Bid, next model.BidStatus, now time.Time) error {
	if !b.Status.CanTransitionTo(next) {
		if b.Status.IsTerminal() {
			return fmt.Errorf("%w: bid is %s", ErrAlreadyProcessed, b.Status)
		}
		return fmt.Errorf("%w: bid %s -> %s", ErrInvalidTransition, b.Status, next)
	}
	b.Status = next
	b.UpdatedAt = now
	return nil
}

// rejectPendingBids rejects every pending bid except keepID.
func rejectPendingBids(agg *store.Aggregate, keepID string, now time.Time) []string {
	var rejected []string
	for i := range agg.Bids {
		b := &agg.Bids[i]
		if b.ID == keepID || b.Status != model.BidStatusPending {
			continue
		}
		b.Status = model.BidStatusRejected
		b.UpdatedAt = now
		rejected = append(rejected, b.ID)
	}
	return rejected
}
