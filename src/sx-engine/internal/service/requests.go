package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parlakisik/service-exchange/src/internal/events"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/matching"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

// CreateRequest stores a new pending request for a customer and, in the same
// write, offers it either to the selected provider or to every available
// provider of its category.
func (s *Service) CreateRequest(ctx context.Context, actor model.Actor, in CreateRequestInput) (store.Aggregate, error) {
	if err := requireActor(actor); err != nil {
		return store.Aggregate{}, err
	}
	if actor.Role != model.RoleCustomer {
		return store.Aggregate{}, fmt.Errorf("%w: only customers can create requests", ErrUnauthorized)
	}
	if err := s.check(in); err != nil {
		return store.Aggregate{}, err
	}
	location, err := geoPoint(in.Lat, in.Lon)
	if err != nil {
		return store.Aggregate{}, err
	}
	budget := ""
	if in.Budget != "" {
		d, err := money("budget", in.Budget, false)
		if err != nil {
			return store.Aggregate{}, err
		}
		budget = d.StringFixed(2)
	}

	now := s.clock()
	agg := store.Aggregate{Request: model.Request{
		ID:          newID("req"),
		CustomerID:  actor.ID,
		Category:    in.Category,
		Title:       in.Title,
		Description: in.Description,
		Address:     in.Address,
		Location:    location,
		Budget:      budget,
		Status:      model.RequestStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}

	var jobs []model.Job
	if in.ProviderID != "" {
		provider, err := s.store.GetProvider(ctx, in.ProviderID)
		if err != nil {
			return store.Aggregate{}, translate(err)
		}
		job, err := createDirect(&agg, provider, now)
		if err != nil {
			return store.Aggregate{}, err
		}
		jobs = append(jobs, job)
	} else {
		pool, err := s.store.ListProviders(ctx, in.Category)
		if err != nil {
			return store.Aggregate{}, fmt.Errorf("list providers: %w", err)
		}
		jobs, err = createBroadcast(&agg, pool, s.settings.Current().BroadcastLimit, now)
		if err != nil {
			return store.Aggregate{}, err
		}
	}

	if err := s.store.CreateRequest(ctx, agg); err != nil {
		return store.Aggregate{}, translate(err)
	}

	var u unit
	u.emit(events.EventRequestCreated, map[string]any{
		"request_id":  agg.Request.ID,
		"customer_id": actor.ID,
		"category":    agg.Request.Category,
	})
	for _, j := range jobs {
		u.emit(events.EventJobCreated, jobEventData(j))
	}
	s.publish(ctx, u.events)

	slog.InfoContext(ctx, "request_created",
		"request_id", agg.Request.ID,
		"customer_id", actor.ID,
		"category", agg.Request.Category,
		"jobs", len(jobs),
	)
	return agg, nil
}

// GetRequest returns the request with the children actor may see. Owners and
// admins see everything; providers see only their own bids and jobs.
func (s *Service) GetRequest(ctx context.Context, actor model.Actor, requestID string) (store.Aggregate, error) {
	if err := requireActor(actor); err != nil {
		return store.Aggregate{}, err
	}
	agg, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return store.Aggregate{}, translate(err)
	}
	switch {
	case actor.IsAdmin(), ownsRequest(actor, agg.Request):
		return agg, nil
	case actor.Role == model.RoleProvider:
		return visibleToProvider(agg, actor.ID), nil
	}
	return store.Aggregate{}, fmt.Errorf("%w: request belongs to another customer", ErrUnauthorized)
}

func visibleToProvider(agg store.Aggregate, providerID string) store.Aggregate {
	view := store.Aggregate{Request: agg.Request}
	jobIDs := make(map[string]bool)
	for _, b := range agg.Bids {
		if b.ProviderID == providerID {
			view.Bids = append(view.Bids, b)
		}
	}
	for _, j := range agg.Jobs {
		if j.ProviderID == providerID {
			view.Jobs = append(view.Jobs, j)
			jobIDs[j.ID] = true
		}
	}
	for _, r := range agg.Reviews {
		if jobIDs[r.JobID] {
			view.Reviews = append(view.Reviews, r)
		}
	}
	return view
}

// OpenForBids moves an unassigned request to open_for_bids.
func (s *Service) OpenForBids(ctx context.Context, actor model.Actor, requestID string) (model.Request, error) {
	if err := requireActor(actor); err != nil {
		return model.Request{}, err
	}
	if !s.settings.Current().EnableBidding {
		return model.Request{}, ErrBiddingDisabled
	}

	var req model.Request
	err := s.updateRequest(ctx, requestID, func(agg *store.Aggregate, u *unit) error {
		if !ownsRequest(actor, agg.Request) {
			return fmt.Errorf("%w: only the request owner can open bidding", ErrUnauthorized)
		}
		switch st := agg.Request.Status; {
		case st == model.RequestStatusOpenForBids:
			return fmt.Errorf("%w: request is already open for bids", ErrAlreadyProcessed)
		case st.IsAssigned():
			return ErrAlreadyAssigned
		case !st.IsUnassigned():
			return fmt.Errorf("%w: request is %s", ErrInvalidTransition, st)
		}
		agg.Request.Status = model.RequestStatusOpenForBids
		agg.Request.UpdatedAt = s.clock()
		req = agg.Request
		u.emit(events.EventRequestOpened, map[string]any{
			"request_id": requestID,
			"category":   req.Category,
		})
		return nil
	})
	if err != nil {
		return model.Request{}, err
	}
	slog.InfoContext(ctx, "request_opened_for_bids", "request_id", requestID)
	return req, nil
}

// CancelRequest cancels a request that has not completed, closing every
// non-terminal job and pending bid with it.
func (s *Service) CancelRequest(ctx context.Context, actor model.Actor, requestID string) (model.Request, error) {
	if err := requireActor(actor); err != nil {
		return model.Request{}, err
	}

	var req model.Request
	err := s.updateRequest(ctx, requestID, func(agg *store.Aggregate, u *unit) error {
		if !ownsRequest(actor, agg.Request) && !actor.IsAdmin() {
			return fmt.Errorf("%w: only the request owner can cancel", ErrUnauthorized)
		}
		switch agg.Request.Status {
		case model.RequestStatusCancelled:
			return fmt.Errorf("%w: request is already cancelled", ErrAlreadyProcessed)
		case model.RequestStatusCompleted:
			return fmt.Errorf("%w: request is completed", ErrInvalidTransition)
		}
		now := s.clock()
		for i := range agg.Jobs {
			j := &agg.Jobs[i]
			if j.Status.IsTerminal() {
				continue
			}
			j.Status = model.JobStatusCancelled
			j.UpdatedAt = now
			u.emit(events.EventJobCancelled, jobEventData(*j))
		}
		for _, id := range rejectPendingBids(agg, "", now) {
			u.emit(events.EventBidRejected, map[string]any{"bid_id": id, "request_id": requestID})
		}
		agg.Request.Status = model.RequestStatusCancelled
		agg.Request.UpdatedAt = now
		req = agg.Request
		u.emit(events.EventRequestCancelled, map[string]any{
			"request_id":  requestID,
			"customer_id": req.CustomerID,
		})
		return nil
	})
	if err != nil {
		return model.Request{}, err
	}
	slog.InfoContext(ctx, "request_cancelled", "request_id", requestID)
	return req, nil
}

// Recommend ranks the providers of the request's category. Completed-job
// counts come from the store, not the cached provider counter.
func (s *Service) Recommend(ctx context.Context, actor model.Actor, requestID string) ([]matching.Match, error) {
	agg, err := s.GetRequest(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !ownsRequest(actor, agg.Request) {
		return nil, fmt.Errorf("%w: only the request owner can see recommendations", ErrUnauthorized)
	}
	pool, err := s.store.ListProviders(ctx, agg.Request.Category)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	ids := make([]string, len(pool))
	for i, p := range pool {
		ids[i] = p.ID
	}
	counts, err := s.store.CountCompletedJobs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("count completed jobs: %w", err)
	}
	candidates := make([]matching.Candidate, len(pool))
	for i, p := range pool {
		candidates[i] = matching.Candidate{Provider: p, CompletedJobs: counts[p.ID]}
	}
	matches := matching.Rank(agg.Request, candidates)
	slog.DebugContext(ctx, "providers_ranked", "request_id", requestID, "pool", len(pool), "matches", len(matches))
	return matches, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, store.ErrNotFound)
}
