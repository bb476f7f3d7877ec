package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parlakisik/service-exchange/src/internal/events"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/earnings"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

// CreateDirect offers the request to one pre-selected provider as a pending job.
func (s *Service) CreateDirect(ctx context.Context, actor model.Actor, requestID, providerID string) (model.Job, error) {
	if err := requireActor(actor); err != nil {
		return model.Job{}, err
	}
	provider, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return model.Job{}, translate(err)
	}

	var job model.Job
	err = s.updateRequest(ctx, requestID, func(agg *store.Aggregate, u *unit) error {
		if !ownsRequest(actor, agg.Request) && !actor.IsAdmin() {
			return fmt.Errorf("%w: only the request owner can assign jobs", ErrUnauthorized)
		}
		var err error
		job, err = createDirect(agg, provider, s.clock())
		if err != nil {
			return err
		}
		u.emit(events.EventJobCreated, jobEventData(job))
		return nil
	})
	if err != nil {
		return model.Job{}, err
	}
	slog.InfoContext(ctx, "job_created", "job_id", job.ID, "request_id", requestID, "provider_id", providerID)
	return job, nil
}

// CreateBroadcast fans the request out as one pending job per available
// provider of its category. The first provider to accept wins.
func (s *Service) CreateBroadcast(ctx context.Context, actor model.Actor, requestID string) ([]model.Job, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	current, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, translate(err)
	}
	pool, err := s.store.ListProviders(ctx, current.Request.Category)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	limit := s.settings.Current().BroadcastLimit

	var jobs []model.Job
	err = s.updateRequest(ctx, requestID, func(agg *store.Aggregate, u *unit) error {
		if !ownsRequest(actor, agg.Request) && !actor.IsAdmin() {
			return fmt.Errorf("%w: only the request owner can assign jobs", ErrUnauthorized)
		}
		var err error
		jobs, err = createBroadcast(agg, pool, limit, s.clock())
		if err != nil {
			return err
		}
		for _, j := range jobs {
			u.emit(events.EventJobCreated, jobEventData(j))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "jobs_broadcast", "request_id", requestID, "jobs", len(jobs), "pool", len(pool))
	return jobs, nil
}

// AcceptJob lets the job's provider take the request. The request status is
// checked against the freshest committed state: when another provider already
// won, the caller gets ErrAlreadyAssigned. On success the request is assigned
// and every competing pending job and bid is closed in the same unit.
func (s *Service) AcceptJob(ctx context.Context, actor model.Actor, jobID string) (model.Job, error) {
	return s.transitionJob(ctx, actor, jobID, events.EventJobAccepted, func(agg *store.Aggregate, j *model.Job, now time.Time, u *unit) error {
		if !isProvider(actor, j.ProviderID) {
			return fmt.Errorf("%w: only the offered provider can accept", ErrUnauthorized)
		}
		switch {
		case agg.Request.Status.IsAssigned():
			return ErrAlreadyAssigned
		case agg.Request.Status == model.RequestStatusCancelled:
			return fmt.Errorf("%w: request is cancelled", ErrInvalidTransition)
		}
		if err := moveJob(j, model.JobStatusAccepted, now); err != nil {
			return err
		}
		for _, id := range cancelPendingJobs(agg, j.ID, now) {
			u.emit(events.EventJobCancelled, map[string]any{"job_id": id, "request_id": agg.Request.ID})
		}
		for _, id := range rejectPendingBids(agg, "", now) {
			u.emit(events.EventBidRejected, map[string]any{"bid_id": id, "request_id": agg.Request.ID})
		}
		agg.Request.Status = model.RequestStatusAssigned
		agg.Request.UpdatedAt = now
		u.emit(events.EventRequestAssigned, map[string]any{
			"request_id":  agg.Request.ID,
			"customer_id": agg.Request.CustomerID,
			"provider_id": j.ProviderID,
			"job_id":      j.ID,
		})
		return nil
	})
}

// DeclineJob lets the offered provider turn a pending job down.
func (s *Service) DeclineJob(ctx context.Context, actor model.Actor, jobID string) (model.Job, error) {
	return s.transitionJob(ctx, actor, jobID, events.EventJobDeclined, func(_ *store.Aggregate, j *model.Job, now time.Time, _ *unit) error {
		if !isProvider(actor, j.ProviderID) {
			return fmt.Errorf("%w: only the offered provider can decline", ErrUnauthorized)
		}
		return moveJob(j, model.JobStatusDeclined, now)
	})
}

// StartJob stamps the start time and puts the request in progress.
func (s *Service) StartJob(ctx context.Context, actor model.Actor, jobID string) (model.Job, error) {
	return s.transitionJob(ctx, actor, jobID, events.EventJobStarted, func(agg *store.Aggregate, j *model.Job, now time.Time, _ *unit) error {
		if !isProvider(actor, j.ProviderID) {
			return fmt.Errorf("%w: only the assigned provider can start", ErrUnauthorized)
		}
		if err := moveJob(j, model.JobStatusStarted, now); err != nil {
			return err
		}
		j.StartTime = &now
		if agg.Request.Status == model.RequestStatusAssigned {
			agg.Request.Status = model.RequestStatusInProgress
			agg.Request.UpdatedAt = now
		}
		return nil
	})
}

// CompleteJob finishes the job. Earnings are computed once with the
// commission in force now and never overwritten; the request is completed and
// an unpaid invoice is created when none exists.
func (s *Service) CompleteJob(ctx context.Context, actor model.Actor, jobID string) (model.Job, error) {
	commission := s.settings.Current().CommissionPercentage
	job, err := s.transitionJob(ctx, actor, jobID, events.EventJobCompleted, func(agg *store.Aggregate, j *model.Job, now time.Time, u *unit) error {
		if !isProvider(actor, j.ProviderID) {
			return fmt.Errorf("%w: only the assigned provider can complete", ErrUnauthorized)
		}
		if err := moveJob(j, model.JobStatusCompleted, now); err != nil {
			return err
		}
		j.EndTime = &now

		breakdown, err := earnings.ForJob(agg.Request, commission)
		if err != nil {
			return err
		}
		earnings.Apply(j, breakdown)

		agg.Request.Status = model.RequestStatusCompleted
		agg.Request.UpdatedAt = now
		u.emit(events.EventRequestCompleted, map[string]any{
			"request_id":  agg.Request.ID,
			"customer_id": agg.Request.CustomerID,
			"job_id":      j.ID,
		})

		if agg.InvoiceForJob(j.ID) == nil {
			inv := newInvoice(agg.Request, *j, now)
			agg.AddInvoice(inv)
			u.emit(events.EventInvoiceCreated, map[string]any{
				"invoice_id":  inv.ID,
				"job_id":      j.ID,
				"request_id":  agg.Request.ID,
				"customer_id": agg.Request.CustomerID,
				"total":       inv.Total,
			})
		}
		return nil
	})
	if err != nil {
		return model.Job{}, err
	}

	// The cached counter is display data; ranking derives the count from jobs.
	err = s.store.UpdateProvider(ctx, job.ProviderID, func(p *model.Provider) error {
		p.CompletedJobs++
		p.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "provider_counter_update_failed", "provider_id", job.ProviderID, "error", err)
	}
	return job, nil
}

// CancelJob cancels a non-terminal job. The job's provider, the request owner
// and admins may cancel. Cancelling the job that held the assignment returns
// the request to pending so it can be offered again.
func (s *Service) CancelJob(ctx context.Context, actor model.Actor, jobID string) (model.Job, error) {
	return s.transitionJob(ctx, actor, jobID, events.EventJobCancelled, func(agg *store.Aggregate, j *model.Job, now time.Time, u *unit) error {
		if !isProvider(actor, j.ProviderID) && !ownsRequest(actor, agg.Request) && !actor.IsAdmin() {
			return fmt.Errorf("%w: cannot cancel this job", ErrUnauthorized)
		}
		if err := moveJob(j, model.JobStatusCancelled, now); err != nil {
			return err
		}
		if releaseAssignment(agg, now) {
			u.emit(events.EventRequestReopened, map[string]any{
				"request_id":  agg.Request.ID,
				"customer_id": agg.Request.CustomerID,
				"status":      string(agg.Request.Status),
			})
		}
		return nil
	})
}

type jobStep func(agg *store.Aggregate, j *model.Job, now time.Time, u *unit) error

// transitionJob resolves the job's request, runs step inside one unit and
// emits eventType for the job once it commits.
func (s *Service) transitionJob(ctx context.Context, actor model.Actor, jobID, eventType string, step jobStep) (model.Job, error) {
	if err := requireActor(actor); err != nil {
		return model.Job{}, err
	}
	requestID, err := s.requestIDOf(ctx, store.KindJob, jobID)
	if err != nil {
		return model.Job{}, err
	}

	var job model.Job
	err = s.updateRequest(ctx, requestID, func(agg *store.Aggregate, u *unit) error {
		j := agg.Job(jobID)
		if j == nil {
			return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		if err := step(agg, j, s.clock(), u); err != nil {
			return err
		}
		job = *j
		// Job events lead the unit's events.
		u.events = append([]event{{eventType: eventType, data: jobEventData(job)}}, u.events...)
		return nil
	})
	if err != nil {
		slog.DebugContext(ctx, "job_transition_refused", "job_id", jobID, "event_type", eventType, "error", err)
		return model.Job{}, err
	}
	slog.InfoContext(ctx, "job_transitioned",
		"job_id", jobID,
		"request_id", requestID,
		"status", string(job.Status),
	)
	return job, nil
}

func moveJob(j *model.Job, next model.JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		if j.Status == next {
			return fmt.Errorf("%w: job is already %s", ErrAlreadyProcessed, next)
		}
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	j.UpdatedAt = now
	return nil
}

func createDirect(agg *store.Aggregate, provider model.Provider, now time.Time) (model.Job, error) {
	if err := checkAssignable(agg.Request); err != nil {
		return model.Job{}, err
	}
	if !provider.ServesCategory(agg.Request.Category) {
		return model.Job{}, validationError("provider %s does not serve %s", provider.ID, agg.Request.Category)
	}
	if hasActiveJob(agg, provider.ID) {
		return model.Job{}, fmt.Errorf("%w: provider %s already has a job on this request", ErrAlreadyProcessed, provider.ID)
	}
	job := newJob(agg.Request.ID, provider.ID, now)
	agg.AddJob(job)
	return job, nil
}

// createBroadcast adds one pending job per available provider in pool that
// serves the request category and holds no active job on it. pool must be
// ordered by id; limit caps the fan-out when positive.
func createBroadcast(agg *store.Aggregate, pool []model.Provider, limit int, now time.Time) ([]model.Job, error) {
	if err := checkAssignable(agg.Request); err != nil {
		return nil, err
	}
	jobs := []model.Job{}
	for _, p := range pool {
		if limit > 0 && len(jobs) == limit {
			break
		}
		if p.Availability != model.AvailabilityAvailable || !p.ServesCategory(agg.Request.Category) {
			continue
		}
		if hasActiveJob(agg, p.ID) {
			continue
		}
		job := newJob(agg.Request.ID, p.ID, now)
		agg.AddJob(job)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func checkAssignable(req model.Request) error {
	switch {
	case req.Status.IsAssigned():
		return ErrAlreadyAssigned
	case req.Status == model.RequestStatusCancelled:
		return fmt.Errorf("%w: request is cancelled", ErrInvalidTransition)
	}
	return nil
}

// releaseAssignment moves an assigned or in-progress request back to pending
// once no accepted or started job holds it.
func releaseAssignment(agg *store.Aggregate, now time.Time) bool {
	if agg.Request.Status != model.RequestStatusAssigned && agg.Request.Status != model.RequestStatusInProgress {
		return false
	}
	for _, j := range agg.Jobs {
		if j.Status == model.JobStatusAccepted || j.Status == model.JobStatusStarted {
			return false
		}
	}
	agg.Request.Status = model.RequestStatusPending
	agg.Request.UpdatedAt = now
	return true
}

func hasActiveJob(agg *store.Aggregate, providerID string) bool {
	for _, j := range agg.Jobs {
		if j.ProviderID == providerID && j.Status.IsActive() {
			return true
		}
	}
	return false
}

// cancelPendingJobs cancels every pending job except keepID.
func cancelPendingJobs(agg *store.Aggregate, keepID string, now time.Time) []string {
	var cancelled []string
	for i := range agg.Jobs {
		j := &agg.Jobs[i]
		if j.ID == keepID || j.Status != model.JobStatusPending {
			continue
		}
		j.Status = model.JobStatusCancelled
		j.UpdatedAt = now
		cancelled = append(cancelled, j.ID)
	}
	return cancelled
}

func newJob(requestID, providerID string, now time.Time) model.Job {
	return model.Job{
		ID:         newID("job"),
		RequestID:  requestID,
		ProviderID: providerID,
		Status:     model.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func newInvoice(req model.Request, job model.Job, now time.Time) model.Invoice {
	total := req.BudgetAmount().StringFixed(2)
	return model.Invoice{
		ID:        newID("inv"),
		JobID:     job.ID,
		RequestID: req.ID,
		Subtotal:  total,
		Tax:       "0.00",
		Discount:  "0.00",
		Total:     total,
		CreatedAt: now,
	}
}

func jobEventData(j model.Job) map[string]any {
	data := map[string]any{
		"job_id":      j.ID,
		"request_id":  j.RequestID,
		"provider_id": j.ProviderID,
		"status":      string(j.Status),
	}
	if j.Status == model.JobStatusCompleted {
		data["provider_earnings"] = j.ProviderEarnings
		data["commission_rate"] = j.CommissionRate
	}
	return data
}
