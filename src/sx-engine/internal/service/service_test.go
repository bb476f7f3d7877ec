package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parlakisik/service-exchange/src/internal/events"
	"github.com/parlakisik/service-exchange/src/internal/httpclient"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/config"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

var (
	customer = model.Actor{ID: "cus_1", Role: model.RoleCustomer}
	stranger = model.Actor{ID: "cus_2", Role: model.RoleCustomer}
	admin    = model.Actor{ID: "adm_1", Role: model.RoleAdmin}
)

func providerActor(id string) model.Actor {
	return model.Actor{ID: id, Role: model.RoleProvider}
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (r *recordingSink) Publish(_ context.Context, eventType string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.data = append(r.data, data)
	return nil
}

func (r *recordingSink) payloads(eventType string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for i, e := range r.events {
		if e == eventType {
			out = append(out, r.data[i])
		}
	}
	return out
}

func (r *recordingSink) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type mutableSettings struct {
	mu       sync.Mutex
	settings config.Settings
}

func (m *mutableSettings) Current() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

func (m *mutableSettings) set(fn func(*config.Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.settings)
}

type harness struct {
	svc      *Service
	store    *store.MemoryStore
	sink     *recordingSink
	settings *mutableSettings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		sink:     &recordingSink{},
		settings: &mutableSettings{settings: config.DefaultSettings()},
	}
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	h.svc = New(h.store, h.sink, h.settings, WithClock(func() time.Time { return now }))
	return h
}

func (h *harness) addProvider(t *testing.T, id string, availability model.Availability, categories ...string) {
	t.Helper()
	err := h.store.SaveProvider(context.Background(), model.Provider{
		ID:           id,
		Name:         id,
		Categories:   categories,
		Availability: availability,
		Rating:       4,
	})
	if err != nil {
		t.Fatalf("SaveProvider(%s) error = %v", id, err)
	}
}

func (h *harness) createRequest(t *testing.T, in CreateRequestInput) store.Aggregate {
	t.Helper()
	if in.Title == "" {
		in.Title = "Fix the sink"
	}
	if in.Category == "" {
		in.Category = "plumbing"
	}
	agg, err := h.svc.CreateRequest(context.Background(), customer, in)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	return agg
}

func ptr(v float64) *float64 { return &v }

func TestCreateRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("broadcast offers available providers of the category", func(t *testing.T) {
		h := newHarness(t)
		h.addProvider(t, "prv_d", model.AvailabilityAvailable, "plumbing")
		h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing", "heating")
		h.addProvider(t, "prv_b", model.AvailabilityBusy, "plumbing")
		h.addProvider(t, "prv_c", model.AvailabilityAvailable, "electrical")

		agg := h.createRequest(t, CreateRequestInput{Budget: "200"})
		if agg.Request.Status != model.RequestStatusPending {
			t.Errorf("Status = %s, want pending", agg.Request.Status)
		}
		if agg.Request.Budget != "200.00" {
			t.Errorf("Budget = %q, want 200.00", agg.Request.Budget)
		}
		var got []string
		for _, j := range agg.Jobs {
			if j.Status != model.JobStatusPending {
				t.Errorf("job %s status = %s, want pending", j.ID, j.Status)
			}
			got = append(got, j.ProviderID)
		}
		if fmt.Sprint(got) != "[prv_a prv_d]" {
			t.Errorf("job providers = %v, want [prv_a prv_d]", got)
		}
		if n := h.sink.count(events.EventJobCreated); n != 2 {
			t.Errorf("job.created events = %d, want 2", n)
		}
		if n := h.sink.count(events.EventRequestCreated); n != 1 {
			t.Errorf("request.created events = %d, want 1", n)
		}
	})

	t.Run("broadcast limit caps the fan-out", func(t *testing.T) {
		h := newHarness(t)
		h.settings.set(func(s *config.Settings) { s.BroadcastLimit = 2 })
		for _, id := range []string{"prv_3", "prv_1", "prv_2"} {
			h.addProvider(t, id, model.AvailabilityAvailable, "plumbing")
		}
		agg := h.createRequest(t, CreateRequestInput{})
		if len(agg.Jobs) != 2 || agg.Jobs[0].ProviderID != "prv_1" || agg.Jobs[1].ProviderID != "prv_2" {
			t.Errorf("jobs = %+v, want prv_1 and prv_2", agg.Jobs)
		}
	})

	t.Run("empty pool leaves the request without jobs", func(t *testing.T) {
		h := newHarness(t)
		agg := h.createRequest(t, CreateRequestInput{})
		if len(agg.Jobs) != 0 {
			t.Errorf("len(Jobs) = %d, want 0", len(agg.Jobs))
		}
	})

	t.Run("direct offers only the selected provider", func(t *testing.T) {
		h := newHarness(t)
		h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")
		h.addProvider(t, "prv_b", model.AvailabilityBusy, "plumbing")
		agg := h.createRequest(t, CreateRequestInput{ProviderID: "prv_b"})
		if len(agg.Jobs) != 1 || agg.Jobs[0].ProviderID != "prv_b" {
			t.Errorf("jobs = %+v, want one job for prv_b", agg.Jobs)
		}
	})

	tests := []struct {
		name  string
		actor model.Actor
		in    CreateRequestInput
		want  error
	}{
		{"missing category", customer, CreateRequestInput{Title: "x"}, ErrValidation},
		{"missing title", customer, CreateRequestInput{Category: "plumbing"}, ErrValidation},
		{"negative budget", customer, CreateRequestInput{Title: "x", Category: "plumbing", Budget: "-5"}, ErrValidation},
		{"lat without lon", customer, CreateRequestInput{Title: "x", Category: "plumbing", Lat: ptr(41)}, ErrValidation},
		{"lat out of range", customer, CreateRequestInput{Title: "x", Category: "plumbing", Lat: ptr(91), Lon: ptr(0)}, ErrValidation},
		{"provider cannot create", providerActor("prv_a"), CreateRequestInput{Title: "x", Category: "plumbing"}, ErrUnauthorized},
		{"anonymous", model.Actor{}, CreateRequestInput{Title: "x", Category: "plumbing"}, ErrUnauthorized},
		{"unknown direct provider", customer, CreateRequestInput{Title: "x", Category: "plumbing", ProviderID: "prv_none"}, ErrNotFound},
		{"direct provider outside category", customer, CreateRequestInput{Title: "x", Category: "plumbing", ProviderID: "prv_e"}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.addProvider(t, "prv_e", model.AvailabilityAvailable, "electrical")
			_, err := h.svc.CreateRequest(ctx, tt.actor, tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("CreateRequest() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAcceptJobConcurrent(t *testing.T) {
	const workers = 8
	h := newHarness(t)
	for i := 0; i < workers; i++ {
		h.addProvider(t, fmt.Sprintf("prv_%02d", i), model.AvailabilityAvailable, "plumbing")
	}
	agg := h.createRequest(t, CreateRequestInput{})
	if len(agg.Jobs) != workers {
		t.Fatalf("len(Jobs) = %d, want %d", len(agg.Jobs), workers)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		assigned int
	)
	start := make(chan struct{})
	for _, job := range agg.Jobs {
		wg.Add(1)
		go func(job model.Job) {
			defer wg.Done()
			<-start
			_, err := h.svc.AcceptJob(context.Background(), providerActor(job.ProviderID), job.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrAlreadyAssigned):
				assigned++
			default:
				t.Errorf("AcceptJob(%s) unexpected error = %v", job.ID, err)
			}
		}(job)
	}
	close(start)
	wg.Wait()

	if won != 1 || assigned != workers-1 {
		t.Fatalf("won = %d, already assigned = %d; want 1 and %d", won, assigned, workers-1)
	}
	final, err := h.store.GetRequest(context.Background(), agg.Request.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if final.Request.Status != model.RequestStatusAssigned {
		t.Errorf("request status = %s, want assigned", final.Request.Status)
	}
	if n := final.ActiveJobs(); n != 1 {
		t.Errorf("active jobs = %d, want 1", n)
	}
	if n := h.sink.count(events.EventRequestAssigned); n != 1 {
		t.Errorf("request.assigned events = %d, want 1", n)
	}
}

func openWithBids(t *testing.T, h *harness, providers ...string) (store.Aggregate, []model.Bid) {
	t.Helper()
	ctx := context.Background()
	agg := h.createRequest(t, CreateRequestInput{Budget: "150"})
	if _, err := h.svc.OpenForBids(ctx, customer, agg.Request.ID); err != nil {
		t.Fatalf("OpenForBids() error = %v", err)
	}
	var bids []model.Bid
	for _, p := range providers {
		b, err := h.svc.SubmitBid(ctx, providerActor(p), agg.Request.ID, BidInput{Amount: "120", Proposal: "tomorrow"})
		if err != nil {
			t.Fatalf("SubmitBid(%s) error = %v", p, err)
		}
		bids = append(bids, b)
	}
	return agg, bids
}

func TestAcceptBid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for _, id := range []string{"prv_a", "prv_b", "prv_c"} {
		h.addProvider(t, id, model.AvailabilityBusy, "plumbing")
	}
	h.addProvider(t, "prv_x", model.AvailabilityAvailable, "plumbing")
	agg, bids := openWithBids(t, h, "prv_a", "prv_b", "prv_c")

	if _, err := h.svc.AcceptBid(ctx, stranger, bids[0].ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("AcceptBid(stranger) error = %v, want ErrUnauthorized", err)
	}

	res, err := h.svc.AcceptBid(ctx, customer, bids[1].ID)
	if err != nil {
		t.Fatalf("AcceptBid() error = %v", err)
	}
	if res.Bid.Status != model.BidStatusAccepted {
		t.Errorf("bid status = %s, want accepted", res.Bid.Status)
	}
	if res.Job.Status != model.JobStatusAccepted || res.Job.ProviderID != "prv_b" || res.Job.BidID != bids[1].ID {
		t.Errorf("job = %+v, want accepted job for prv_b linked to the bid", res.Job)
	}
	if len(res.RejectedBids) != 2 {
		t.Errorf("rejected = %v, want 2 bids", res.RejectedBids)
	}

	final, err := h.store.GetRequest(ctx, agg.Request.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if final.Request.Status != model.RequestStatusAssigned {
		t.Errorf("request status = %s, want assigned", final.Request.Status)
	}
	accepted := 0
	for _, b := range final.Bids {
		switch b.Status {
		case model.BidStatusAccepted:
			accepted++
		case model.BidStatusRejected:
		default:
			t.Errorf("bid %s status = %s, want accepted or rejected", b.ID, b.Status)
		}
	}
	if accepted != 1 {
		t.Errorf("accepted bids = %d, want 1", accepted)
	}
	// The broadcast job offered to prv_x is withdrawn by the accepted bid.
	if n := final.ActiveJobs(); n != 1 {
		t.Errorf("active jobs = %d, want 1", n)
	}

	if _, err := h.svc.AcceptBid(ctx, customer, bids[1].ID); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second AcceptBid() error = %v, want ErrAlreadyProcessed", err)
	}
	if _, err := h.svc.AcceptBid(ctx, customer, bids[0].ID); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("AcceptBid(rejected sibling) error = %v, want ErrAlreadyProcessed", err)
	}
	if _, err := h.svc.AcceptBid(ctx, customer, "bid_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AcceptBid(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAcceptBidConcurrent(t *testing.T) {
	providers := []string{"prv_a", "prv_b", "prv_c", "prv_d", "prv_e"}
	h := newHarness(t)
	for _, id := range providers {
		h.addProvider(t, id, model.AvailabilityBusy, "plumbing")
	}
	agg, bids := openWithBids(t, h, providers...)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  int
		lost int
	)
	for _, b := range bids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.svc.AcceptBid(context.Background(), customer, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrAlreadyAssigned):
				lost++
			default:
				t.Errorf("AcceptBid(%s) unexpected error = %v", id, err)
			}
		}(b.ID)
	}
	wg.Wait()

	if won != 1 || lost != len(bids)-1 {
		t.Fatalf("won = %d, lost = %d", won, lost)
	}
	final, err := h.store.GetRequest(context.Background(), agg.Request.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	accepted, rejected := 0, 0
	for _, b := range final.Bids {
		switch b.Status {
		case model.BidStatusAccepted:
			accepted++
		case model.BidStatusRejected:
			rejected++
		}
	}
	if accepted != 1 || rejected != len(bids)-1 {
		t.Errorf("accepted = %d, rejected = %d", accepted, rejected)
	}
	if n := final.ActiveJobs(); n != 1 {
		t.Errorf("active jobs = %d, want 1", n)
	}
}

func TestBidLedger(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate open bid", func(t *testing.T) {
		h := newHarness(t)
		h.addProvider(t, "prv_a", model.AvailabilityBusy, "plumbing")
		agg, _ := openWithBids(t, h, "prv_a")
		_, err := h.svc.SubmitBid(ctx, providerActor("prv_a"), agg.Request.ID, BidInput{Amount: "99"})
		if !errors.Is(err, ErrDuplicateBid) {
			t.Errorf("SubmitBid() error = %v, want ErrDuplicateBid", err)
		}
	})

	t.Run("withdrawn bid can be replaced", func(t *testing.T) {
		h := newHarness(t)
		h.addProvider(t, "prv_a", model.AvailabilityBusy, "plumbing")
		agg, bids := openWithBids(t, h, "prv_a")
		if _, err := h.svc.WithdrawBid(ctx, providerActor("prv_b"), bids[0].ID); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("WithdrawBid(other provider) error = %v, want ErrUnauthorized", err)
		}
		b, err := h.svc.WithdrawBid(ctx, providerActor("prv_a"), bids[0].ID)
		if err != nil {
			t.Fatalf("WithdrawBid() error = %v", err)
		}
		if b.Status != model.BidStatusWithdrawn {
			t.Errorf("status = %s, want withdrawn", b.Status)
		}
		if _, err := h.svc.WithdrawBid(ctx, providerActor("prv_a"), bids[0].ID); !errors.Is(err, ErrAlreadyProcessed) {
			t.Errorf("second WithdrawBid() error = %v, want ErrAlreadyProcessed", err)
		}
		if _, err := h.svc.SubmitBid(ctx, providerActor("prv_a"), agg.Request.ID, BidInput{Amount: "110"}); err != nil {
			t.Errorf("SubmitBid() after withdraw error = %v", err)
		}
	})

	t.Run("reject needs the request owner", func(t *testing.T) {
		h := newHarness(t)
		h.addProvider(t, "prv_a", model.AvailabilityBusy, "plumbing")
		_, bids := openWithBids(t, h, "prv_a")
		if _, err := h.svc.RejectBid(ctx, stranger, bids[0].ID); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("RejectBid(stranger) error = %v, want ErrUnauthorized", err)
		}
		b, err := h.svc.RejectBid(ctx, customer, bids[0].ID)
		if err != nil || b.Status != model.BidStatusRejected {
			t.Errorf("RejectBid() = %s, %v; want rejected", b.Status, err)
		}
	})

	t.Run("bidding disabled", func(t *testing.T) {
		h := newHarness(t)
		h.addProvider(t, "prv_a", model.AvailabilityBusy, "plumbing")
		agg := h.createRequest(t, CreateRequestInput{})
		h.settings.set(func(s *config.Settings) { s.EnableBidding = false })
		if _, err := h.svc.OpenForBids(ctx, customer, agg.Request.ID); !errors.Is(err, ErrBiddingDisabled) {
			t.Errorf("OpenForBids() error = %v, want ErrBiddingDisabled", err)
		}
		if _, err := h.svc.SubmitBid(ctx, providerActor("prv_a"), agg.Request.ID, BidInput{Amount: "10"}); !errors.Is(err, ErrBiddingDisabled) {
			t.Errorf("SubmitBid() error = %v, want ErrBiddingDisabled", err)
		}
	})

	t.Run("assigned request takes no bids", func(t *testing.T) {
		h := newHarness(t)
		h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")
		h.addProvider(t, "prv_b", model.AvailabilityBusy, "plumbing")
		agg := h.createRequest(t, CreateRequestInput{})
		if _, err := h.svc.AcceptJob(ctx, providerActor("prv_a"), agg.Jobs[0].ID); err != nil {
			t.Fatalf("AcceptJob() error = %v", err)
		}
		if _, err := h.svc.SubmitBid(ctx, providerActor("prv_b"), agg.Request.ID, BidInput{Amount: "10"}); !errors.Is(err, ErrAlreadyAssigned) {
			t.Errorf("SubmitBid() error = %v, want ErrAlreadyAssigned", err)
		}
	})

	t.Run("input validation", func(t *testing.T) {
		h := newHarness(t)
		h.addProvider(t, "prv_a", model.AvailabilityBusy, "plumbing")
		agg := h.createRequest(t, CreateRequestInput{})
		for _, amount := range []string{"", "0", "-3", "abc"} {
			_, err := h.svc.SubmitBid(ctx, providerActor("prv_a"), agg.Request.ID, BidInput{Amount: amount})
			if !errors.Is(err, ErrValidation) {
				t.Errorf("SubmitBid(amount=%q) error = %v, want ErrValidation", amount, err)
			}
		}
		if _, err := h.svc.SubmitBid(ctx, customer, agg.Request.ID, BidInput{Amount: "10"}); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("SubmitBid(customer) error = %v, want ErrUnauthorized", err)
		}
	})
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")
	h.addProvider(t, "prv_b", model.AvailabilityAvailable, "plumbing")
	agg := h.createRequest(t, CreateRequestInput{Budget: "200"})
	jobA, jobB := agg.Jobs[0], agg.Jobs[1]
	pa := providerActor("prv_a")

	if _, err := h.svc.StartJob(ctx, pa, jobA.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("StartJob(pending) error = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.svc.AcceptJob(ctx, providerActor("prv_b"), jobA.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("AcceptJob(other provider) error = %v, want ErrUnauthorized", err)
	}
	if _, err := h.svc.AcceptJob(ctx, pa, jobA.ID); err != nil {
		t.Fatalf("AcceptJob() error = %v", err)
	}
	if _, err := h.svc.AcceptJob(ctx, providerActor("prv_b"), jobB.ID); !errors.Is(err, ErrAlreadyAssigned) {
		t.Errorf("AcceptJob(sibling) error = %v, want ErrAlreadyAssigned", err)
	}

	started, err := h.svc.StartJob(ctx, pa, jobA.ID)
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if started.StartTime == nil {
		t.Error("StartTime not stamped")
	}
	current, _ := h.store.GetRequest(ctx, agg.Request.ID)
	if current.Request.Status != model.RequestStatusInProgress {
		t.Errorf("request status = %s, want in_progress", current.Request.Status)
	}

	done, err := h.svc.CompleteJob(ctx, pa, jobA.ID)
	if err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	if done.EndTime == nil {
		t.Error("EndTime not stamped")
	}
	if done.CommissionRate != "10" || done.ProviderEarnings != "180.00" || done.Amount != "200.00" {
		t.Errorf("earnings = rate %s, earnings %s, amount %s; want 10, 180.00, 200.00",
			done.CommissionRate, done.ProviderEarnings, done.Amount)
	}

	// A commission change after completion must not touch the recorded payout.
	h.settings.set(func(s *config.Settings) { s.CommissionPercentage = decimal.NewFromInt(25) })
	if _, err := h.svc.CompleteJob(ctx, pa, jobA.ID); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second CompleteJob() error = %v, want ErrAlreadyProcessed", err)
	}

	final, err := h.store.GetRequest(ctx, agg.Request.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if final.Request.Status != model.RequestStatusCompleted {
		t.Errorf("request status = %s, want completed", final.Request.Status)
	}
	if j := final.Job(jobA.ID); j.ProviderEarnings != "180.00" {
		t.Errorf("provider earnings = %s after second completion, want 180.00", j.ProviderEarnings)
	}
	if len(final.Invoices) != 1 {
		t.Fatalf("len(Invoices) = %d, want 1", len(final.Invoices))
	}
	inv := final.Invoices[0]
	if inv.Subtotal != "200.00" || inv.Total != "200.00" || inv.Tax != "0.00" || inv.Paid {
		t.Errorf("invoice = %+v", inv)
	}
	p, err := h.store.GetProvider(ctx, "prv_a")
	if err != nil {
		t.Fatalf("GetProvider() error = %v", err)
	}
	if p.CompletedJobs != 1 {
		t.Errorf("CompletedJobs = %d, want 1", p.CompletedJobs)
	}
	if n := h.sink.count(events.EventJobCompleted); n != 1 {
		t.Errorf("job.completed events = %d, want 1", n)
	}
	if n := h.sink.count(events.EventInvoiceCreated); n != 1 {
		t.Errorf("invoice.created events = %d, want 1", n)
	}
}

func TestCompleteJobWithoutBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")
	agg := h.createRequest(t, CreateRequestInput{})
	pa := providerActor("prv_a")
	if _, err := h.svc.AcceptJob(ctx, pa, agg.Jobs[0].ID); err != nil {
		t.Fatalf("AcceptJob() error = %v", err)
	}
	// Completing straight from accepted is allowed.
	done, err := h.svc.CompleteJob(ctx, pa, agg.Jobs[0].ID)
	if err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	if done.ProviderEarnings != "0.00" {
		t.Errorf("ProviderEarnings = %s, want 0.00", done.ProviderEarnings)
	}
	final, _ := h.store.GetRequest(ctx, agg.Request.ID)
	if len(final.Invoices) != 1 || final.Invoices[0].Total != "0.00" {
		t.Errorf("invoices = %+v, want one with total 0.00", final.Invoices)
	}
}

func TestDeclineAndCancelJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")
	h.addProvider(t, "prv_b", model.AvailabilityAvailable, "plumbing")
	agg := h.createRequest(t, CreateRequestInput{})
	jobA, jobB := agg.Jobs[0], agg.Jobs[1]

	declined, err := h.svc.DeclineJob(ctx, providerActor("prv_a"), jobA.ID)
	if err != nil || declined.Status != model.JobStatusDeclined {
		t.Fatalf("DeclineJob() = %s, %v", declined.Status, err)
	}
	if _, err := h.svc.AcceptJob(ctx, providerActor("prv_a"), jobA.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("AcceptJob(declined) error = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.svc.CancelJob(ctx, stranger, jobB.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("CancelJob(stranger) error = %v, want ErrUnauthorized", err)
	}
	cancelled, err := h.svc.CancelJob(ctx, customer, jobB.ID)
	if err != nil || cancelled.Status != model.JobStatusCancelled {
		t.Fatalf("CancelJob() = %s, %v", cancelled.Status, err)
	}
	if _, err := h.svc.CancelJob(ctx, admin, jobB.ID); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second CancelJob() error = %v, want ErrAlreadyProcessed", err)
	}
	if _, err := h.svc.CancelJob(ctx, admin, "job_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CancelJob(missing) error = %v, want ErrNotFound", err)
	}

	// Cancelling jobs leaves the request open for a new offer.
	current, _ := h.store.GetRequest(ctx, agg.Request.ID)
	if current.Request.Status != model.RequestStatusPending {
		t.Errorf("request status = %s, want pending", current.Request.Status)
	}
	job, err := h.svc.CreateDirect(ctx, customer, agg.Request.ID, "prv_b")
	if err != nil {
		t.Fatalf("CreateDirect() error = %v", err)
	}
	if job.ProviderID != "prv_b" || job.Status != model.JobStatusPending {
		t.Errorf("job = %+v", job)
	}
	if _, err := h.svc.CreateDirect(ctx, customer, agg.Request.ID, "prv_b"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second CreateDirect() error = %v, want ErrAlreadyProcessed", err)
	}
	jobs, err := h.svc.CreateBroadcast(ctx, customer, agg.Request.ID)
	if err != nil {
		t.Fatalf("CreateBroadcast() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].ProviderID != "prv_a" {
		t.Errorf("broadcast jobs = %+v, want one for prv_a", jobs)
	}
}

func TestCancelAssignedJobReopensRequest(t *testing.T) {
	tests := []struct {
		name  string
		start bool
	}{
		{name: "accepted job"},
		{name: "started job", start: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")
			h.addProvider(t, "prv_b", model.AvailabilityAvailable, "plumbing")
			agg := h.createRequest(t, CreateRequestInput{ProviderID: "prv_a"})
			job := agg.Jobs[0]

			if _, err := h.svc.AcceptJob(ctx, providerActor("prv_a"), job.ID); err != nil {
				t.Fatalf("AcceptJob() error = %v", err)
			}
			if tt.start {
				if _, err := h.svc.StartJob(ctx, providerActor("prv_a"), job.ID); err != nil {
					t.Fatalf("StartJob() error = %v", err)
				}
			}
			if _, err := h.svc.CancelJob(ctx, providerActor("prv_a"), job.ID); err != nil {
				t.Fatalf("CancelJob() error = %v", err)
			}

			current, err := h.store.GetRequest(ctx, agg.Request.ID)
			if err != nil {
				t.Fatalf("GetRequest() error = %v", err)
			}
			if current.Request.Status != model.RequestStatusPending {
				t.Errorf("request status = %s, want pending", current.Request.Status)
			}
			if n := current.ActiveJobs(); n != 0 {
				t.Errorf("active jobs = %d, want 0", n)
			}
			if n := h.sink.count(events.EventRequestReopened); n != 1 {
				t.Errorf("reopened events = %d, want 1", n)
			}

			if _, err := h.svc.CreateDirect(ctx, customer, agg.Request.ID, "prv_b"); err != nil {
				t.Errorf("CreateDirect() after cancel error = %v", err)
			}
			if _, err := h.svc.CreateBroadcast(ctx, customer, agg.Request.ID); err != nil {
				t.Errorf("CreateBroadcast() after cancel error = %v", err)
			}
			if _, err := h.svc.OpenForBids(ctx, customer, agg.Request.ID); err != nil {
				t.Errorf("OpenForBids() after cancel error = %v", err)
			}
			if _, err := h.svc.SubmitBid(ctx, providerActor("prv_a"), agg.Request.ID, BidInput{Amount: "90"}); err != nil {
				t.Errorf("SubmitBid() after cancel error = %v", err)
			}
		})
	}
}

func TestCancelPendingJobKeepsAssignment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")
	agg := h.createRequest(t, CreateRequestInput{ProviderID: "prv_a"})
	if _, err := h.svc.AcceptJob(ctx, providerActor("prv_a"), agg.Jobs[0].ID); err != nil {
		t.Fatalf("AcceptJob() error = %v", err)
	}
	if _, err := h.svc.CompleteJob(ctx, providerActor("prv_a"), agg.Jobs[0].ID); err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	if _, err := h.svc.CancelJob(ctx, customer, agg.Jobs[0].ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CancelJob(completed) error = %v, want ErrInvalidTransition", err)
	}
	current, _ := h.store.GetRequest(ctx, agg.Request.ID)
	if current.Request.Status != model.RequestStatusCompleted {
		t.Errorf("request status = %s, want completed", current.Request.Status)
	}
	if n := h.sink.count(events.EventRequestReopened); n != 0 {
		t.Errorf("reopened events = %d, want 0", n)
	}
}

func TestAcceptBidDoesNotWaitForWebhooks(t *testing.T) {
	release := make(chan struct{})
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer webhook.Close()
	defer close(release)

	pub := events.NewPublisher("sx-engine", httpclient.NewClient("sx-engine-webhooks", 2*time.Second))
	pub.RegisterEndpoint(events.AllEvents, webhook.URL)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = pub.Close(ctx)
	}()

	h := newHarness(t)
	h.svc = New(h.store, pub, h.settings)
	for _, id := range []string{"prv_a", "prv_b", "prv_c", "prv_d", "prv_e"} {
		h.addProvider(t, id, model.AvailabilityBusy, "plumbing")
	}
	_, bids := openWithBids(t, h, "prv_a", "prv_b", "prv_c", "prv_d", "prv_e")

	start := time.Now()
	if _, err := h.svc.AcceptBid(context.Background(), customer, bids[0].ID); err != nil {
		t.Fatalf("AcceptBid() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("AcceptBid() took %v with a stalled webhook", elapsed)
	}
}

func TestCancelRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")
	h.addProvider(t, "prv_b", model.AvailabilityBusy, "plumbing")
	agg, _ := openWithBids(t, h, "prv_b")

	if _, err := h.svc.CancelRequest(ctx, stranger, agg.Request.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("CancelRequest(stranger) error = %v, want ErrUnauthorized", err)
	}
	req, err := h.svc.CancelRequest(ctx, customer, agg.Request.ID)
	if err != nil {
		t.Fatalf("CancelRequest() error = %v", err)
	}
	if req.Status != model.RequestStatusCancelled {
		t.Errorf("status = %s, want cancelled", req.Status)
	}
	final, _ := h.store.GetRequest(ctx, agg.Request.ID)
	for _, j := range final.Jobs {
		if j.Status != model.JobStatusCancelled {
			t.Errorf("job %s status = %s, want cancelled", j.ID, j.Status)
		}
	}
	for _, b := range final.Bids {
		if b.Status != model.BidStatusRejected {
			t.Errorf("bid %s status = %s, want rejected", b.ID, b.Status)
		}
	}
	if _, err := h.svc.CancelRequest(ctx, customer, agg.Request.ID); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second CancelRequest() error = %v, want ErrAlreadyProcessed", err)
	}
	if _, err := h.svc.SubmitBid(ctx, providerActor("prv_a"), agg.Request.ID, BidInput{Amount: "5"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("SubmitBid(cancelled) error = %v, want ErrInvalidTransition", err)
	}
}

// completeFor runs a fresh request for provider through to completion.
func completeFor(t *testing.T, h *harness, providerID, budget string) model.Job {
	t.Helper()
	ctx := context.Background()
	agg := h.createRequest(t, CreateRequestInput{Budget: budget, ProviderID: providerID})
	pa := providerActor(providerID)
	if _, err := h.svc.AcceptJob(ctx, pa, agg.Jobs[0].ID); err != nil {
		t.Fatalf("AcceptJob() error = %v", err)
	}
	job, err := h.svc.CompleteJob(ctx, pa, agg.Jobs[0].ID)
	if err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	return job
}

func TestCreateReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")

	pending := h.createRequest(t, CreateRequestInput{ProviderID: "prv_a"})
	if _, err := h.svc.CreateReview(ctx, customer, pending.Jobs[0].ID, ReviewInput{Rating: 5}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CreateReview(pending job) error = %v, want ErrInvalidTransition", err)
	}

	var jobs []model.Job
	for i := 0; i < 3; i++ {
		jobs = append(jobs, completeFor(t, h, "prv_a", "100"))
	}
	for i, r := range []int{5, 4, 3} {
		if _, err := h.svc.CreateReview(ctx, customer, jobs[i].ID, ReviewInput{Rating: r, Comment: "ok"}); err != nil {
			t.Fatalf("CreateReview(%d) error = %v", r, err)
		}
	}
	p, err := h.store.GetProvider(ctx, "prv_a")
	if err != nil {
		t.Fatalf("GetProvider() error = %v", err)
	}
	if p.Rating != 4 {
		t.Errorf("Rating = %v, want 4", p.Rating)
	}
	if n := h.sink.count(events.EventProviderRatingUpdate); n != 3 {
		t.Errorf("rating events = %d, want 3", n)
	}
	// Each rating change names its review.
	seen := map[any]bool{}
	for _, data := range h.sink.payloads(events.EventProviderRatingUpdate) {
		id, _ := data["review_id"].(string)
		if id == "" || seen[id] {
			t.Errorf("rating event review_id = %v, want a distinct review id", data["review_id"])
		}
		seen[id] = true
	}

	tests := []struct {
		name  string
		actor model.Actor
		in    ReviewInput
		want  error
	}{
		{"duplicate", customer, ReviewInput{Rating: 2}, ErrDuplicateReview},
		{"rating too high", customer, ReviewInput{Rating: 6}, ErrValidation},
		{"rating missing", customer, ReviewInput{}, ErrValidation},
		{"not the owner", stranger, ReviewInput{Rating: 1}, ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.CreateReview(ctx, tt.actor, jobs[0].ID, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("CreateReview() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMarkInvoicePaid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")
	job := completeFor(t, h, "prv_a", "80")
	agg, _ := h.store.GetRequest(ctx, job.RequestID)
	inv := agg.InvoiceForJob(job.ID)
	if inv == nil {
		t.Fatal("no invoice for completed job")
	}

	if _, err := h.svc.MarkInvoicePaid(ctx, stranger, inv.ID, PaymentInput{PaymentMethod: "card"}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("MarkInvoicePaid(stranger) error = %v, want ErrUnauthorized", err)
	}
	if _, err := h.svc.MarkInvoicePaid(ctx, customer, inv.ID, PaymentInput{}); !errors.Is(err, ErrValidation) {
		t.Errorf("MarkInvoicePaid(no method) error = %v, want ErrValidation", err)
	}
	paid, err := h.svc.MarkInvoicePaid(ctx, customer, inv.ID, PaymentInput{PaymentMethod: "card"})
	if err != nil {
		t.Fatalf("MarkInvoicePaid() error = %v", err)
	}
	if !paid.Paid || paid.PaidAt == nil || paid.PaymentMethod != "card" {
		t.Errorf("invoice = %+v", paid)
	}
	if _, err := h.svc.MarkInvoicePaid(ctx, admin, inv.ID, PaymentInput{PaymentMethod: "cash"}); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second MarkInvoicePaid() error = %v, want ErrAlreadyProcessed", err)
	}
}

func TestProviderEarnings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")
	completeFor(t, h, "prv_a", "200")
	h.settings.set(func(s *config.Settings) { s.CommissionPercentage = decimal.NewFromInt(20) })
	completeFor(t, h, "prv_a", "50")

	sum, err := h.svc.ProviderEarnings(ctx, providerActor("prv_a"), "prv_a")
	if err != nil {
		t.Fatalf("ProviderEarnings() error = %v", err)
	}
	if sum.CompletedJobs != 2 || sum.GrossAmount != "250.00" || sum.TotalEarnings != "220.00" || sum.TotalCommission != "30.00" {
		t.Errorf("summary = %+v", sum)
	}
	if !sum.PayoutEligible {
		t.Error("PayoutEligible = false, want true")
	}
	if _, err := h.svc.ProviderEarnings(ctx, providerActor("prv_b"), "prv_a"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("ProviderEarnings(other) error = %v, want ErrUnauthorized", err)
	}
	if _, err := h.svc.ProviderEarnings(ctx, admin, "prv_none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ProviderEarnings(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRecommend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	near := &model.GeoPoint{Lat: 41.0, Lon: 29.0}
	for _, p := range []model.Provider{
		{ID: "prv_far", Categories: []string{"plumbing"}, Location: &model.GeoPoint{Lat: 42.0, Lon: 29.0}, Rating: 5, Availability: model.AvailabilityAvailable},
		{ID: "prv_near", Categories: []string{"plumbing"}, Location: near, Rating: 5, Availability: model.AvailabilityAvailable},
		{ID: "prv_other", Categories: []string{"electrical"}, Location: near, Rating: 5, Availability: model.AvailabilityAvailable},
	} {
		if err := h.store.SaveProvider(ctx, p); err != nil {
			t.Fatalf("SaveProvider() error = %v", err)
		}
	}
	agg := h.createRequest(t, CreateRequestInput{Lat: ptr(41.0), Lon: ptr(29.0)})

	matches, err := h.svc.Recommend(ctx, customer, agg.Request.ID)
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if len(matches) != 2 || matches[0].ProviderID != "prv_near" || matches[1].ProviderID != "prv_far" {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Rank != 1 || matches[0].Score <= matches[1].Score {
		t.Errorf("ranking out of order: %+v", matches)
	}
	if _, err := h.svc.Recommend(ctx, providerActor("prv_near"), agg.Request.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Recommend(provider) error = %v, want ErrUnauthorized", err)
	}
}

func TestGetRequestVisibility(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addProvider(t, "prv_a", model.AvailabilityAvailable, "plumbing")
	h.addProvider(t, "prv_b", model.AvailabilityAvailable, "plumbing")
	agg := h.createRequest(t, CreateRequestInput{})

	full, err := h.svc.GetRequest(ctx, customer, agg.Request.ID)
	if err != nil || len(full.Jobs) != 2 {
		t.Fatalf("GetRequest(owner) jobs = %d, err = %v", len(full.Jobs), err)
	}
	view, err := h.svc.GetRequest(ctx, providerActor("prv_b"), agg.Request.ID)
	if err != nil {
		t.Fatalf("GetRequest(provider) error = %v", err)
	}
	if len(view.Jobs) != 1 || view.Jobs[0].ProviderID != "prv_b" {
		t.Errorf("provider view jobs = %+v", view.Jobs)
	}
	if _, err := h.svc.GetRequest(ctx, stranger, agg.Request.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("GetRequest(stranger) error = %v, want ErrUnauthorized", err)
	}
	if _, err := h.svc.GetRequest(ctx, admin, "req_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRequest(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpsertProvider(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	in := ProviderInput{Name: "Ada Plumbing", Categories: []string{"plumbing"}, Availability: model.AvailabilityAvailable}

	created, err := h.svc.UpsertProvider(ctx, providerActor("prv_a"), "prv_a", in)
	if err != nil {
		t.Fatalf("UpsertProvider(create) error = %v", err)
	}
	if created.Rating != 0 || created.CreatedAt.IsZero() {
		t.Errorf("created = %+v", created)
	}
	if err := h.store.UpdateProvider(ctx, "prv_a", func(p *model.Provider) error { p.Rating = 4.5; return nil }); err != nil {
		t.Fatalf("UpdateProvider() error = %v", err)
	}
	in.Availability = model.AvailabilityBusy
	updated, err := h.svc.UpsertProvider(ctx, admin, "prv_a", in)
	if err != nil {
		t.Fatalf("UpsertProvider(update) error = %v", err)
	}
	if updated.Availability != model.AvailabilityBusy || updated.Rating != 4.5 {
		t.Errorf("updated = %+v, want busy with rating kept", updated)
	}

	tests := []struct {
		name  string
		actor model.Actor
		in    ProviderInput
		want  error
	}{
		{"other provider", providerActor("prv_b"), in, ErrUnauthorized},
		{"no categories", admin, ProviderInput{Name: "x", Availability: model.AvailabilityBusy}, ErrValidation},
		{"unknown availability", admin, ProviderInput{Name: "x", Categories: []string{"a"}, Availability: "sometimes"}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.UpsertProvider(ctx, tt.actor, "prv_a", tt.in); !errors.Is(err, tt.want) {
				t.Errorf("UpsertProvider() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// lateCreateStore lets a competing writer create the provider between
// UpsertProvider's update attempt and its insert.
type lateCreateStore struct {
	*store.MemoryStore
	raced bool
}

func (s *lateCreateStore) UpdateProvider(ctx context.Context, providerID string, fn func(*model.Provider) error) error {
	if !s.raced {
		s.raced = true
		err := s.MemoryStore.CreateProvider(ctx, model.Provider{ID: providerID, Name: "first writer", Categories: []string{"cleaning"}, Rating: 4.5})
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: provider %s", store.ErrNotFound, providerID)
	}
	return s.MemoryStore.UpdateProvider(ctx, providerID, fn)
}

func TestUpsertProviderLosesCreateRace(t *testing.T) {
	ctx := context.Background()
	st := &lateCreateStore{MemoryStore: store.NewMemoryStore()}
	svc := New(st, &recordingSink{}, config.StaticSettings(config.DefaultSettings()))

	in := ProviderInput{Name: "Ada Plumbing", Categories: []string{"plumbing"}, Availability: model.AvailabilityAvailable}
	saved, err := svc.UpsertProvider(ctx, providerActor("prv_a"), "prv_a", in)
	if err != nil {
		t.Fatalf("UpsertProvider() error = %v", err)
	}
	if saved.Name != "Ada Plumbing" || saved.Rating != 4.5 {
		t.Errorf("saved = %+v, want our profile over the first writer's rating", saved)
	}
	got, err := st.GetProvider(ctx, "prv_a")
	if err != nil {
		t.Fatalf("GetProvider() error = %v", err)
	}
	if !got.ServesCategory("plumbing") || got.Rating != 4.5 {
		t.Errorf("stored = %+v", got)
	}
}

func TestUpsertProviderConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	in := ProviderInput{Name: "Ada Plumbing", Categories: []string{"plumbing"}, Availability: model.AvailabilityAvailable}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.UpsertProvider(ctx, providerActor("prv_a"), "prv_a", in)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("UpsertProvider() error = %v", err)
		}
	}
	if _, err := h.store.GetProvider(ctx, "prv_a"); err != nil {
		t.Errorf("GetProvider() error = %v", err)
	}
}
