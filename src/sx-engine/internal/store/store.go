package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost write race or a uniqueness violation at commit.
	ErrConflict = errors.New("conflicting write")
)

// Kind names a child entity collection of a request.
type Kind string

const (
	KindBid     Kind = "bids"
	KindJob     Kind = "jobs"
	KindInvoice Kind = "invoices"
	KindReview  Kind = "reviews"
)

// Store persists requests together with their bids, jobs, invoices and reviews,
// plus the provider directory.
//
// UpdateRequest loads the freshest committed aggregate for requestID inside one
// isolated unit, runs fn on it and commits every entity of the aggregate
// atomically when fn returns nil. fn may be invoked more than once and must
// not have side effects outside the aggregate. Each commit bumps
// Request.Version so that concurrent units on one request serialize.
type Store interface {
	CreateRequest(ctx context.Context, agg Aggregate) error
	GetRequest(ctx context.Context, requestID string) (Aggregate, error)
	UpdateRequest(ctx context.Context, requestID string, fn func(*Aggregate) error) error
	// RequestIDOf resolves the request owning the child entity id of kind.
	RequestIDOf(ctx context.Context, kind Kind, id string) (string, error)

	SaveProvider(ctx context.Context, provider model.Provider) error
	// CreateProvider inserts a new provider and fails with ErrConflict when
	// the id is taken.
	CreateProvider(ctx context.Context, provider model.Provider) error
	GetProvider(ctx context.Context, providerID string) (model.Provider, error)
	// ListProviders returns providers serving category ordered by id.
	// An empty category lists every provider.
	ListProviders(ctx context.Context, category string) ([]model.Provider, error)
	UpdateProvider(ctx context.Context, providerID string, fn func(*model.Provider) error) error

	ListJobsByProvider(ctx context.Context, providerID string) ([]model.Job, error)
	ListReviewsByProvider(ctx context.Context, providerID string) ([]model.Review, error)
	CountCompletedJobs(ctx context.Context, providerIDs []string) (map[string]int, error)

	Close() error
}

// Migrator is implemented by backends that need indexes or schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Aggregate is a request and every entity hanging off it.
type Aggregate struct {
	Request  model.Request   `json:"request"`
	Bids     []model.Bid     `json:"bids"`
	Jobs     []model.Job     `json:"jobs"`
	Invoices []model.Invoice `json:"invoices"`
	Reviews  []model.Review  `json:"reviews"`
}

// Pointers returned by the finders stay valid until the next Add call.

func (a *Aggregate) Bid(id string) *model.Bid {
	for i := range a.Bids {
		if a.Bids[i].ID == id {
			return &a.Bids[i]
		}
	}
	return nil
}

// OpenBidBy returns the provider's non-terminal bid, if any.
func (a *Aggregate) OpenBidBy(providerID string) *model.Bid {
	for i := range a.Bids {
		if a.Bids[i].ProviderID == providerID && !a.Bids[i].Status.IsTerminal() {
			return &a.Bids[i]
		}
	}
	return nil
}

func (a *Aggregate) Job(id string) *model.Job {
	for i := range a.Jobs {
		if a.Jobs[i].ID == id {
			return &a.Jobs[i]
		}
	}
	return nil
}

// ActiveJobs counts jobs that are neither cancelled nor declined.
func (a *Aggregate) ActiveJobs() int {
	n := 0
	for _, j := range a.Jobs {
		if j.Status.IsActive() {
			n++
		}
	}
	return n
}

func (a *Aggregate) Invoice(id string) *model.Invoice {
	for i := range a.Invoices {
		if a.Invoices[i].ID == id {
			return &a.Invoices[i]
		}
	}
	return nil
}

func (a *Aggregate) InvoiceForJob(jobID string) *model.Invoice {
	for i := range a.Invoices {
		if a.Invoices[i].JobID == jobID {
			return &a.Invoices[i]
		}
	}
	return nil
}

func (a *Aggregate) ReviewForJob(jobID string) *model.Review {
	for i := range a.Reviews {
		if a.Reviews[i].JobID == jobID {
			return &a.Reviews[i]
		}
	}
	return nil
}

func (a *Aggregate) AddBid(b model.Bid)           { a.Bids = append(a.Bids, b) }
func (a *Aggregate) AddJob(j model.Job)           { a.Jobs = append(a.Jobs, j) }
func (a *Aggregate) AddInvoice(inv model.Invoice) { a.Invoices = append(a.Invoices, inv) }
func (a *Aggregate) AddReview(r model.Review)     { a.Reviews = append(a.Reviews, r) }

// Clone returns a deep copy of a.
func (a Aggregate) Clone() Aggregate {
	out := Aggregate{
		Request:  cloneRequest(a.Request),
		Bids:     append([]model.Bid(nil), a.Bids...),
		Jobs:     make([]model.Job, len(a.Jobs)),
		Invoices: make([]model.Invoice, len(a.Invoices)),
		Reviews:  append([]model.Review(nil), a.Reviews...),
	}
	for i, j := range a.Jobs {
		out.Jobs[i] = cloneJob(j)
	}
	for i, inv := range a.Invoices {
		out.Invoices[i] = cloneInvoice(inv)
	}
	return out
}

// sortChildren orders child entities by id so that every backend returns the
// same aggregate for the same data.
func (a *Aggregate) sortChildren() {
	sort.Slice(a.Bids, func(i, j int) bool { return a.Bids[i].ID < a.Bids[j].ID })
	sort.Slice(a.Jobs, func(i, j int) bool { return a.Jobs[i].ID < a.Jobs[j].ID })
	sort.Slice(a.Invoices, func(i, j int) bool { return a.Invoices[i].ID < a.Invoices[j].ID })
	sort.Slice(a.Reviews, func(i, j int) bool { return a.Reviews[i].ID < a.Reviews[j].ID })
}

func (a *Aggregate) checkOwnership() error {
	id := a.Request.ID
	for _, b := range a.Bids {
		if b.RequestID != id {
			return fmt.Errorf("bid %s belongs to request %s, not %s", b.ID, b.RequestID, id)
		}
	}
	for _, j := range a.Jobs {
		if j.RequestID != id {
			return fmt.Errorf("job %s belongs to request %s, not %s", j.ID, j.RequestID, id)
		}
	}
	for _, inv := range a.Invoices {
		if inv.RequestID != id {
			return fmt.Errorf("invoice %s belongs to request %s, not %s", inv.ID, inv.RequestID, id)
		}
	}
	for _, r := range a.Reviews {
		if r.RequestID != id {
			return fmt.Errorf("review %s belongs to request %s, not %s", r.ID, r.RequestID, id)
		}
	}
	return nil
}

func cloneRequest(r model.Request) model.Request {
	if r.Location != nil {
		loc := *r.Location
		r.Location = &loc
	}
	return r
}

func cloneProvider(p model.Provider) model.Provider {
	p.Categories = append([]string(nil), p.Categories...)
	if p.Location != nil {
		loc := *p.Location
		p.Location = &loc
	}
	return p
}

func cloneJob(j model.Job) model.Job {
	if j.StartTime != nil {
		t := *j.StartTime
		j.StartTime = &t
	}
	if j.EndTime != nil {
		t := *j.EndTime
		j.EndTime = &t
	}
	return j
}

func cloneInvoice(inv model.Invoice) model.Invoice {
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		inv.PaidAt = &t
	}
	return inv
}
