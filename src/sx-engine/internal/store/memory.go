package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

// MemoryStore implements Store in process memory. Units of work on one request
// are serialized by a per-request lock and committed under the data lock, so
// readers never observe half of a commit.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]model.Request
	bids      map[string]model.Bid
	jobs      map[string]model.Job
	invoices  map[string]model.Invoice
	reviews   map[string]model.Review
	providers map[string]model.Provider

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]model.Request),
		bids:      make(map[string]model.Bid),
		jobs:      make(map[string]model.Job),
		invoices:  make(map[string]model.Invoice),
		reviews:   make(map[string]model.Review),
		providers: make(map[string]model.Provider),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *MemoryStore) CreateRequest(ctx context.Context, agg Aggregate) error {
	if err := agg.checkOwnership(); err != nil {
		return err
	}
	if err := checkUnique(agg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[agg.Request.ID]; ok {
		return fmt.Errorf("%w: request %s already exists", ErrConflict, agg.Request.ID)
	}
	agg.Request.Version = 1
	s.commitLocked(agg.Clone())
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, requestID string) (Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked(requestID)
}

func (s *MemoryStore) UpdateRequest(ctx context.Context, requestID string, fn func(*Aggregate) error) error {
	l := s.lockFor(requestID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	agg, err := s.loadLocked(requestID)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	version := agg.Request.Version
	if err := fn(&agg); err != nil {
		return err
	}
	agg.Request.ID = requestID
	if err := agg.checkOwnership(); err != nil {
		return err
	}
	if err := checkUnique(agg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests[requestID].Version != version {
		return fmt.Errorf("%w: request %s changed during update", ErrConflict, requestID)
	}
	agg.Request.Version = version + 1
	s.commitLocked(agg)
	return nil
}

func (s *MemoryStore) RequestIDOf(ctx context.Context, kind Kind, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		requestID string
		ok        bool
	)
	switch kind {
	case KindBid:
		var b model.Bid
		b, ok = s.bids[id]
		requestID = b.RequestID
	case KindJob:
		var j model.Job
		j, ok = s.jobs[id]
		requestID = j.RequestID
	case KindInvoice:
		var inv model.Invoice
		inv, ok = s.invoices[id]
		requestID = inv.RequestID
	case KindReview:
		var r model.Review
		r, ok = s.reviews[id]
		requestID = r.RequestID
	default:
		return "", fmt.Errorf("unknown kind %q", kind)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return requestID, nil
}

func (s *MemoryStore) loadLocked(requestID string) (Aggregate, error) {
	req, ok := s.requests[requestID]
	if !ok {
		return Aggregate{}, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	agg := Aggregate{Request: req}
	for _, b := range s.bids {
		if b.RequestID == requestID {
			agg.Bids = append(agg.Bids, b)
		}
	}
	for _, j := range s.jobs {
		if j.RequestID == requestID {
			agg.Jobs = append(agg.Jobs, j)
		}
	}
	for _, inv := range s.invoices {
		if inv.RequestID == requestID {
			agg.Invoices = append(agg.Invoices, inv)
		}
	}
	for _, r := range s.reviews {
		if r.RequestID == requestID {
			agg.Reviews = append(agg.Reviews, r)
		}
	}
	agg.sortChildren()
	return agg.Clone(), nil
}

func (s *MemoryStore) commitLocked(agg Aggregate) {
	s.requests[agg.Request.ID] = agg.Request
	for _, b := range agg.Bids {
		s.bids[b.ID] = b
	}
	for _, j := range agg.Jobs {
		s.jobs[j.ID] = j
	}
	for _, inv := range agg.Invoices {
		s.invoices[inv.ID] = inv
	}
	for _, r := range agg.Reviews {
		s.reviews[r.ID] = r
	}
}

// Providers

func (s *MemoryStore) SaveProvider(ctx context.Context, provider model.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[provider.ID] = cloneProvider(provider)
	return nil
}

func (s *MemoryStore) CreateProvider(ctx context.Context, provider model.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[provider.ID]; ok {
		return fmt.Errorf("%w: provider %s already exists", ErrConflict, provider.ID)
	}
	s.providers[provider.ID] = cloneProvider(provider)
	return nil
}

func (s *MemoryStore) GetProvider(ctx context.Context, providerID string) (model.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[providerID]
	if !ok {
		return model.Provider{}, fmt.Errorf("%w: provider %s", ErrNotFound, providerID)
	}
	return cloneProvider(p), nil
}

func (s *MemoryStore) ListProviders(ctx context.Context, category string) ([]model.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.Provider
	for _, p := range s.providers {
		if category == "" || p.ServesCategory(category) {
			result = append(result, cloneProvider(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) UpdateProvider(ctx context.Context, providerID string, fn func(*model.Provider) error) error {
	l := s.lockFor("provider/" + providerID)
	l.Lock()
	defer l.Unlock()

	p, err := s.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if err := fn(&p); err != nil {
		return err
	}
	p.ID = providerID
	return s.SaveProvider(ctx, p)
}

func (s *MemoryStore) ListJobsByProvider(ctx context.Context, providerID string) ([]model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.Job
	for _, j := range s.jobs {
		if j.ProviderID == providerID {
			result = append(result, cloneJob(j))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) ListReviewsByProvider(ctx context.Context, providerID string) ([]model.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.Review
	for _, r := range s.reviews {
		if r.ProviderID == providerID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) CountCompletedJobs(ctx context.Context, providerIDs []string) (map[string]int, error) {
	want := make(map[string]bool, len(providerIDs))
	for _, id := range providerIDs {
		want[id] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int, len(providerIDs))
	for _, j := range s.jobs {
		if want[j.ProviderID] && j.Status == model.JobStatusCompleted {
			counts[j.ProviderID]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// checkUnique enforces the constraints the database backends declare as
// unique indexes.
func checkUnique(agg Aggregate) error {
	pending := make(map[string]bool)
	for _, b := range agg.Bids {
		if b.Status != model.BidStatusPending {
			continue
		}
		if pending[b.ProviderID] {
			return fmt.Errorf("%w: provider %s has two pending bids on request %s", ErrConflict, b.ProviderID, agg.Request.ID)
		}
		pending[b.ProviderID] = true
	}
	invoiced := make(map[string]bool)
	for _, inv := range agg.Invoices {
		if invoiced[inv.JobID] {
			return fmt.Errorf("%w: job %s has two invoices", ErrConflict, inv.JobID)
		}
		invoiced[inv.JobID] = true
	}
	reviewed := make(map[string]bool)
	for _, r := range agg.Reviews {
		if reviewed[r.JobID] {
			return fmt.Errorf("%w: job %s has two reviews", ErrConflict, r.JobID)
		}
		reviewed[r.JobID] = true
	}
	return nil
}
