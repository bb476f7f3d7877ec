package store

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

// FirestoreStore implements Store on Cloud Firestore. Units of work run in
// Firestore transactions; the client retries them on contention.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) requestRef(id string) *firestore.DocumentRef {
	return s.client.Collection("requests").Doc(id)
}

func (s *FirestoreStore) providerRef(id string) *firestore.DocumentRef {
	return s.client.Collection("providers").Doc(id)
}

func (s *FirestoreStore) children(kind Kind) *firestore.CollectionRef {
	return s.client.Collection(string(kind))
}

func (s *FirestoreStore) CreateRequest(ctx context.Context, agg Aggregate) error {
	if err := agg.checkOwnership(); err != nil {
		return err
	}
	if err := checkUnique(agg); err != nil {
		return err
	}
	agg.Request.Version = 1
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(s.requestRef(agg.Request.ID), agg.Request); err != nil {
			return err
		}
		return s.writeChildren(tx, agg)
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%w: request %s already exists", ErrConflict, agg.Request.ID)
	}
	return err
}

func (s *FirestoreStore) GetRequest(ctx context.Context, requestID string) (Aggregate, error) {
	var agg Aggregate
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var err error
		agg, err = s.load(tx, requestID)
		return err
	}, firestore.ReadOnly)
	return agg, err
}

func (s *FirestoreStore) UpdateRequest(ctx context.Context, requestID string, fn func(*Aggregate) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		agg, err := s.load(tx, requestID)
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
		agg.Request.Version = version + 1
		if err := tx.Set(s.requestRef(requestID), agg.Request); err != nil {
			return err
		}
		return s.writeChildren(tx, agg)
	})
}

// load performs every read of a unit; Firestore requires reads before writes.
func (s *FirestoreStore) load(tx *firestore.Transaction, requestID string) (Aggregate, error) {
	snap, err := tx.Get(s.requestRef(requestID))
	if status.Code(err) == codes.NotFound {
		return Aggregate{}, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	if err != nil {
		return Aggregate{}, err
	}
	var agg Aggregate
	if err := snap.DataTo(&agg.Request); err != nil {
		return Aggregate{}, fmt.Errorf("decode request: %w", err)
	}

	if agg.Bids, err = txDocs[model.Bid](tx, s.children(KindBid).Where("request_id", "==", requestID)); err != nil {
		return Aggregate{}, fmt.Errorf("load bids: %w", err)
	}
	if agg.Jobs, err = txDocs[model.Job](tx, s.children(KindJob).Where("request_id", "==", requestID)); err != nil {
		return Aggregate{}, fmt.Errorf("load jobs: %w", err)
	}
	if agg.Invoices, err = txDocs[model.Invoice](tx, s.children(KindInvoice).Where("request_id", "==", requestID)); err != nil {
		return Aggregate{}, fmt.Errorf("load invoices: %w", err)
	}
	if agg.Reviews, err = txDocs[model.Review](tx, s.children(KindReview).Where("request_id", "==", requestID)); err != nil {
		return Aggregate{}, fmt.Errorf("load reviews: %w", err)
	}
	agg.sortChildren()
	return agg, nil
}

func (s *FirestoreStore) writeChildren(tx *firestore.Transaction, agg Aggregate) error {
	for _, b := range agg.Bids {
		if err := tx.Set(s.children(KindBid).Doc(b.ID), b); err != nil {
			return fmt.Errorf("write bid %s: %w", b.ID, err)
		}
	}
	for _, j := range agg.Jobs {
		if err := tx.Set(s.children(KindJob).Doc(j.ID), j); err != nil {
			return fmt.Errorf("write job %s: %w", j.ID, err)
		}
	}
	for _, inv := range agg.Invoices {
		if err := tx.Set(s.children(KindInvoice).Doc(inv.ID), inv); err != nil {
			return fmt.Errorf("write invoice %s: %w", inv.ID, err)
		}
	}
	for _, r := range agg.Reviews {
		if err := tx.Set(s.children(KindReview).Doc(r.ID), r); err != nil {
			return fmt.Errorf("write review %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *FirestoreStore) RequestIDOf(ctx context.Context, kind Kind, id string) (string, error) {
	switch kind {
	case KindBid, KindJob, KindInvoice, KindReview:
	default:
		return "", fmt.Errorf("unknown kind %q", kind)
	}
	snap, err := s.children(kind).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return "", err
	}
	v, err := snap.DataAt("request_id")
	if err != nil {
		return "", err
	}
	requestID, _ := v.(string)
	return requestID, nil
}

// Providers

func (s *FirestoreStore) SaveProvider(ctx context.Context, provider model.Provider) error {
	if _, err := s.providerRef(provider.ID).Set(ctx, provider); err != nil {
		return fmt.Errorf("save provider: %w", err)
	}
	return nil
}

func (s *FirestoreStore) CreateProvider(ctx context.Context, provider model.Provider) error {
	if _, err := s.providerRef(provider.ID).Create(ctx, provider); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: provider %s already exists", ErrConflict, provider.ID)
		}
		return fmt.Errorf("create provider: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetProvider(ctx context.Context, providerID string) (model.Provider, error) {
	snap, err := s.providerRef(providerID).Get(ctx)
	return decodeProvider(snap, providerID, err)
}

func decodeProvider(snap *firestore.DocumentSnapshot, providerID string, err error) (model.Provider, error) {
	if status.Code(err) == codes.NotFound {
		return model.Provider{}, fmt.Errorf("%w: provider %s", ErrNotFound, providerID)
	}
	if err != nil {
		return model.Provider{}, fmt.Errorf("get provider: %w", err)
	}
	var p model.Provider
	if err := snap.DataTo(&p); err != nil {
		return model.Provider{}, fmt.Errorf("decode provider: %w", err)
	}
	return p, nil
}

func (s *FirestoreStore) ListProviders(ctx context.Context, category string) ([]model.Provider, error) {
	q := s.client.Collection("providers").Query
	if category != "" {
		q = q.Where("categories", "array-contains", category)
	}
	providers, err := iterDocs[model.Provider](q.Documents(ctx))
	if err != nil {
		return nil, err
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].ID < providers[j].ID })
	return providers, nil
}

func (s *FirestoreStore) UpdateProvider(ctx context.Context, providerID string, fn func(*model.Provider) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.providerRef(providerID))
		p, err := decodeProvider(snap, providerID, err)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.ID = providerID
		return tx.Set(s.providerRef(providerID), p)
	})
}

func (s *FirestoreStore) ListJobsByProvider(ctx context.Context, providerID string) ([]model.Job, error) {
	jobs, err := iterDocs[model.Job](s.children(KindJob).Where("provider_id", "==", providerID).Documents(ctx))
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *FirestoreStore) ListReviewsByProvider(ctx context.Context, providerID string) ([]model.Review, error) {
	reviews, err := iterDocs[model.Review](s.children(KindReview).Where("provider_id", "==", providerID).Documents(ctx))
	if err != nil {
		return nil, err
	}
	sort.Slice(reviews, func(i, j int) bool { return reviews[i].ID < reviews[j].ID })
	return reviews, nil
}

func (s *FirestoreStore) CountCompletedJobs(ctx context.Context, providerIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(providerIDs))
	for _, id := range providerIDs {
		iter := s.children(KindJob).
			Where("provider_id", "==", id).
			Where("status", "==", string(model.JobStatusCompleted)).
			Select().
			Documents(ctx)
		n := 0
		for {
			_, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return nil, fmt.Errorf("count jobs: %w", err)
			}
			n++
		}
		iter.Stop()
		if n > 0 {
			counts[id] = n
		}
	}
	return counts, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func txDocs[T any](tx *firestore.Transaction, q firestore.Query) ([]T, error) {
	return iterDocs[T](tx.Documents(q))
}

func iterDocs[T any](iter *firestore.DocumentIterator) ([]T, error) {
	defer iter.Stop()
	var out []T
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var v T
		if err := doc.DataTo(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
