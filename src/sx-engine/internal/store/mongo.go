package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

// MongoStore implements Store on MongoDB. Units of work run in multi-document
// transactions, which requires a replica set.
type MongoStore struct {
	client    *mongo.Client
	requests  *mongo.Collection
	bids      *mongo.Collection
	jobs      *mongo.Collection
	invoices  *mongo.Collection
	reviews   *mongo.Collection
	providers *mongo.Collection
}

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		client:    client,
		requests:  db.Collection("requests"),
		bids:      db.Collection(string(KindBid)),
		jobs:      db.Collection(string(KindJob)),
		invoices:  db.Collection(string(KindInvoice)),
		reviews:   db.Collection(string(KindReview)),
		providers: db.Collection("providers"),
	}
}

func (s *MongoStore) Migrate(ctx context.Context) error {
	return s.EnsureIndexes(ctx)
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.bids.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{
			Keys: bson.D{{Key: "request_id", Value: 1}, {Key: "provider_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(model.BidStatusPending)}),
		},
	})
	if err != nil {
		return fmt.Errorf("bid indexes: %w", err)
	}

	_, err = s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "provider_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("job indexes: %w", err)
	}

	_, err = s.invoices.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "job_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("invoice indexes: %w", err)
	}

	_, err = s.reviews.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "provider_id", Value: 1}}},
		{Keys: bson.D{{Key: "job_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("review indexes: %w", err)
	}

	_, err = s.providers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "categories", Value: 1}},
	})
	return err
}

func (s *MongoStore) transaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	opts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	}, opts)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (s *MongoStore) CreateRequest(ctx context.Context, agg Aggregate) error {
	if err := agg.checkOwnership(); err != nil {
		return err
	}
	if err := checkUnique(agg); err != nil {
		return err
	}
	agg.Request.Version = 1
	return s.transaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.requests.InsertOne(sc, agg.Request); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: request %s already exists", ErrConflict, agg.Request.ID)
			}
			return err
		}
		return s.writeChildren(sc, agg)
	})
}

func (s *MongoStore) GetRequest(ctx context.Context, requestID string) (Aggregate, error) {
	var agg Aggregate
	err := s.transaction(ctx, func(sc mongo.SessionContext) error {
		var err error
		agg, err = s.load(sc, requestID)
		return err
	})
	return agg, err
}

func (s *MongoStore) UpdateRequest(ctx context.Context, requestID string, fn func(*Aggregate) error) error {
	return s.transaction(ctx, func(sc mongo.SessionContext) error {
		agg, err := s.load(sc, requestID)
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
		res, err := s.requests.ReplaceOne(sc, bson.M{"_id": requestID, "version": version}, agg.Request)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%w: request %s changed during update", ErrConflict, requestID)
		}
		return s.writeChildren(sc, agg)
	})
}

func (s *MongoStore) load(ctx context.Context, requestID string) (Aggregate, error) {
	var agg Aggregate
	if err := s.requests.FindOne(ctx, bson.M{"_id": requestID}).Decode(&agg.Request); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Aggregate{}, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
		}
		return Aggregate{}, err
	}
	byRequest := bson.M{"request_id": requestID}
	if err := findAll(ctx, s.bids, byRequest, &agg.Bids); err != nil {
		return Aggregate{}, fmt.Errorf("load bids: %w", err)
	}
	if err := findAll(ctx, s.jobs, byRequest, &agg.Jobs); err != nil {
		return Aggregate{}, fmt.Errorf("load jobs: %w", err)
	}
	if err := findAll(ctx, s.invoices, byRequest, &agg.Invoices); err != nil {
		return Aggregate{}, fmt.Errorf("load invoices: %w", err)
	}
	if err := findAll(ctx, s.reviews, byRequest, &agg.Reviews); err != nil {
		return Aggregate{}, fmt.Errorf("load reviews: %w", err)
	}
	return agg, nil
}

func (s *MongoStore) writeChildren(ctx context.Context, agg Aggregate) error {
	upsert := options.Replace().SetUpsert(true)
	for _, b := range agg.Bids {
		if _, err := s.bids.ReplaceOne(ctx, bson.M{"_id": b.ID}, b, upsert); err != nil {
			return fmt.Errorf("write bid %s: %w", b.ID, err)
		}
	}
	for _, j := range agg.Jobs {
		if _, err := s.jobs.ReplaceOne(ctx, bson.M{"_id": j.ID}, j, upsert); err != nil {
			return fmt.Errorf("write job %s: %w", j.ID, err)
		}
	}
	for _, inv := range agg.Invoices {
		if _, err := s.invoices.ReplaceOne(ctx, bson.M{"_id": inv.ID}, inv, upsert); err != nil {
			return fmt.Errorf("write invoice %s: %w", inv.ID, err)
		}
	}
	for _, r := range agg.Reviews {
		if _, err := s.reviews.ReplaceOne(ctx, bson.M{"_id": r.ID}, r, upsert); err != nil {
			return fmt.Errorf("write review %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *MongoStore) RequestIDOf(ctx context.Context, kind Kind, id string) (string, error) {
	var coll *mongo.Collection
	switch kind {
	case KindBid:
		coll = s.bids
	case KindJob:
		coll = s.jobs
	case KindInvoice:
		coll = s.invoices
	case KindReview:
		coll = s.reviews
	default:
		return "", fmt.Errorf("unknown kind %q", kind)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var ref struct {
		RequestID string `bson:"request_id"`
	}
	opts := options.FindOne().SetProjection(bson.M{"request_id": 1})
	if err := coll.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&ref); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		return "", err
	}
	return ref.RequestID, nil
}

// Providers

func (s *MongoStore) SaveProvider(ctx context.Context, provider model.Provider) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.providers.ReplaceOne(ctx, bson.M{"_id": provider.ID}, provider, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) CreateProvider(ctx context.Context, provider model.Provider) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.providers.InsertOne(ctx, provider); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: provider %s already exists", ErrConflict, provider.ID)
		}
		return err
	}
	return nil
}

func (s *MongoStore) GetProvider(ctx context.Context, providerID string) (model.Provider, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.findProvider(ctx, providerID)
}

func (s *MongoStore) findProvider(ctx context.Context, providerID string) (model.Provider, error) {
	var p model.Provider
	if err := s.providers.FindOne(ctx, bson.M{"_id": providerID}).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Provider{}, fmt.Errorf("%w: provider %s", ErrNotFound, providerID)
		}
		return model.Provider{}, err
	}
	return p, nil
}

func (s *MongoStore) ListProviders(ctx context.Context, category string) ([]model.Provider, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{}
	if category != "" {
		filter["categories"] = category
	}
	var providers []model.Provider
	if err := findAll(ctx, s.providers, filter, &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

func (s *MongoStore) UpdateProvider(ctx context.Context, providerID string, fn func(*model.Provider) error) error {
	return s.transaction(ctx, func(sc mongo.SessionContext) error {
		p, err := s.findProvider(sc, providerID)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.ID = providerID
		_, err = s.providers.ReplaceOne(sc, bson.M{"_id": providerID}, p)
		return err
	})
}

func (s *MongoStore) ListJobsByProvider(ctx context.Context, providerID string) ([]model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var jobs []model.Job
	err := findAll(ctx, s.jobs, bson.M{"provider_id": providerID}, &jobs)
	return jobs, err
}

func (s *MongoStore) ListReviewsByProvider(ctx context.Context, providerID string) ([]model.Review, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var reviews []model.Review
	err := findAll(ctx, s.reviews, bson.M{"provider_id": providerID}, &reviews)
	return reviews, err
}

func (s *MongoStore) CountCompletedJobs(ctx context.Context, providerIDs []string) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	counts := make(map[string]int, len(providerIDs))
	if len(providerIDs) == 0 {
		return counts, nil
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"provider_id": bson.M{"$in": providerIDs},
			"status":      string(model.JobStatusCompleted),
		}}},
		{{Key: "$group", Value: bson.M{"_id": "$provider_id", "n": bson.M{"$sum": 1}}}},
	}
	cur, err := s.jobs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	for cur.Next(ctx) {
		var row struct {
			ProviderID string `bson:"_id"`
			N          int    `bson:"n"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		counts[row.ProviderID] = row.N
	}
	return counts, cur.Err()
}

func (s *MongoStore) Close() error {
	// The client is owned by the caller.
	return nil
}

func findAll(ctx context.Context, coll *mongo.Collection, filter bson.M, out interface{}) error {
	cur, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}
