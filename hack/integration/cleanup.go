package integration

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DatabaseCleaner removes test data when the engine runs on MongoDB.
type DatabaseCleaner struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewDatabaseCleaner(mongoURI, dbName string) (*DatabaseCleaner, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return &DatabaseCleaner{client: client, db: client.Database(dbName)}, nil
}

func (d *DatabaseCleaner) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// CleanCustomer removes every request of customerID and its children.
func (d *DatabaseCleaner) CleanCustomer(ctx context.Context, customerID string) error {
	cur, err := d.db.Collection("requests").Find(ctx, bson.M{"customer_id": customerID})
	if err != nil {
		return err
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return err
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	for _, coll := range []string{"bids", "jobs", "invoices", "reviews"} {
		if _, err := d.db.Collection(coll).DeleteMany(ctx, bson.M{"request_id": bson.M{"$in": ids}}); err != nil {
			return fmt.Errorf("failed to clean collection %s: %w", coll, err)
		}
	}
	_, err = d.db.Collection("requests").DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}

// CleanProviders removes the given provider profiles.
func (d *DatabaseCleaner) CleanProviders(ctx context.Context, providerIDs ...string) error {
	_, err := d.db.Collection("providers").DeleteMany(ctx, bson.M{"_id": bson.M{"$in": providerIDs}})
	return err
}
