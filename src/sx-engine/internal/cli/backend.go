package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/config"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

// openStore connects the configured backend. The returned cleanup releases
// every connection it opened.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreType {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongodb: %w", err)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("ping mongodb: %w", err)
		}
		slog.Info("using mongodb store", "db", cfg.MongoDB)
		cleanup := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(ctx); err != nil {
				slog.Error("failed to disconnect mongodb", "error", err)
			}
		}
		return store.NewMongoStore(client, cfg.MongoDB), cleanup, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		slog.Info("using postgres store")
		st := store.NewPostgresStore(pool)
		return st, func() { _ = st.Close() }, nil

	case "firestore":
		st, err := store.NewFirestoreStore(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize firestore: %w", err)
		}
		slog.Info("using firestore store", "project", cfg.FirestoreProjectID)
		return st, func() { _ = st.Close() }, nil
	}

	slog.Info("using in-memory store (development mode)")
	st := store.NewMemoryStore()
	return st, func() { _ = st.Close() }, nil
}
