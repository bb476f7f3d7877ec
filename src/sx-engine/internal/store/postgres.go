package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

// PostgresStore implements Store on PostgreSQL. Each entity is kept as a JSONB
// document next to the columns it is filtered and constrained on. A unit of
// work holds the request row with SELECT ... FOR UPDATE until commit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS requests (
		id          TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		category    TEXT NOT NULL,
		status      TEXT NOT NULL,
		version     BIGINT NOT NULL,
		doc         JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bids (
		id          TEXT PRIMARY KEY,
		request_id  TEXT NOT NULL REFERENCES requests(id),
		provider_id TEXT NOT NULL,
		status      TEXT NOT NULL,
		doc         JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS bids_request_idx ON bids (request_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS bids_one_pending_idx ON bids (request_id, provider_id) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id          TEXT PRIMARY KEY,
		request_id  TEXT NOT NULL REFERENCES requests(id),
		provider_id TEXT NOT NULL,
		status      TEXT NOT NULL,
		doc         JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_request_idx ON jobs (request_id)`,
	`CREATE INDEX IF NOT EXISTS jobs_provider_status_idx ON jobs (provider_id, status)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id         TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES requests(id),
		job_id     TEXT NOT NULL UNIQUE,
		doc        JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS invoices_request_idx ON invoices (request_id)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		id          TEXT PRIMARY KEY,
		request_id  TEXT NOT NULL REFERENCES requests(id),
		job_id      TEXT NOT NULL UNIQUE,
		provider_id TEXT NOT NULL,
		doc         JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS reviews_provider_idx ON reviews (provider_id)`,
	`CREATE TABLE IF NOT EXISTS providers (
		id         TEXT PRIMARY KEY,
		categories TEXT[] NOT NULL DEFAULT '{}',
		doc        JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS providers_categories_idx ON providers USING GIN (categories)`,
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) CreateRequest(ctx context.Context, agg Aggregate) error {
	if err := agg.checkOwnership(); err != nil {
		return err
	}
	if err := checkUnique(agg); err != nil {
		return err
	}
	agg.Request.Version = 1

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	doc, err := json.Marshal(agg.Request)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO requests (id, customer_id, category, status, version, doc)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		agg.Request.ID, agg.Request.CustomerID, agg.Request.Category, string(agg.Request.Status), agg.Request.Version, doc,
	)
	if err != nil {
		return translatePgError(err)
	}
	if err := writeChildrenPg(ctx, tx, agg); err != nil {
		return err
	}
	return translatePgError(tx.Commit(ctx))
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (Aggregate, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Aggregate{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return loadPg(ctx, tx, requestID, false)
}

func (s *PostgresStore) UpdateRequest(ctx context.Context, requestID string, fn func(*Aggregate) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	agg, err := loadPg(ctx, tx, requestID, true)
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
	doc, err := json.Marshal(agg.Request)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE requests SET customer_id = $2, category = $3, status = $4, version = $5, doc = $6
		 WHERE id = $1 AND version = $7`,
		requestID, agg.Request.CustomerID, agg.Request.Category, string(agg.Request.Status), agg.Request.Version, doc, version,
	)
	if err != nil {
		return translatePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: request %s changed during update", ErrConflict, requestID)
	}
	if err := writeChildrenPg(ctx, tx, agg); err != nil {
		return err
	}
	return translatePgError(tx.Commit(ctx))
}

func loadPg(ctx context.Context, q querier, requestID string, forUpdate bool) (Aggregate, error) {
	sql := `SELECT doc FROM requests WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var agg Aggregate
	var raw []byte
	if err := q.QueryRow(ctx, sql, requestID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Aggregate{}, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
		}
		return Aggregate{}, err
	}
	if err := json.Unmarshal(raw, &agg.Request); err != nil {
		return Aggregate{}, fmt.Errorf("decode request: %w", err)
	}

	var err error
	if agg.Bids, err = queryDocs[model.Bid](ctx, q, `SELECT doc FROM bids WHERE request_id = $1 ORDER BY id`, requestID); err != nil {
		return Aggregate{}, fmt.Errorf("load bids: %w", err)
	}
	if agg.Jobs, err = queryDocs[model.Job](ctx, q, `SELECT doc FROM jobs WHERE request_id = $1 ORDER BY id`, requestID); err != nil {
		return Aggregate{}, fmt.Errorf("load jobs: %w", err)
	}
	if agg.Invoices, err = queryDocs[model.Invoice](ctx, q, `SELECT doc FROM invoices WHERE request_id = $1 ORDER BY id`, requestID); err != nil {
		return Aggregate{}, fmt.Errorf("load invoices: %w", err)
	}
	if agg.Reviews, err = queryDocs[model.Review](ctx, q, `SELECT doc FROM reviews WHERE request_id = $1 ORDER BY id`, requestID); err != nil {
		return Aggregate{}, fmt.Errorf("load reviews: %w", err)
	}
	return agg, nil
}

func writeChildrenPg(ctx context.Context, q querier, agg Aggregate) error {
	for _, b := range agg.Bids {
		doc, err := json.Marshal(b)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx,
			`INSERT INTO bids (id, request_id, provider_id, status, doc) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc`,
			b.ID, b.RequestID, b.ProviderID, string(b.Status), doc)
		if err != nil {
			return fmt.Errorf("write bid %s: %w", b.ID, translatePgError(err))
		}
	}
	for _, j := range agg.Jobs {
		doc, err := json.Marshal(j)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx,
			`INSERT INTO jobs (id, request_id, provider_id, status, doc) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc`,
			j.ID, j.RequestID, j.ProviderID, string(j.Status), doc)
		if err != nil {
			return fmt.Errorf("write job %s: %w", j.ID, translatePgError(err))
		}
	}
	for _, inv := range agg.Invoices {
		doc, err := json.Marshal(inv)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx,
			`INSERT INTO invoices (id, request_id, job_id, doc) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
			inv.ID, inv.RequestID, inv.JobID, doc)
		if err != nil {
			return fmt.Errorf("write invoice %s: %w", inv.ID, translatePgError(err))
		}
	}
	for _, r := range agg.Reviews {
		doc, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx,
			`INSERT INTO reviews (id, request_id, job_id, provider_id, doc) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
			r.ID, r.RequestID, r.JobID, r.ProviderID, doc)
		if err != nil {
			return fmt.Errorf("write review %s: %w", r.ID, translatePgError(err))
		}
	}
	return nil
}

var childTables = map[Kind]string{
	KindBid:     "bids",
	KindJob:     "jobs",
	KindInvoice: "invoices",
	KindReview:  "reviews",
}

func (s *PostgresStore) RequestIDOf(ctx context.Context, kind Kind, id string) (string, error) {
	table, ok := childTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown kind %q", kind)
	}
	var requestID string
	err := s.pool.QueryRow(ctx, `SELECT request_id FROM `+table+` WHERE id = $1`, id).Scan(&requestID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return requestID, err
}

// Providers

func (s *PostgresStore) SaveProvider(ctx context.Context, provider model.Provider) error {
	return saveProviderPg(ctx, s.pool, provider)
}

func saveProviderPg(ctx context.Context, q querier, provider model.Provider) error {
	doc, err := json.Marshal(provider)
	if err != nil {
		return err
	}
	categories := provider.Categories
	if categories == nil {
		categories = []string{}
	}
	_, err = q.Exec(ctx,
		`INSERT INTO providers (id, categories, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET categories = EXCLUDED.categories, doc = EXCLUDED.doc`,
		provider.ID, categories, doc)
	return err
}

func (s *PostgresStore) CreateProvider(ctx context.Context, provider model.Provider) error {
	doc, err := json.Marshal(provider)
	if err != nil {
		return err
	}
	categories := provider.Categories
	if categories == nil {
		categories = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO providers (id, categories, doc) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		provider.ID, categories, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: provider %s already exists", ErrConflict, provider.ID)
	}
	return nil
}

func (s *PostgresStore) GetProvider(ctx context.Context, providerID string) (model.Provider, error) {
	return getProviderPg(ctx, s.pool, providerID, false)
}

func getProviderPg(ctx context.Context, q querier, providerID string, forUpdate bool) (model.Provider, error) {
	sql := `SELECT doc FROM providers WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var raw []byte
	if err := q.QueryRow(ctx, sql, providerID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Provider{}, fmt.Errorf("%w: provider %s", ErrNotFound, providerID)
		}
		return model.Provider{}, err
	}
	var p model.Provider
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Provider{}, fmt.Errorf("decode provider: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProviders(ctx context.Context, category string) ([]model.Provider, error) {
	if category == "" {
		return queryDocs[model.Provider](ctx, s.pool, `SELECT doc FROM providers ORDER BY id`)
	}
	return queryDocs[model.Provider](ctx, s.pool, `SELECT doc FROM providers WHERE $1 = ANY(categories) ORDER BY id`, category)
}

func (s *PostgresStore) UpdateProvider(ctx context.Context, providerID string, fn func(*model.Provider) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := getProviderPg(ctx, tx, providerID, true)
	if err != nil {
		return err
	}
	if err := fn(&p); err != nil {
		return err
	}
	p.ID = providerID
	if err := saveProviderPg(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListJobsByProvider(ctx context.Context, providerID string) ([]model.Job, error) {
	return queryDocs[model.Job](ctx, s.pool, `SELECT doc FROM jobs WHERE provider_id = $1 ORDER BY id`, providerID)
}

func (s *PostgresStore) ListReviewsByProvider(ctx context.Context, providerID string) ([]model.Review, error) {
	return queryDocs[model.Review](ctx, s.pool, `SELECT doc FROM reviews WHERE provider_id = $1 ORDER BY id`, providerID)
}

func (s *PostgresStore) CountCompletedJobs(ctx context.Context, providerIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(providerIDs))
	if len(providerIDs) == 0 {
		return counts, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT provider_id, count(*) FROM jobs
		 WHERE provider_id = ANY($1) AND status = $2
		 GROUP BY provider_id`,
		providerIDs, string(model.JobStatusCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = int(n)
	}
	return counts, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func queryDocs[T any](ctx context.Context, q querier, sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
