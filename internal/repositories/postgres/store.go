// Package postgres implements the repository registry on PostgreSQL through lib/pq. Units of work
// run as SERIALIZABLE transactions and single-row reads inside them lock with FOR UPDATE.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

const maxSerializationRetries = 3

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		delivery_date TEXT NOT NULL,
		items JSONB NOT NULL,
		subtotal BIGINT NOT NULL,
		service_fee BIGINT NOT NULL,
		total BIGINT NOT NULL,
		missing_items JSONB NOT NULL DEFAULT '[]',
		refund_amount BIGINT NOT NULL DEFAULT 0,
		adjusted_total BIGINT NOT NULL,
		refund_status TEXT NOT NULL DEFAULT '',
		driver_id TEXT,
		driver_note TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (status, delivery_date)`,
	`CREATE INDEX IF NOT EXISTS orders_driver_idx ON orders (driver_id)`,
	`CREATE TABLE IF NOT EXISTS settlement_accruals (
		order_id TEXT PRIMARY KEY,
		driver_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		accrued_at TIMESTAMPTZ NOT NULL,
		cashout_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS settlement_accruals_driver_idx ON settlement_accruals (driver_id, cashout_id)`,
	`CREATE TABLE IF NOT EXISTS driver_accounts (
		driver_id TEXT PRIMARY KEY,
		accrued BIGINT NOT NULL,
		pending_total BIGINT NOT NULL,
		paid_total BIGINT NOT NULL,
		completed_deliveries INT NOT NULL,
		last_cashout_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cashout_requests (
		id TEXT PRIMARY KEY,
		driver_id TEXT NOT NULL,
		order_ids TEXT[] NOT NULL,
		amount BIGINT NOT NULL,
		status TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		paid_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		paid_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS procurement_discounts (
		date TEXT NOT NULL,
		product_id TEXT NOT NULL,
		list_unit_price BIGINT NOT NULL,
		paid_unit_price BIGINT NOT NULL,
		aggregated_quantity INT NOT NULL,
		total_discount BIGINT NOT NULL,
		customer_share BIGINT NOT NULL,
		business_share BIGINT NOT NULL,
		committed_by TEXT NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (date, product_id)
	)`,
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{ store *Store }

// Store implements repositories.Registry on a *sql.DB.
type Store struct {
	db     *sql.DB
	health repositories.HealthRepository
}

var _ repositories.Registry = (*Store)(nil)

// Open connects, verifies the connection and creates missing tables.
func Open(ctx context.Context, dsn string, checks ...repositories.DependencyCheck) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	store, err := NewStore(ctx, db, checks...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing pool and applies the schema.
func NewStore(ctx context.Context, db *sql.DB, checks ...repositories.DependencyCheck) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres store requires db")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, wrapError("postgres.ping", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, wrapError("postgres.migrate", err)
		}
	}
	probes := append([]repositories.DependencyCheck{{Name: "postgres", Check: db.PingContext}}, checks...)
	health, err := repositories.NewDependencyHealthRepository(probes)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, health: health}, nil
}

func (s *Store) Orders() repositories.OrderRepository       { return orderRepository{store: s} }
func (s *Store) Ledger() repositories.LedgerRepository      { return ledgerRepository{store: s} }
func (s *Store) Discounts() repositories.DiscountRepository { return discountRepository{store: s} }
func (s *Store) Health() repositories.HealthRepository      { return s.health }

// DB exposes the pool for collaborators that keep their own tables, such as idempotency keys.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// RunInTx runs fn in a SERIALIZABLE transaction, retrying serialization failures. Nested calls
// join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := s.tx(ctx); ok {
		return fn(ctx)
	}

	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err = s.runOnce(ctx, fn)
		if !isSerializationFailure(err) {
			break
		}
	}
	return err
}

// runOnce returns errors produced by fn unchanged; only begin and commit failures are wrapped.
func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return wrapError("postgres.begin", err)
	}
	if err := fn(context.WithValue(ctx, txKey{store: s}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return wrapError("postgres.commit", tx.Commit())
}

func (s *Store) tx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{store: s}).(*sql.Tx)
	return tx, ok && tx != nil
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := s.tx(ctx); ok {
		return tx
	}
	return s.db
}

// lockClause locks single-row reads that participate in a transaction.
func (s *Store) lockClause(ctx context.Context) string {
	if _, ok := s.tx(ctx); ok {
		return " FOR UPDATE"
	}
	return ""
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01")
}

// wrapError classifies driver errors as repository store errors.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, "row not found", err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23":
			if pqErr.Code.Name() == "unique_violation" {
				return repositories.NewStoreError(op, repositories.StoreErrorConflict, "duplicate key", err)
			}
		case "40", "08", "53", "57":
			return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, "postgres unavailable", err)
		}
		return repositories.NewStoreError(op, repositories.StoreErrorUnknown, "", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, "postgres unavailable", err)
	}
	return repositories.NewStoreError(op, repositories.StoreErrorUnknown, "", err)
}

func notFound(op, message string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, message, nil)
}
