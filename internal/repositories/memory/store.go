// Package memory provides a process-local repository backend used for tests and single-instance
// deployments. All repositories share one lock so a unit of work observes a consistent snapshot.
package memory

import (
	"context"
	"maps"
	"sync"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

type txKey struct{ store *Store }

// Store holds every collection in memory and implements repositories.Registry.
type Store struct {
	mu sync.Mutex

	orders    map[string]domain.Order
	accruals  map[string]domain.SettlementAccrual
	accounts  map[string]domain.DriverAccount
	cashouts  map[string]domain.CashoutRequest
	discounts map[string]domain.ProcurementDiscount

	health repositories.HealthRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{
		orders:    make(map[string]domain.Order),
		accruals:  make(map[string]domain.SettlementAccrual),
		accounts:  make(map[string]domain.DriverAccount),
		cashouts:  make(map[string]domain.CashoutRequest),
		discounts: make(map[string]domain.ProcurementDiscount),
	}
	health, _ := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}})
	s.health = health
	return s
}

func (s *Store) Orders() repositories.OrderRepository       { return orderRepository{store: s} }
func (s *Store) Ledger() repositories.LedgerRepository      { return ledgerRepository{store: s} }
func (s *Store) Discounts() repositories.DiscountRepository { return discountRepository{store: s} }
func (s *Store) Health() repositories.HealthRepository      { return s.health }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

// RunInTx serialises fn against every other store access. Writes made by fn are rolled back when
// it returns an error. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{store: s}, true)); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	active, _ := ctx.Value(txKey{store: s}).(bool)
	return active
}

// locked runs fn holding the store lock unless the caller already owns it through RunInTx.
func (s *Store) locked(ctx context.Context, fn func()) {
	if s.inTx(ctx) {
		fn()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

type storeSnapshot struct {
	orders    map[string]domain.Order
	accruals  map[string]domain.SettlementAccrual
	accounts  map[string]domain.DriverAccount
	cashouts  map[string]domain.CashoutRequest
	discounts map[string]domain.ProcurementDiscount
}

// Stored values are replaced, never mutated in place, so shallow map copies are sufficient.
func (s *Store) snapshot() storeSnapshot {
	return storeSnapshot{
		orders:    maps.Clone(s.orders),
		accruals:  maps.Clone(s.accruals),
		accounts:  maps.Clone(s.accounts),
		cashouts:  maps.Clone(s.cashouts),
		discounts: maps.Clone(s.discounts),
	}
}

func (s *Store) restore(snap storeSnapshot) {
	s.orders = snap.orders
	s.accruals = snap.accruals
	s.accounts = snap.accounts
	s.cashouts = snap.cashouts
	s.discounts = snap.discounts
}

func notFound(op, message string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, message, nil)
}

func conflict(op, message string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorConflict, message, nil)
}
