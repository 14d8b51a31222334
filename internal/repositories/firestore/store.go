// Package firestore implements the repository registry on Cloud Firestore. Every repository joins
// the transaction opened by Store.RunInTx, so callers order their reads before their writes.
package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/MartinMaseko/locals.za-sub000/internal/platform/firestore"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

const (
	ordersCollection    = "orders"
	accrualsCollection  = "settlementAccruals"
	accountsCollection  = "driverAccounts"
	cashoutsCollection  = "cashoutRequests"
	discountsCollection = "procurementDiscounts"
)

// Store implements repositories.Registry on Firestore.
type Store struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	ledger    *LedgerRepository
	discounts *DiscountRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore wires every repository to the provider. Additional dependency checks (event topic,
// report bucket) are reported alongside the Firestore probe.
func NewStore(provider *pfirestore.Provider, checks ...repositories.DependencyCheck) (*Store, error) {
	if provider == nil {
		return nil, errors.New("firestore store requires provider")
	}
	probes := append([]repositories.DependencyCheck{{Name: "firestore", Check: provider.Ping}}, checks...)
	health, err := repositories.NewDependencyHealthRepository(probes)
	if err != nil {
		return nil, err
	}
	return &Store{
		provider:  provider,
		orders:    NewOrderRepository(provider),
		ledger:    NewLedgerRepository(provider),
		discounts: NewDiscountRepository(provider),
		health:    health,
	}, nil
}

func (s *Store) Orders() repositories.OrderRepository       { return s.orders }
func (s *Store) Ledger() repositories.LedgerRepository      { return s.ledger }
func (s *Store) Discounts() repositories.DiscountRepository { return s.discounts }
func (s *Store) Health() repositories.HealthRepository      { return s.health }

// RunInTx runs fn in a Firestore transaction. Firestore may invoke fn more than once.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return fn(txCtx)
	})
}

// Close releases the Firestore client.
func (s *Store) Close(ctx context.Context) error {
	return s.provider.Close(ctx)
}

// replaceExisting overwrites a document that must already exist. Inside a transaction the caller
// has already read it, so only the write is issued.
func replaceExisting[T any](ctx context.Context, provider *pfirestore.Provider, coll *pfirestore.Collection[T], id string, value any) error {
	if _, ok := pfirestore.TxFromContext(ctx); ok {
		return coll.Set(ctx, id, value)
	}
	return provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		if _, err := coll.Get(txCtx, id); err != nil {
			return err
		}
		return coll.Set(txCtx, id, value)
	})
}
