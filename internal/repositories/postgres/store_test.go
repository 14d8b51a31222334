package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

func classify(t *testing.T, err error) repositories.RepositoryError {
	t.Helper()
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr), "expected repository error, got %v", err)
	return repoErr
}

func TestWrapErrorClassifiesDriverErrors(t *testing.T) {
	assert.NoError(t, wrapError("op", nil))
	assert.ErrorIs(t, wrapError("op", context.Canceled), context.Canceled)

	assert.True(t, classify(t, wrapError("orders.find", sql.ErrNoRows)).IsNotFound())
	assert.True(t, classify(t, wrapError("orders.insert", &pq.Error{Code: "23505"})).IsConflict())
	assert.True(t, classify(t, wrapError("tx", &pq.Error{Code: "40001"})).IsUnavailable())
	assert.True(t, classify(t, wrapError("tx", &pq.Error{Code: "40P01"})).IsUnavailable())
	assert.True(t, classify(t, wrapError("ping", &pq.Error{Code: "08006"})).IsUnavailable())
	assert.True(t, classify(t, wrapError("ping", sql.ErrConnDone)).IsUnavailable())

	other := classify(t, wrapError("orders.insert", &pq.Error{Code: "23502"}))
	assert.False(t, other.IsConflict() || other.IsNotFound() || other.IsUnavailable())
}

func TestSerializationFailureDetection(t *testing.T) {
	wrapped := repositories.NewStoreError("ledger.accounts.save", repositories.StoreErrorConflict, "", &pq.Error{Code: "40001"})
	assert.True(t, isSerializationFailure(wrapped))
	assert.True(t, isSerializationFailure(fmt.Errorf("storage unavailable: ledger.accounts.save: %w", wrapped)))
	assert.True(t, isSerializationFailure(&pq.Error{Code: "40P01"}))
	assert.False(t, isSerializationFailure(&pq.Error{Code: "23505"}))
	assert.False(t, isSerializationFailure(nil))
}

func TestOrderFilterClause(t *testing.T) {
	where, args := orderFilterClause(repositories.OrderListFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	where, args = orderFilterClause(repositories.OrderListFilter{
		Statuses:      []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusProcessing},
		DriverID:      "drv-1",
		DeliveryDates: domain.DateRange{From: "2025-03-01", To: "2025-03-07"},
		CreatedFrom:   from,
	})
	assert.Equal(t, " WHERE status = ANY($1) AND driver_id = $2 AND delivery_date >= $3 AND delivery_date <= $4 AND created_at >= $5", where)
	require.Len(t, args, 5)
	assert.Equal(t, "drv-1", args[1])
	assert.Equal(t, from, args[4])
}

func TestEncodeLinesProducesJSONText(t *testing.T) {
	items, missing, err := encodeLines(domain.Order{
		Items: []domain.OrderLine{{ProductID: "milk", Name: "Milk", UnitPrice: 3299, Quantity: 2}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"productId":"milk","name":"Milk","unitPrice":3299,"quantity":2}]`, items)
	assert.Equal(t, "[]", missing)
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("LOCALS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOCALS_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	for _, table := range []string{"orders", "settlement_accruals", "driver_accounts", "cashout_requests", "procurement_discounts"} {
		_, err := store.db.ExecContext(ctx, "TRUNCATE "+table)
		require.NoError(t, err)
	}

	created := time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)
	note := "gate code 1234"
	order := domain.Order{
		ID: "ord-1", CustomerID: "cus-1", Status: domain.OrderStatusPending, DeliveryDate: "2025-03-04",
		Items:    []domain.OrderLine{{ProductID: "milk", Name: "Milk", UnitPrice: 3299, Quantity: 1}},
		Subtotal: 3299, Total: 3299, AdjustedTotal: 3299, DriverNote: &note, CreatedAt: created, UpdatedAt: created,
	}
	require.NoError(t, store.Orders().Insert(ctx, order))
	assert.True(t, classify(t, store.Orders().Insert(ctx, order)).IsConflict())

	got, err := store.Orders().FindByID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order, got)

	missing := order
	missing.ID = "ord-404"
	assert.True(t, classify(t, store.Orders().Update(ctx, missing)).IsNotFound())

	driver := "drv-1"
	sentinel := errors.New("abort")
	err = store.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := store.Orders().FindByID(txCtx, "ord-1")
		if err != nil {
			return err
		}
		current.DriverID = &driver
		if err := store.Orders().Update(txCtx, current); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	got, err = store.Orders().FindByID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Nil(t, got.DriverID, "rolled back write must not persist")

	require.NoError(t, store.Ledger().InsertAccrual(ctx, domain.SettlementAccrual{OrderID: "ord-1", DriverID: driver, Amount: 4000, AccruedAt: created}))
	require.NoError(t, store.Ledger().ClaimAccruals(ctx, []string{"ord-1"}, "co-1"))
	assert.True(t, classify(t, store.Ledger().ClaimAccruals(ctx, []string{"ord-1"}, "co-2")).IsConflict())

	cashout := domain.CashoutRequest{ID: "co-1", DriverID: driver, OrderIDs: []string{"ord-1"}, Amount: 4000,
		Status: domain.CashoutStatusPending, RequestedBy: driver, CreatedAt: created}
	require.NoError(t, store.Ledger().InsertCashout(ctx, cashout))
	listed, err := store.Ledger().ListCashouts(ctx, repositories.CashoutListFilter{DriverID: driver})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, cashout, listed[0])

	report, err := store.Health().Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusOK, report.Status)
}
