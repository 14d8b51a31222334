package repositories

import (
	"context"
	"time"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Ledger() LedgerRepository
	Discounts() DiscountRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories invoked with
// the context passed to fn participate in the transaction. Backends that require reads to precede
// writes (Firestore) rely on callers ordering their calls accordingly.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists orders.
type OrderRepository interface {
	// Insert fails with a conflict error when the id already exists.
	Insert(ctx context.Context, order domain.Order) error
	// Update fails with a not-found error when the order does not exist.
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
}

// OrderListFilter narrows order listings. Zero values are unbounded.
type OrderListFilter struct {
	Statuses      []domain.OrderStatus
	DriverID      string
	DeliveryDates domain.DateRange
	CreatedFrom   time.Time
	CreatedTo     time.Time
	Limit         int
}

// LedgerRepository persists driver settlement state: accruals, accounts and cashout requests.
type LedgerRepository interface {
	// InsertAccrual fails with a conflict error when the order already accrued.
	InsertAccrual(ctx context.Context, accrual domain.SettlementAccrual) error
	FindAccrual(ctx context.Context, orderID string) (domain.SettlementAccrual, error)
	ListAccruals(ctx context.Context, filter AccrualListFilter) ([]domain.SettlementAccrual, error)
	// ClaimAccruals stamps the given accruals with the cashout id.
	ClaimAccruals(ctx context.Context, orderIDs []string, cashoutID string) error

	// FindAccount fails with a not-found error for drivers that never accrued.
	FindAccount(ctx context.Context, driverID string) (domain.DriverAccount, error)
	SaveAccount(ctx context.Context, account domain.DriverAccount) error
	ListAccounts(ctx context.Context) ([]domain.DriverAccount, error)

	InsertCashout(ctx context.Context, cashout domain.CashoutRequest) error
	UpdateCashout(ctx context.Context, cashout domain.CashoutRequest) error
	FindCashout(ctx context.Context, cashoutID string) (domain.CashoutRequest, error)
	ListCashouts(ctx context.Context, filter CashoutListFilter) ([]domain.CashoutRequest, error)
}

// AccrualListFilter narrows accrual listings.
type AccrualListFilter struct {
	DriverID      string
	UnclaimedOnly bool
}

// CashoutListFilter narrows cashout listings.
type CashoutListFilter struct {
	DriverID    string
	Status      domain.CashoutStatus
	CreatedFrom time.Time
	CreatedTo   time.Time
}

// DiscountRepository persists write-once procurement discount records.
type DiscountRepository interface {
	// Insert fails with a conflict error when (date, productId) already exists.
	Insert(ctx context.Context, discount domain.ProcurementDiscount) error
	Find(ctx context.Context, date, productID string) (domain.ProcurementDiscount, error)
	List(ctx context.Context, dates domain.DateRange) ([]domain.ProcurementDiscount, error)
}

// HealthRepository exposes readiness probes for the storage backend and its collaborators.
type HealthRepository interface {
	Check(ctx context.Context) (domain.SystemHealthReport, error)
}
