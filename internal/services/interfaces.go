package services

import (
	"context"
	"slices"
	"strings"
	"time"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Money                   = domain.Money
	Order                   = domain.Order
	OrderLine               = domain.OrderLine
	OrderStatus             = domain.OrderStatus
	MissingItemRecord       = domain.MissingItemRecord
	MissingReason           = domain.MissingReason
	RefundStatus            = domain.RefundStatus
	DriverAccount           = domain.DriverAccount
	SettlementAccrual       = domain.SettlementAccrual
	CashoutRequest          = domain.CashoutRequest
	CashoutStatus           = domain.CashoutStatus
	OrderPaymentAttribution = domain.OrderPaymentAttribution
	ProcurementDiscount     = domain.ProcurementDiscount
	ProcurementLine         = domain.ProcurementLine
	DateRange               = domain.DateRange
	Window                  = domain.Window
	SystemHealthReport      = domain.SystemHealthReport
	OrderListFilter         = repositories.OrderListFilter
	CashoutListFilter       = repositories.CashoutListFilter
)

const (
	RoleDriver = "driver"
	RoleStaff  = "staff"
	RoleAdmin  = "admin"
)

// Actor identifies the caller of a mutating operation. Handlers build it from the verified token.
type Actor struct {
	ID    string
	Roles []string
}

// HasAnyRole reports whether the actor holds one of the roles.
func (a Actor) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if slices.Contains(a.Roles, strings.ToLower(role)) {
			return true
		}
	}
	return false
}

// IsOperator reports whether the actor may perform administrative actions.
func (a Actor) IsOperator() bool {
	return a.HasAnyRole(RoleStaff, RoleAdmin)
}

// OrderService owns the order lifecycle and the collection reconciliation step.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) ([]Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	AssignDriver(ctx context.Context, cmd AssignDriverCommand) (Order, error)
	ReconcileItems(ctx context.Context, cmd ReconcileItemsCommand) (Order, error)
	UpdateRefundStatus(ctx context.Context, cmd RefundStatusCommand) (Order, error)
}

// SettlementAccruer records the per-delivery fee for a completed order. Implementations must be
// invoked inside the caller's unit of work and must be idempotent per order id.
type SettlementAccruer interface {
	AccrueDelivery(ctx context.Context, order Order) (bool, error)
}

// SettlementService is the driver settlement ledger.
type SettlementService interface {
	SettlementAccruer
	RequestCashout(ctx context.Context, cmd CashoutCommand) (CashoutRequest, error)
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (CashoutRequest, error)
	GetAccount(ctx context.Context, driverID string) (DriverAccount, error)
	GetCashout(ctx context.Context, cashoutID string) (CashoutRequest, error)
	ListCashouts(ctx context.Context, filter CashoutListFilter) ([]CashoutRequest, error)
	OrderPaymentStatus(ctx context.Context, orderID string) (OrderPaymentAttribution, error)
	AuditLedger(ctx context.Context) (LedgerAudit, error)
	PerDeliveryFee() Money
}

// ProcurementService aggregates demand per delivery date and allocates procurement savings.
type ProcurementService interface {
	Aggregate(ctx context.Context, dates DateRange) ([]ProcurementLine, error)
	SaveDiscount(ctx context.Context, cmd SaveDiscountCommand) (ProcurementDiscount, error)
	ListDiscounts(ctx context.Context, dates DateRange) ([]ProcurementDiscount, error)
	Summary(ctx context.Context, dates DateRange, top int) (DiscountSummary, error)
}

// DashboardService exposes read-only projections over orders.
type DashboardService interface {
	Overview(ctx context.Context, window Window, topK int) (DashboardOverview, error)
	DriverProgress(ctx context.Context, driverID string, window Window) (DriverProgress, error)
}

// ReportService renders settlement exports.
type ReportService interface {
	ExportSettlements(ctx context.Context, cmd SettlementReportCommand) (SettlementReport, error)
}

// SystemService reports service health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CreateOrderCommand ingests an order produced by checkout.
type CreateOrderCommand struct {
	OrderID      string
	CustomerID   string
	DeliveryDate string
	Lines        []OrderLine
	ServiceFee   Money
	Actor        Actor
}

// OrderStatusTransitionCommand requests a lifecycle transition.
type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	Actor        Actor
}

// AssignDriverCommand assigns or, with a nil DriverID, unassigns the delivering driver.
type AssignDriverCommand struct {
	OrderID  string
	DriverID *string
	Actor    Actor
}

// LineAvailability is the driver's collection report for one order line.
type LineAvailability struct {
	ProductID         string
	AvailableQuantity int
	Reason            MissingReason
}

// ReconcileItemsCommand carries the driver's collection report for every line of an order.
type ReconcileItemsCommand struct {
	OrderID string
	Lines   []LineAvailability
	Note    *string
	Actor   Actor
}

// RefundStatusCommand advances the refund workflow for an order with missing items.
type RefundStatusCommand struct {
	OrderID string
	Status  RefundStatus
	Actor   Actor
}

// CashoutCommand requests settlement of every unclaimed accrual of a driver.
type CashoutCommand struct {
	DriverID string
	Actor    Actor
}

// MarkPaidCommand records that a cashout was paid out.
type MarkPaidCommand struct {
	CashoutID string
	Actor     Actor
}

// SaveDiscountCommand commits the paid unit price for one (date, product).
type SaveDiscountCommand struct {
	Date          string
	ProductID     string
	PaidUnitPrice Money
	Actor         Actor
}

// LedgerAudit compares ledger balances with completed deliveries.
type LedgerAudit struct {
	PerDeliveryFee  Money
	CompletedOrders int
	Expected        Money
	Accrued         Money
	CashedOut       Money
	Drivers         []DriverLedgerAudit
	// UnaccruedOrders lists completed orders with no settlement accrual. Their fees count towards
	// Expected but are not attributed to any driver.
	UnaccruedOrders []string
	CheckedAt       time.Time
}

// Balanced reports whether accrued plus cashed out equals the expected total.
func (a LedgerAudit) Balanced() bool {
	return a.Accrued+a.CashedOut == a.Expected
}

// DriverLedgerAudit is the per-driver breakdown of a ledger audit.
type DriverLedgerAudit struct {
	DriverID        string
	CompletedOrders int
	Expected        Money
	Accrued         Money
	CashedOut       Money
}

// Drift returns actual minus expected.
func (d DriverLedgerAudit) Drift() Money {
	return d.Accrued + d.CashedOut - d.Expected
}

// DiscountSummary aggregates committed procurement discounts.
type DiscountSummary struct {
	Dates              DateRange
	Records            int
	AggregatedQuantity int
	TotalDiscount      Money
	CustomerShare      Money
	BusinessShare      Money
	Top                []ProcurementDiscount
}

// DashboardOverview is the revenue and product projection for a window.
type DashboardOverview struct {
	Window       Window
	Since        time.Time
	Revenue      Money
	ServiceFees  Money
	Subtotals    Money
	OrderCount   int
	StatusCounts map[OrderStatus]int
	TopProducts  []ProductQuantity
	GeneratedAt  time.Time
}

// ProductQuantity is the total ordered quantity of one product.
type ProductQuantity struct {
	ProductID string
	Name      string
	Quantity  int
}

// DriverProgress counts orders a driver has progressed.
type DriverProgress struct {
	DriverID   string
	Window     Window
	Progressed int
	Completed  int
	InFlight   int
}

// SettlementReportCommand selects cashouts and accruals for export.
type SettlementReportCommand struct {
	DriverID string
	From     time.Time
	To       time.Time
	Actor    Actor
}

// SettlementReport is a rendered settlement workbook.
type SettlementReport struct {
	FileName    string
	ContentType string
	Data        []byte
	ObjectPath  string
	DownloadURL string
	ExpiresAt   *time.Time
}
