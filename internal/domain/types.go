package domain

import (
	"time"
)

// DateLayout is the calendar-date format used for delivery and procurement dates.
const DateLayout = "2006-01-02"

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits picking.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates the order is being picked and purchased.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusInTransit indicates the driver verified collection and is delivering.
	OrderStatusInTransit OrderStatus = "in_transit"
	// OrderStatusCompleted indicates the order was delivered. Terminal.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was cancelled administratively. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusInTransit, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// RefundStatus tracks how a refund owed for missing items has been handled.
type RefundStatus string

const (
	RefundStatusNone      RefundStatus = ""
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusProcessed RefundStatus = "processed"
	RefundStatusCredited  RefundStatus = "credited"
)

// MissingReason explains why an ordered quantity could not be collected.
type MissingReason string

const (
	MissingReasonOutOfStock MissingReason = "out_of_stock"
	MissingReasonDamaged    MissingReason = "damaged"
)

// Valid reports whether r is a known reason.
func (r MissingReason) Valid() bool {
	return r == MissingReasonOutOfStock || r == MissingReasonDamaged
}

// Order is a customer order moving through the delivery lifecycle.
type Order struct {
	ID            string
	CustomerID    string
	Status        OrderStatus
	DeliveryDate  string
	Items         []OrderLine
	Subtotal      Money
	ServiceFee    Money
	Total         Money
	MissingItems  []MissingItemRecord
	RefundAmount  Money
	AdjustedTotal Money
	RefundStatus  RefundStatus
	DriverID      *string
	DriverNote    *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
}

// Line returns the order line for the given product.
func (o Order) Line(productID string) (OrderLine, bool) {
	for _, line := range o.Items {
		if line.ProductID == productID {
			return line, true
		}
	}
	return OrderLine{}, false
}

// AssignedDriver returns the driver id or an empty string.
func (o Order) AssignedDriver() string {
	if o.DriverID == nil {
		return ""
	}
	return *o.DriverID
}

// OrderLine is a product snapshot taken at checkout. Prices are never re-read from the catalog.
type OrderLine struct {
	ProductID string
	Name      string
	UnitPrice Money
	Quantity  int
}

// Total returns quantity × unit price.
func (l OrderLine) Total() Money {
	return l.UnitPrice.Times(l.Quantity)
}

// MissingItemRecord captures a shortfall reported by the driver at collection.
type MissingItemRecord struct {
	ProductID       string
	OrderedQuantity int
	MissingQuantity int
	UnitPrice       Money
	Reason          MissingReason
}

// Refund returns missing quantity × unit price.
func (m MissingItemRecord) Refund() Money {
	return m.UnitPrice.Times(m.MissingQuantity)
}

// DriverAccount holds a driver's running settlement balances.
type DriverAccount struct {
	DriverID            string
	Accrued             Money
	PendingTotal        Money
	PaidTotal           Money
	CompletedDeliveries int
	LastCashoutAt       *time.Time
	UpdatedAt           time.Time
}

// SettlementAccrual records the per-delivery fee owed for one completed order.
// Its identity is the order id, which makes accrual exactly-once.
type SettlementAccrual struct {
	OrderID   string
	DriverID  string
	Amount    Money
	AccruedAt time.Time
	CashoutID string
}

// Claimed reports whether the accrual is part of a cashout request.
func (a SettlementAccrual) Claimed() bool {
	return a.CashoutID != ""
}

// CashoutStatus enumerates cashout request states.
type CashoutStatus string

const (
	CashoutStatusPending   CashoutStatus = "pending"
	CashoutStatusCompleted CashoutStatus = "completed"
)

// CashoutRequest batches unpaid accruals of one driver for settlement.
type CashoutRequest struct {
	ID          string
	DriverID    string
	OrderIDs    []string
	Amount      Money
	Status      CashoutStatus
	RequestedBy string
	PaidBy      string
	CreatedAt   time.Time
	PaidAt      *time.Time
}

// PaymentState describes where an order's delivery fee sits in the settlement pipeline.
type PaymentState string

const (
	PaymentStateUnaccrued PaymentState = "unaccrued"
	PaymentStateAccrued   PaymentState = "accrued"
	PaymentStatePending   PaymentState = "pending"
	PaymentStatePaid      PaymentState = "paid"
)

// OrderPaymentAttribution reports the settlement state of a single order's delivery fee.
type OrderPaymentAttribution struct {
	OrderID   string
	DriverID  string
	State     PaymentState
	Amount    Money
	CashoutID string
	PaidAt    *time.Time
}

// ProcurementDiscount records savings realised when stock was bought below list price.
// Identity is (Date, ProductID) and the record is write-once.
type ProcurementDiscount struct {
	Date               string
	ProductID          string
	ListUnitPrice      Money
	PaidUnitPrice      Money
	AggregatedQuantity int
	TotalDiscount      Money
	CustomerShare      Money
	BusinessShare      Money
	CommittedBy        string
	CommittedAt        time.Time
}

// ProcurementLine is the aggregated demand for one product on one delivery date.
type ProcurementLine struct {
	Date               string
	ProductID          string
	ListUnitPrice      Money
	AggregatedQuantity int
	OrderCount         int
}

// DateRange bounds calendar dates inclusively. Empty ends are unbounded.
type DateRange struct {
	From string
	To   string
}

// Contains reports whether date (YYYY-MM-DD) falls inside the range.
func (r DateRange) Contains(date string) bool {
	if r.From != "" && date < r.From {
		return false
	}
	if r.To != "" && date > r.To {
		return false
	}
	return true
}

// Window selects a trailing time window for dashboard projections.
type Window struct {
	Days int
}

// AllTime is the unbounded window.
var AllTime = Window{}

// LastDays returns a window covering the trailing n days.
func LastDays(n int) Window {
	if n < 0 {
		n = 0
	}
	return Window{Days: n}
}

// Since returns the lower bound of the window relative to now; zero for all time.
func (w Window) Since(now time.Time) time.Time {
	if w.Days <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -w.Days)
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (o Order) Clone() Order {
	out := o
	out.Items = append([]OrderLine(nil), o.Items...)
	out.MissingItems = append([]MissingItemRecord(nil), o.MissingItems...)
	out.DriverID = cloneString(o.DriverID)
	out.DriverNote = cloneString(o.DriverNote)
	out.CompletedAt = cloneTime(o.CompletedAt)
	out.CancelledAt = cloneTime(o.CancelledAt)
	return out
}

// Clone returns a deep copy of the cashout request.
func (c CashoutRequest) Clone() CashoutRequest {
	out := c
	out.OrderIDs = append([]string(nil), c.OrderIDs...)
	out.PaidAt = cloneTime(c.PaidAt)
	return out
}

// Clone returns a deep copy of the account.
func (a DriverAccount) Clone() DriverAccount {
	out := a
	out.LastCashoutAt = cloneTime(a.LastCashoutAt)
	return out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}
