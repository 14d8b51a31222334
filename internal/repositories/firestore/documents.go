package firestore

import (
	"time"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
)

type orderDocument struct {
	CustomerID    string                `firestore:"customerId"`
	Status        string                `firestore:"status"`
	DeliveryDate  string                `firestore:"deliveryDate"`
	Items         []orderLineDocument   `firestore:"items"`
	Subtotal      int64                 `firestore:"subtotal"`
	ServiceFee    int64                 `firestore:"serviceFee"`
	Total         int64                 `firestore:"total"`
	MissingItems  []missingItemDocument `firestore:"missingItems"`
	RefundAmount  int64                 `firestore:"refundAmount"`
	AdjustedTotal int64                 `firestore:"adjustedTotal"`
	RefundStatus  string                `firestore:"refundStatus,omitempty"`
	DriverID      *string               `firestore:"driverId"`
	DriverNote    *string               `firestore:"driverNote,omitempty"`
	CreatedAt     time.Time             `firestore:"createdAt"`
	UpdatedAt     time.Time             `firestore:"updatedAt"`
	CompletedAt   *time.Time            `firestore:"completedAt,omitempty"`
	CancelledAt   *time.Time            `firestore:"cancelledAt,omitempty"`
}

type orderLineDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
}

type missingItemDocument struct {
	ProductID       string `firestore:"productId"`
	OrderedQuantity int    `firestore:"orderedQuantity"`
	MissingQuantity int    `firestore:"missingQuantity"`
	UnitPrice       int64  `firestore:"unitPrice"`
	Reason          string `firestore:"reason"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		CustomerID:    order.CustomerID,
		Status:        string(order.Status),
		DeliveryDate:  order.DeliveryDate,
		Items:         make([]orderLineDocument, 0, len(order.Items)),
		Subtotal:      order.Subtotal.Cents(),
		ServiceFee:    order.ServiceFee.Cents(),
		Total:         order.Total.Cents(),
		MissingItems:  make([]missingItemDocument, 0, len(order.MissingItems)),
		RefundAmount:  order.RefundAmount.Cents(),
		AdjustedTotal: order.AdjustedTotal.Cents(),
		RefundStatus:  string(order.RefundStatus),
		DriverID:      order.DriverID,
		DriverNote:    order.DriverNote,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
		CompletedAt:   order.CompletedAt,
		CancelledAt:   order.CancelledAt,
	}
	for _, line := range order.Items {
		doc.Items = append(doc.Items, orderLineDocument{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice.Cents(),
			Quantity:  line.Quantity,
		})
	}
	for _, missing := range order.MissingItems {
		doc.MissingItems = append(doc.MissingItems, missingItemDocument{
			ProductID:       missing.ProductID,
			OrderedQuantity: missing.OrderedQuantity,
			MissingQuantity: missing.MissingQuantity,
			UnitPrice:       missing.UnitPrice.Cents(),
			Reason:          string(missing.Reason),
		})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:            id,
		CustomerID:    d.CustomerID,
		Status:        domain.OrderStatus(d.Status),
		DeliveryDate:  d.DeliveryDate,
		Subtotal:      domain.Money(d.Subtotal),
		ServiceFee:    domain.Money(d.ServiceFee),
		Total:         domain.Money(d.Total),
		RefundAmount:  domain.Money(d.RefundAmount),
		AdjustedTotal: domain.Money(d.AdjustedTotal),
		RefundStatus:  domain.RefundStatus(d.RefundStatus),
		DriverID:      d.DriverID,
		DriverNote:    d.DriverNote,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
		CompletedAt:   utcPtr(d.CompletedAt),
		CancelledAt:   utcPtr(d.CancelledAt),
	}
	for _, line := range d.Items {
		order.Items = append(order.Items, domain.OrderLine{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: domain.Money(line.UnitPrice),
			Quantity:  line.Quantity,
		})
	}
	for _, missing := range d.MissingItems {
		order.MissingItems = append(order.MissingItems, domain.MissingItemRecord{
			ProductID:       missing.ProductID,
			OrderedQuantity: missing.OrderedQuantity,
			MissingQuantity: missing.MissingQuantity,
			UnitPrice:       domain.Money(missing.UnitPrice),
			Reason:          domain.MissingReason(missing.Reason),
		})
	}
	return order
}

type accrualDocument struct {
	DriverID  string    `firestore:"driverId"`
	Amount    int64     `firestore:"amount"`
	AccruedAt time.Time `firestore:"accruedAt"`
	CashoutID string    `firestore:"cashoutId"`
}

func newAccrualDocument(accrual domain.SettlementAccrual) accrualDocument {
	return accrualDocument{
		DriverID:  accrual.DriverID,
		Amount:    accrual.Amount.Cents(),
		AccruedAt: accrual.AccruedAt.UTC(),
		CashoutID: accrual.CashoutID,
	}
}

func (d accrualDocument) toDomain(orderID string) domain.SettlementAccrual {
	return domain.SettlementAccrual{
		OrderID:   orderID,
		DriverID:  d.DriverID,
		Amount:    domain.Money(d.Amount),
		AccruedAt: d.AccruedAt.UTC(),
		CashoutID: d.CashoutID,
	}
}

type accountDocument struct {
	Accrued             int64      `firestore:"accrued"`
	PendingTotal        int64      `firestore:"pendingTotal"`
	PaidTotal           int64      `firestore:"paidTotal"`
	CompletedDeliveries int        `firestore:"completedDeliveries"`
	LastCashoutAt       *time.Time `firestore:"lastCashoutAt,omitempty"`
	UpdatedAt           time.Time  `firestore:"updatedAt"`
}

func newAccountDocument(account domain.DriverAccount) accountDocument {
	return accountDocument{
		Accrued:             account.Accrued.Cents(),
		PendingTotal:        account.PendingTotal.Cents(),
		PaidTotal:           account.PaidTotal.Cents(),
		CompletedDeliveries: account.CompletedDeliveries,
		LastCashoutAt:       account.LastCashoutAt,
		UpdatedAt:           account.UpdatedAt.UTC(),
	}
}

func (d accountDocument) toDomain(driverID string) domain.DriverAccount {
	return domain.DriverAccount{
		DriverID:            driverID,
		Accrued:             domain.Money(d.Accrued),
		PendingTotal:        domain.Money(d.PendingTotal),
		PaidTotal:           domain.Money(d.PaidTotal),
		CompletedDeliveries: d.CompletedDeliveries,
		LastCashoutAt:       utcPtr(d.LastCashoutAt),
		UpdatedAt:           d.UpdatedAt.UTC(),
	}
}

type cashoutDocument struct {
	DriverID    string     `firestore:"driverId"`
	OrderIDs    []string   `firestore:"orderIds"`
	Amount      int64      `firestore:"amount"`
	Status      string     `firestore:"status"`
	RequestedBy string     `firestore:"requestedBy"`
	PaidBy      string     `firestore:"paidBy,omitempty"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	PaidAt      *time.Time `firestore:"paidAt,omitempty"`
}

func newCashoutDocument(cashout domain.CashoutRequest) cashoutDocument {
	return cashoutDocument{
		DriverID:    cashout.DriverID,
		OrderIDs:    append([]string(nil), cashout.OrderIDs...),
		Amount:      cashout.Amount.Cents(),
		Status:      string(cashout.Status),
		RequestedBy: cashout.RequestedBy,
		PaidBy:      cashout.PaidBy,
		CreatedAt:   cashout.CreatedAt.UTC(),
		PaidAt:      cashout.PaidAt,
	}
}

func (d cashoutDocument) toDomain(id string) domain.CashoutRequest {
	return domain.CashoutRequest{
		ID:          id,
		DriverID:    d.DriverID,
		OrderIDs:    d.OrderIDs,
		Amount:      domain.Money(d.Amount),
		Status:      domain.CashoutStatus(d.Status),
		RequestedBy: d.RequestedBy,
		PaidBy:      d.PaidBy,
		CreatedAt:   d.CreatedAt.UTC(),
		PaidAt:      utcPtr(d.PaidAt),
	}
}

type discountDocument struct {
	Date               string    `firestore:"date"`
	ProductID          string    `firestore:"productId"`
	ListUnitPrice      int64     `firestore:"listUnitPrice"`
	PaidUnitPrice      int64     `firestore:"paidUnitPrice"`
	AggregatedQuantity int       `firestore:"aggregatedQuantity"`
	TotalDiscount      int64     `firestore:"totalDiscount"`
	CustomerShare      int64     `firestore:"customerShare"`
	BusinessShare      int64     `firestore:"businessShare"`
	CommittedBy        string    `firestore:"committedBy"`
	CommittedAt        time.Time `firestore:"committedAt"`
}

func newDiscountDocument(discount domain.ProcurementDiscount) discountDocument {
	return discountDocument{
		Date:               discount.Date,
		ProductID:          discount.ProductID,
		ListUnitPrice:      discount.ListUnitPrice.Cents(),
		PaidUnitPrice:      discount.PaidUnitPrice.Cents(),
		AggregatedQuantity: discount.AggregatedQuantity,
		TotalDiscount:      discount.TotalDiscount.Cents(),
		CustomerShare:      discount.CustomerShare.Cents(),
		BusinessShare:      discount.BusinessShare.Cents(),
		CommittedBy:        discount.CommittedBy,
		CommittedAt:        discount.CommittedAt.UTC(),
	}
}

func (d discountDocument) toDomain() domain.ProcurementDiscount {
	return domain.ProcurementDiscount{
		Date:               d.Date,
		ProductID:          d.ProductID,
		ListUnitPrice:      domain.Money(d.ListUnitPrice),
		PaidUnitPrice:      domain.Money(d.PaidUnitPrice),
		AggregatedQuantity: d.AggregatedQuantity,
		TotalDiscount:      domain.Money(d.TotalDiscount),
		CustomerShare:      domain.Money(d.CustomerShare),
		BusinessShare:      domain.Money(d.BusinessShare),
		CommittedBy:        d.CommittedBy,
		CommittedAt:        d.CommittedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
