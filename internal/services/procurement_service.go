package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

// Customers receive three quarters of realised procurement savings; the business keeps the rest.
const (
	customerShareNumerator   = 3
	customerShareDenominator = 4
)

// procurementRelevant selects orders whose stock still has to be bought.
func procurementRelevant(status OrderStatus) bool {
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusInTransit:
		return true
	}
	return false
}

// ProcurementServiceDeps bundles collaborators required by the procurement discount allocator.
type ProcurementServiceDeps struct {
	Orders     repositories.OrderRepository
	Discounts  repositories.DiscountRepository
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	Events     EventPublisher
	Logger     Logger
}

type procurementService struct {
	orders     repositories.OrderRepository
	discounts  repositories.DiscountRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	events     eventSink
	logger     Logger
}

var _ ProcurementService = (*procurementService)(nil)

// NewProcurementService constructs the procurement discount allocator.
func NewProcurementService(deps ProcurementServiceDeps) (ProcurementService, error) {
	if deps.Orders == nil {
		return nil, errors.New("procurement service: order repository is required")
	}
	if deps.Discounts == nil {
		return nil, errors.New("procurement service: discount repository is required")
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &procurementService{
		orders:     deps.Orders,
		discounts:  deps.Discounts,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		events: eventSink{publisher: deps.Events, logger: logger},
		logger: logger,
	}, nil
}

func (s *procurementService) Aggregate(ctx context.Context, dates DateRange) ([]ProcurementLine, error) {
	dates, err := normaliseDateRange(dates)
	if err != nil {
		return nil, err
	}
	return s.aggregate(ctx, dates)
}

func (s *procurementService) aggregate(ctx context.Context, dates DateRange) ([]ProcurementLine, error) {
	orders, err := s.orders.List(ctx, repositories.OrderListFilter{
		Statuses:      []OrderStatus{domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusInTransit},
		DeliveryDates: dates,
	})
	if err != nil {
		return nil, mapRepositoryError("orders.list", err)
	}

	type key struct{ date, productID string }
	grouped := map[key]*ProcurementLine{}
	for _, order := range orders {
		if !procurementRelevant(order.Status) || !dates.Contains(order.DeliveryDate) {
			continue
		}
		for _, line := range order.Items {
			k := key{date: order.DeliveryDate, productID: line.ProductID}
			entry, ok := grouped[k]
			if !ok {
				entry = &ProcurementLine{Date: k.date, ProductID: k.productID, ListUnitPrice: line.UnitPrice}
				grouped[k] = entry
			} else if entry.ListUnitPrice != line.UnitPrice {
				return nil, fmt.Errorf("%w: product %s on %s is listed at %d and %d cents",
					ErrPriceInconsistency, k.productID, k.date, entry.ListUnitPrice.Cents(), line.UnitPrice.Cents())
			}
			entry.AggregatedQuantity += line.Quantity
			entry.OrderCount++
		}
	}

	lines := make([]ProcurementLine, 0, len(grouped))
	for _, entry := range grouped {
		lines = append(lines, *entry)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Date != lines[j].Date {
			return lines[i].Date < lines[j].Date
		}
		return lines[i].ProductID < lines[j].ProductID
	})
	return lines, nil
}

// SaveDiscount commits the paid unit price for (date, product) exactly once. The aggregated quantity
// is snapshotted inside the same transaction and never recomputed afterwards.
func (s *procurementService) SaveDiscount(ctx context.Context, cmd SaveDiscountCommand) (ProcurementDiscount, error) {
	date, err := normaliseDate(cmd.Date)
	if err != nil {
		return ProcurementDiscount{}, err
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return ProcurementDiscount{}, fmt.Errorf("%w: product id is required", ErrValidation)
	}
	if cmd.PaidUnitPrice <= 0 {
		return ProcurementDiscount{}, fmt.Errorf("%w: paid unit price must be positive", ErrInvalidPrice)
	}
	if !cmd.Actor.IsOperator() {
		return ProcurementDiscount{}, fmt.Errorf("%w: only operators may commit discounts", ErrPermissionDenied)
	}

	var discount ProcurementDiscount
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		existing, err := s.discounts.Find(txCtx, date, productID)
		if err == nil {
			return fmt.Errorf("%w: discount for %s on %s committed at %s",
				ErrAlreadyRecorded, existing.ProductID, existing.Date, existing.CommittedAt.Format(time.RFC3339))
		}
		if !isNotFound(err) {
			return mapRepositoryError("discounts.find", err)
		}

		lines, err := s.aggregate(txCtx, DateRange{From: date, To: date})
		if err != nil {
			return err
		}
		var line *ProcurementLine
		for i := range lines {
			if lines[i].ProductID == productID {
				line = &lines[i]
				break
			}
		}
		if line == nil {
			return fmt.Errorf("%w: no demand for product %s on %s", ErrNotFound, productID, date)
		}
		if cmd.PaidUnitPrice >= line.ListUnitPrice {
			return fmt.Errorf("%w: paid unit price %d must be below list price %d",
				ErrInvalidPrice, cmd.PaidUnitPrice.Cents(), line.ListUnitPrice.Cents())
		}

		total := (line.ListUnitPrice - cmd.PaidUnitPrice).Times(line.AggregatedQuantity)
		customer, business := total.Split(customerShareNumerator, customerShareDenominator)
		discount = ProcurementDiscount{
			Date:               date,
			ProductID:          productID,
			ListUnitPrice:      line.ListUnitPrice,
			PaidUnitPrice:      cmd.PaidUnitPrice,
			AggregatedQuantity: line.AggregatedQuantity,
			TotalDiscount:      total,
			CustomerShare:      customer,
			BusinessShare:      business,
			CommittedBy:        cmd.Actor.ID,
			CommittedAt:        s.clock(),
		}
		if err := s.discounts.Insert(txCtx, discount); err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsConflict() {
				return fmt.Errorf("%w: discount for %s on %s", ErrAlreadyRecorded, productID, date)
			}
			return mapRepositoryError("discounts.insert", err)
		}
		return nil
	})
	if err != nil {
		return ProcurementDiscount{}, err
	}

	s.logger(ctx, "procurement.discount.committed", map[string]any{
		"date":     discount.Date,
		"product":  discount.ProductID,
		"quantity": discount.AggregatedQuantity,
		"total":    discount.TotalDiscount.Cents(),
	})
	s.events.publish(ctx, DomainEvent{
		Type:        EventDiscountCommitted,
		AggregateID: discount.Date + "_" + discount.ProductID,
		ActorID:     cmd.Actor.ID,
		OccurredAt:  discount.CommittedAt,
		Payload: map[string]any{
			"date":               discount.Date,
			"productId":          discount.ProductID,
			"aggregatedQuantity": discount.AggregatedQuantity,
			"totalDiscountCents": discount.TotalDiscount.Cents(),
			"customerShareCents": discount.CustomerShare.Cents(),
			"businessShareCents": discount.BusinessShare.Cents(),
		},
	})
	return discount, nil
}

func (s *procurementService) ListDiscounts(ctx context.Context, dates DateRange) ([]ProcurementDiscount, error) {
	dates, err := normaliseDateRange(dates)
	if err != nil {
		return nil, err
	}
	discounts, err := s.discounts.List(ctx, dates)
	if err != nil {
		return nil, mapRepositoryError("discounts.list", err)
	}
	return discounts, nil
}

// Summary totals committed discounts in the range and ranks the top records by business share.
func (s *procurementService) Summary(ctx context.Context, dates DateRange, top int) (DiscountSummary, error) {
	if top < 0 {
		return DiscountSummary{}, fmt.Errorf("%w: top must not be negative", ErrValidation)
	}
	discounts, err := s.ListDiscounts(ctx, dates)
	if err != nil {
		return DiscountSummary{}, err
	}

	summary := DiscountSummary{Dates: dates, Records: len(discounts)}
	for _, discount := range discounts {
		summary.AggregatedQuantity += discount.AggregatedQuantity
		summary.TotalDiscount += discount.TotalDiscount
		summary.CustomerShare += discount.CustomerShare
		summary.BusinessShare += discount.BusinessShare
	}

	ranked := append([]ProcurementDiscount(nil), discounts...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.BusinessShare != b.BusinessShare {
			return a.BusinessShare > b.BusinessShare
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.ProductID < b.ProductID
	})
	if top < len(ranked) {
		ranked = ranked[:top]
	}
	summary.Top = ranked
	return summary, nil
}

func (s *procurementService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func normaliseDateRange(dates DateRange) (DateRange, error) {
	var err error
	if strings.TrimSpace(dates.From) != "" {
		if dates.From, err = normaliseDate(dates.From); err != nil {
			return DateRange{}, err
		}
	}
	if strings.TrimSpace(dates.To) != "" {
		if dates.To, err = normaliseDate(dates.To); err != nil {
			return DateRange{}, err
		}
	}
	if dates.From != "" && dates.To != "" && dates.From > dates.To {
		return DateRange{}, fmt.Errorf("%w: date range starts after it ends", ErrValidation)
	}
	return dates, nil
}
