package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

const (
	orderIDPrefix       = "ord_"
	maxDriverNoteLength = 1000
)

// orderStateTransitions is the delivery lifecycle graph. in_transit is only reachable through
// ReconcileItems, which TransitionStatus enforces separately.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusInTransit, domain.OrderStatusCancelled},
	domain.OrderStatusInTransit:  {domain.OrderStatusCompleted},
}

var driverAssignableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
	domain.OrderStatusInTransit,
}

var refundStatusTransitions = map[domain.RefundStatus]domain.RefundStatus{
	domain.RefundStatusPending:   domain.RefundStatusProcessed,
	domain.RefundStatusProcessed: domain.RefundStatusCredited,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Settlement  SettlementAccruer
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      EventPublisher
	Logger      Logger
}

type orderService struct {
	orders     repositories.OrderRepository
	settlement SettlementAccruer
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	notes      *bluemonday.Policy
	events     eventSink
	logger     Logger
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Settlement == nil {
		return nil, errors.New("order service: settlement accruer is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}

	return &orderService{
		orders:     deps.Orders,
		settlement: deps.Settlement,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		notes:  bluemonday.StrictPolicy(),
		events: eventSink{publisher: deps.Events, logger: logger},
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrValidation)
	}
	deliveryDate, err := normaliseDate(cmd.DeliveryDate)
	if err != nil {
		return Order{}, fmt.Errorf("delivery date: %w", err)
	}
	if len(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one line", ErrValidation)
	}
	if cmd.ServiceFee.IsNegative() {
		return Order{}, fmt.Errorf("%w: service fee must not be negative", ErrInvalidPrice)
	}

	lines := make([]OrderLine, 0, len(cmd.Lines))
	seen := make(map[string]struct{}, len(cmd.Lines))
	var subtotal Money
	for i, line := range cmd.Lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		line.Name = strings.TrimSpace(line.Name)
		switch {
		case line.ProductID == "":
			return Order{}, fmt.Errorf("%w: line %d product id is required", ErrValidation, i)
		case line.Quantity <= 0:
			return Order{}, fmt.Errorf("%w: line %s quantity must be positive", ErrInvalidQuantity, line.ProductID)
		case line.UnitPrice.IsNegative():
			return Order{}, fmt.Errorf("%w: line %s unit price must not be negative", ErrInvalidPrice, line.ProductID)
		}
		if _, dup := seen[line.ProductID]; dup {
			return Order{}, fmt.Errorf("%w: product %s appears more than once", ErrValidation, line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
		subtotal += line.Total()
		lines = append(lines, line)
	}

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		orderID = orderIDPrefix + s.newID()
	}

	now := s.now()
	total := subtotal + cmd.ServiceFee
	order := Order{
		ID:            orderID,
		CustomerID:    customerID,
		Status:        domain.OrderStatusPending,
		DeliveryDate:  deliveryDate,
		Items:         lines,
		Subtotal:      subtotal,
		ServiceFee:    cmd.ServiceFee,
		Total:         total,
		AdjustedTotal: total,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.runInTx(ctx, func(txCtx context.Context) error {
		return mapRepositoryError("orders.insert", s.orders.Insert(txCtx, order))
	}); err != nil {
		return Order{}, err
	}

	s.events.publish(ctx, DomainEvent{
		Type:        EventOrderCreated,
		AggregateID: order.ID,
		ActorID:     cmd.Actor.ID,
		OccurredAt:  now,
		Payload: map[string]any{
			"status":       string(order.Status),
			"deliveryDate": order.DeliveryDate,
			"totalCents":   order.Total.Cents(),
		},
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError("orders.find", err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) ([]Order, error) {
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
		}
	}
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, mapRepositoryError("orders.list", err)
	}
	return orders, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	target := domain.OrderStatus(strings.TrimSpace(string(cmd.TargetStatus)))
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown target status %q", ErrValidation, target)
	}

	var (
		updated  Order
		previous domain.OrderStatus
		changed  bool
		accrued  bool
	)
	now := s.now()
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		changed, accrued = false, false

		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError("orders.find", err)
		}
		previous = order.Status
		updated = order

		if order.Status == target && order.Status.IsTerminal() {
			return nil
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", ErrAlreadyTerminal, order.ID, order.Status)
		}
		if target == domain.OrderStatusInTransit {
			return fmt.Errorf("%w: %s -> %s requires collection verification", ErrInvalidTransition, order.Status, target)
		}
		if !canTransition(order.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, target)
		}
		if target == domain.OrderStatusCompleted && order.AssignedDriver() == "" {
			return fmt.Errorf("%w: order %s has no assigned driver", ErrValidation, order.ID)
		}

		applyStatus(&order, target, now)

		if target == domain.OrderStatusCompleted {
			// Reads inside the accrual precede the order write below.
			accrued, err = s.settlement.AccrueDelivery(txCtx, order)
			if err != nil {
				return err
			}
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError("orders.update", err)
		}
		updated = order
		changed = true
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if !changed {
		return updated, nil
	}

	s.logger(ctx, "order.status.changed", map[string]any{
		"order":   updated.ID,
		"from":    string(previous),
		"to":      string(updated.Status),
		"accrued": accrued,
	})
	s.events.publish(ctx, statusChangedEvent(updated, previous, cmd.Actor.ID, now))
	return updated, nil
}

func (s *orderService) AssignDriver(ctx context.Context, cmd AssignDriverCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	var driverID *string
	if cmd.DriverID != nil {
		trimmed := strings.TrimSpace(*cmd.DriverID)
		if trimmed == "" {
			return Order{}, fmt.Errorf("%w: driver id must not be blank", ErrValidation)
		}
		driverID = &trimmed
	}

	var (
		updated  Order
		previous string
		changed  bool
	)
	now := s.now()
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		changed = false
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError("orders.find", err)
		}
		updated = order
		previous = order.AssignedDriver()

		next := ""
		if driverID != nil {
			next = *driverID
		}
		if previous == next {
			return nil
		}
		if driverID != nil && !containsStatus(driverAssignableStatuses, order.Status) {
			return fmt.Errorf("%w: cannot assign a driver while order is %s", ErrStateConflict, order.Status)
		}

		order.DriverID = driverID
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError("orders.update", err)
		}
		updated = order
		changed = true
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if !changed {
		return updated, nil
	}

	s.events.publish(ctx, DomainEvent{
		Type:        EventOrderDriverAssigned,
		AggregateID: updated.ID,
		ActorID:     cmd.Actor.ID,
		OccurredAt:  now,
		Payload: map[string]any{
			"status":           string(updated.Status),
			"driverId":         updated.AssignedDriver(),
			"previousDriverId": previous,
		},
	})
	return updated, nil
}

func (s *orderService) ReconcileItems(ctx context.Context, cmd ReconcileItemsCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	if len(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: availability is required for every order line", ErrValidation)
	}
	note := s.sanitiseNote(cmd.Note)

	var (
		updated  Order
		previous domain.OrderStatus
		changed  bool
	)
	now := s.now()
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		changed = false
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError("orders.find", err)
		}
		previous = order.Status
		updated = order

		if !cmd.Actor.IsOperator() && order.AssignedDriver() != cmd.Actor.ID {
			return fmt.Errorf("%w: order %s is not assigned to %s", ErrPermissionDenied, order.ID, cmd.Actor.ID)
		}
		if order.Status != domain.OrderStatusProcessing && order.Status != domain.OrderStatusInTransit {
			return fmt.Errorf("%w: cannot verify collection while order is %s", ErrInvalidTransition, order.Status)
		}

		records, refund, err := computeShortfalls(order, cmd.Lines)
		if err != nil {
			return err
		}
		if refund > order.Total {
			return fmt.Errorf("%w: refund %d exceeds order total %d", ErrValidation, refund, order.Total)
		}

		next := order.Clone()
		next.MissingItems = records
		next.RefundAmount = refund
		next.AdjustedTotal = order.Total - refund
		if note != nil {
			next.DriverNote = note
		}
		if order.Status == domain.OrderStatusInTransit && sameReconciliation(order, next) {
			return nil
		}
		if refundSettled(order.RefundStatus) {
			if !sameShortfalls(order, next) {
				return fmt.Errorf("%w: refund for order %s is already %s", ErrStateConflict, order.ID, order.RefundStatus)
			}
		} else if refund > 0 {
			next.RefundStatus = domain.RefundStatusPending
		} else {
			next.RefundStatus = domain.RefundStatusNone
		}
		if order.Status == domain.OrderStatusProcessing {
			next.Status = domain.OrderStatusInTransit
		}
		next.UpdatedAt = now

		if err := s.orders.Update(txCtx, next); err != nil {
			return mapRepositoryError("orders.update", err)
		}
		updated = next
		changed = true
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if !changed {
		return updated, nil
	}

	events := []DomainEvent{{
		Type:        EventItemsReconciled,
		AggregateID: updated.ID,
		ActorID:     cmd.Actor.ID,
		OccurredAt:  now,
		Payload: map[string]any{
			"missingItems":       len(updated.MissingItems),
			"refundCents":        updated.RefundAmount.Cents(),
			"adjustedTotalCents": updated.AdjustedTotal.Cents(),
			"refundStatus":       string(updated.RefundStatus),
		},
	}}
	if previous != updated.Status {
		events = append(events, statusChangedEvent(updated, previous, cmd.Actor.ID, now))
	}
	s.events.publish(ctx, events...)
	return updated, nil
}

func (s *orderService) UpdateRefundStatus(ctx context.Context, cmd RefundStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	target := cmd.Status
	if target != domain.RefundStatusProcessed && target != domain.RefundStatusCredited && target != domain.RefundStatusPending {
		return Order{}, fmt.Errorf("%w: unknown refund status %q", ErrValidation, target)
	}

	var (
		updated  Order
		previous domain.RefundStatus
		changed  bool
	)
	now := s.now()
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		changed = false
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError("orders.find", err)
		}
		updated = order
		previous = order.RefundStatus

		if order.RefundAmount <= 0 {
			return fmt.Errorf("%w: order %s has no refund", ErrStateConflict, order.ID)
		}
		if order.RefundStatus == target {
			return nil
		}
		if refundStatusTransitions[order.RefundStatus] != target {
			return fmt.Errorf("%w: refund %s -> %s", ErrInvalidTransition, order.RefundStatus, target)
		}
		order.RefundStatus = target
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError("orders.update", err)
		}
		updated = order
		changed = true
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if changed {
		s.events.publish(ctx, DomainEvent{
			Type:        EventRefundStatusChanged,
			AggregateID: updated.ID,
			ActorID:     cmd.Actor.ID,
			OccurredAt:  now,
			Payload: map[string]any{
				"previousRefundStatus": string(previous),
				"refundStatus":         string(updated.RefundStatus),
				"refundCents":          updated.RefundAmount.Cents(),
			},
		})
	}
	return updated, nil
}

// computeShortfalls derives missing-item records in order-line order. Every line must be reported
// exactly once.
func computeShortfalls(order Order, reports []LineAvailability) ([]MissingItemRecord, Money, error) {
	byProduct := make(map[string]LineAvailability, len(reports))
	for _, report := range reports {
		productID := strings.TrimSpace(report.ProductID)
		if _, ok := order.Line(productID); !ok {
			return nil, 0, fmt.Errorf("%w: product %s is not part of order %s", ErrValidation, productID, order.ID)
		}
		if _, dup := byProduct[productID]; dup {
			return nil, 0, fmt.Errorf("%w: product %s reported more than once", ErrValidation, productID)
		}
		byProduct[productID] = report
	}

	var (
		records []MissingItemRecord
		refund  Money
	)
	for _, line := range order.Items {
		report, ok := byProduct[line.ProductID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: availability missing for product %s", ErrValidation, line.ProductID)
		}
		if report.AvailableQuantity < 0 || report.AvailableQuantity > line.Quantity {
			return nil, 0, fmt.Errorf("%w: product %s available %d outside 0..%d", ErrInvalidQuantity, line.ProductID, report.AvailableQuantity, line.Quantity)
		}
		missing := line.Quantity - report.AvailableQuantity
		if missing == 0 {
			continue
		}
		if !report.Reason.Valid() {
			return nil, 0, fmt.Errorf("%w: product %s is missing %d and needs a reason (out_of_stock or damaged)", ErrValidation, line.ProductID, missing)
		}
		record := MissingItemRecord{
			ProductID:       line.ProductID,
			OrderedQuantity: line.Quantity,
			MissingQuantity: missing,
			UnitPrice:       line.UnitPrice,
			Reason:          report.Reason,
		}
		records = append(records, record)
		refund += record.Refund()
	}
	return records, refund, nil
}

func sameReconciliation(current, next Order) bool {
	return sameShortfalls(current, next) && stringValue(current.DriverNote) == stringValue(next.DriverNote)
}

func sameShortfalls(current, next Order) bool {
	if current.RefundAmount != next.RefundAmount || len(current.MissingItems) != len(next.MissingItems) {
		return false
	}
	for i := range current.MissingItems {
		if current.MissingItems[i] != next.MissingItems[i] {
			return false
		}
	}
	return true
}

// refundSettled reports whether money has already moved for the refund.
func refundSettled(status domain.RefundStatus) bool {
	return status == domain.RefundStatusProcessed || status == domain.RefundStatusCredited
}

func (s *orderService) sanitiseNote(note *string) *string {
	if note == nil {
		return nil
	}
	cleaned := strings.TrimSpace(s.notes.Sanitize(*note))
	if utf8.RuneCountInString(cleaned) > maxDriverNoteLength {
		cleaned = string([]rune(cleaned)[:maxDriverNoteLength])
	}
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

func canTransition(from, to domain.OrderStatus) bool {
	return containsStatus(orderStateTransitions[from], to)
}

func containsStatus(statuses []domain.OrderStatus, target domain.OrderStatus) bool {
	for _, status := range statuses {
		if status == target {
			return true
		}
	}
	return false
}

func applyStatus(order *Order, target domain.OrderStatus, now time.Time) {
	order.Status = target
	order.UpdatedAt = now
	switch target {
	case domain.OrderStatusCompleted:
		order.CompletedAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	}
}

func statusChangedEvent(order Order, previous domain.OrderStatus, actorID string, now time.Time) DomainEvent {
	return DomainEvent{
		Type:        EventOrderStatusChanged,
		AggregateID: order.ID,
		ActorID:     actorID,
		OccurredAt:  now,
		Payload: map[string]any{
			"previousStatus": string(previous),
			"status":         string(order.Status),
			"driverId":       order.AssignedDriver(),
		},
	}
}

func normaliseDate(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: date is required", ErrValidation)
	}
	parsed, err := time.Parse(domain.DateLayout, value)
	if err != nil {
		return "", fmt.Errorf("%w: expected YYYY-MM-DD, got %q", ErrValidation, value)
	}
	return parsed.Format(domain.DateLayout), nil
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
