package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

const (
	cashoutIDPrefix        = "cash_"
	settlementMetricPrefix = "github.com/MartinMaseko/locals.za-sub000/internal/services/settlement"
)

// SettlementServiceDeps bundles collaborators required to construct the settlement ledger.
type SettlementServiceDeps struct {
	Ledger         repositories.LedgerRepository
	Orders         repositories.OrderRepository
	UnitOfWork     repositories.UnitOfWork
	PerDeliveryFee Money
	Clock          func() time.Time
	IDGenerator    func() string
	Events         EventPublisher
	Logger         Logger
	Meter          metric.Meter
}

type settlementService struct {
	ledger     repositories.LedgerRepository
	orders     repositories.OrderRepository
	unitOfWork repositories.UnitOfWork
	fee        Money
	clock      func() time.Time
	newID      func() string
	events     eventSink
	logger     Logger

	cashoutsRequested metric.Int64Counter
	cashoutsPaid      metric.Int64Counter
}

var _ SettlementService = (*settlementService)(nil)

// NewSettlementService constructs the driver settlement ledger.
func NewSettlementService(deps SettlementServiceDeps) (SettlementService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("settlement service: ledger repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("settlement service: order repository is required")
	}
	if deps.PerDeliveryFee <= 0 {
		return nil, errors.New("settlement service: per-delivery fee must be positive")
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
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(settlementMetricPrefix)
	}

	svc := &settlementService{
		ledger:     deps.Ledger,
		orders:     deps.Orders,
		unitOfWork: unit,
		fee:        deps.PerDeliveryFee,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: eventSink{publisher: deps.Events, logger: logger},
		logger: logger,
	}

	var err error
	if svc.cashoutsRequested, err = meter.Int64Counter("settlement.cashouts.requested",
		metric.WithDescription("Cashout requests created"),
	); err != nil {
		logger(context.Background(), "settlement.metric.register.failed", map[string]any{"error": err.Error()})
	}
	if svc.cashoutsPaid, err = meter.Int64Counter("settlement.cashouts.paid_cents",
		metric.WithUnit("cents"),
		metric.WithDescription("Amount of cashouts marked paid"),
	); err != nil {
		logger(context.Background(), "settlement.metric.register.failed", map[string]any{"error": err.Error()})
	}
	return svc, nil
}

func (s *settlementService) PerDeliveryFee() Money {
	return s.fee
}

// AccrueDelivery records the fee for a completed order once. It returns false when the order had
// already accrued. Reads happen before writes so it can join a Firestore transaction.
func (s *settlementService) AccrueDelivery(ctx context.Context, order Order) (bool, error) {
	driverID := order.AssignedDriver()
	if driverID == "" {
		return false, fmt.Errorf("%w: order %s has no assigned driver", ErrValidation, order.ID)
	}

	accrued := false
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		accrued = false
		if _, err := s.ledger.FindAccrual(txCtx, order.ID); err == nil {
			return nil
		} else if !isNotFound(err) {
			return mapRepositoryError("ledger.accruals.find", err)
		}

		account, err := s.loadAccount(txCtx, driverID)
		if err != nil {
			return err
		}

		now := s.clock()
		if err := s.ledger.InsertAccrual(txCtx, domain.SettlementAccrual{
			OrderID:   order.ID,
			DriverID:  driverID,
			Amount:    s.fee,
			AccruedAt: now,
		}); err != nil {
			return mapRepositoryError("ledger.accruals.insert", err)
		}

		account.Accrued += s.fee
		account.CompletedDeliveries++
		account.UpdatedAt = now
		if err := s.ledger.SaveAccount(txCtx, account); err != nil {
			return mapRepositoryError("ledger.accounts.save", err)
		}
		accrued = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return accrued, nil
}

func (s *settlementService) RequestCashout(ctx context.Context, cmd CashoutCommand) (CashoutRequest, error) {
	driverID := strings.TrimSpace(cmd.DriverID)
	if driverID == "" {
		return CashoutRequest{}, fmt.Errorf("%w: driver id is required", ErrValidation)
	}
	if !cmd.Actor.IsOperator() && cmd.Actor.ID != driverID {
		return CashoutRequest{}, fmt.Errorf("%w: drivers may only cash out their own deliveries", ErrPermissionDenied)
	}

	var cashout CashoutRequest
	now := s.clock()
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		accruals, err := s.ledger.ListAccruals(txCtx, repositories.AccrualListFilter{DriverID: driverID, UnclaimedOnly: true})
		if err != nil {
			return mapRepositoryError("ledger.accruals.list", err)
		}
		if len(accruals) == 0 {
			return fmt.Errorf("%w: driver %s has no unclaimed deliveries", ErrNothingToCashOut, driverID)
		}
		account, err := s.loadAccount(txCtx, driverID)
		if err != nil {
			return err
		}

		orderIDs := make([]string, 0, len(accruals))
		var amount Money
		for _, accrual := range accruals {
			orderIDs = append(orderIDs, accrual.OrderID)
			amount += accrual.Amount
		}
		sort.Strings(orderIDs)

		cashout = CashoutRequest{
			ID:          cashoutIDPrefix + s.newID(),
			DriverID:    driverID,
			OrderIDs:    orderIDs,
			Amount:      amount,
			Status:      domain.CashoutStatusPending,
			RequestedBy: cmd.Actor.ID,
			CreatedAt:   now,
		}
		if err := s.ledger.InsertCashout(txCtx, cashout); err != nil {
			return mapRepositoryError("ledger.cashouts.insert", err)
		}
		if err := s.ledger.ClaimAccruals(txCtx, orderIDs, cashout.ID); err != nil {
			return mapRepositoryError("ledger.accruals.claim", err)
		}

		account.Accrued -= amount
		account.PendingTotal += amount
		account.LastCashoutAt = &now
		account.UpdatedAt = now
		if err := s.ledger.SaveAccount(txCtx, account); err != nil {
			return mapRepositoryError("ledger.accounts.save", err)
		}
		return nil
	})
	if err != nil {
		return CashoutRequest{}, err
	}

	if s.cashoutsRequested != nil {
		s.cashoutsRequested.Add(ctx, 1, metric.WithAttributes(attribute.Int("orders", len(cashout.OrderIDs))))
	}
	s.logger(ctx, "settlement.cashout.requested", map[string]any{
		"cashout": cashout.ID,
		"driver":  cashout.DriverID,
		"orders":  len(cashout.OrderIDs),
		"amount":  cashout.Amount.Cents(),
	})
	s.events.publish(ctx, DomainEvent{
		Type:        EventCashoutRequested,
		AggregateID: cashout.ID,
		ActorID:     cmd.Actor.ID,
		OccurredAt:  now,
		Payload: map[string]any{
			"driverId":    cashout.DriverID,
			"orderIds":    append([]string(nil), cashout.OrderIDs...),
			"amountCents": cashout.Amount.Cents(),
		},
	})
	return cashout, nil
}

func (s *settlementService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (CashoutRequest, error) {
	cashoutID := strings.TrimSpace(cmd.CashoutID)
	if cashoutID == "" {
		return CashoutRequest{}, fmt.Errorf("%w: cashout id is required", ErrValidation)
	}
	if !cmd.Actor.IsOperator() {
		return CashoutRequest{}, fmt.Errorf("%w: only operators may settle cashouts", ErrPermissionDenied)
	}

	var cashout CashoutRequest
	now := s.clock()
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.ledger.FindCashout(txCtx, cashoutID)
		if err != nil {
			return mapRepositoryError("ledger.cashouts.find", err)
		}
		if current.Status != domain.CashoutStatusPending {
			return fmt.Errorf("%w: cashout %s is %s", ErrAlreadyPaid, current.ID, current.Status)
		}
		account, err := s.loadAccount(txCtx, current.DriverID)
		if err != nil {
			return err
		}

		current.Status = domain.CashoutStatusCompleted
		current.PaidAt = &now
		current.PaidBy = cmd.Actor.ID
		if err := s.ledger.UpdateCashout(txCtx, current); err != nil {
			return mapRepositoryError("ledger.cashouts.update", err)
		}

		account.PendingTotal -= current.Amount
		account.PaidTotal += current.Amount
		account.UpdatedAt = now
		if err := s.ledger.SaveAccount(txCtx, account); err != nil {
			return mapRepositoryError("ledger.accounts.save", err)
		}
		cashout = current
		return nil
	})
	if err != nil {
		return CashoutRequest{}, err
	}

	if s.cashoutsPaid != nil {
		s.cashoutsPaid.Add(ctx, cashout.Amount.Cents())
	}
	s.events.publish(ctx, DomainEvent{
		Type:        EventCashoutPaid,
		AggregateID: cashout.ID,
		ActorID:     cmd.Actor.ID,
		OccurredAt:  now,
		Payload: map[string]any{
			"driverId":    cashout.DriverID,
			"amountCents": cashout.Amount.Cents(),
		},
	})
	return cashout, nil
}

func (s *settlementService) GetAccount(ctx context.Context, driverID string) (DriverAccount, error) {
	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return DriverAccount{}, fmt.Errorf("%w: driver id is required", ErrValidation)
	}
	return s.loadAccount(ctx, driverID)
}

func (s *settlementService) GetCashout(ctx context.Context, cashoutID string) (CashoutRequest, error) {
	cashoutID = strings.TrimSpace(cashoutID)
	if cashoutID == "" {
		return CashoutRequest{}, fmt.Errorf("%w: cashout id is required", ErrValidation)
	}
	cashout, err := s.ledger.FindCashout(ctx, cashoutID)
	if err != nil {
		return CashoutRequest{}, mapRepositoryError("ledger.cashouts.find", err)
	}
	return cashout, nil
}

func (s *settlementService) ListCashouts(ctx context.Context, filter CashoutListFilter) ([]CashoutRequest, error) {
	if filter.Status != "" && filter.Status != domain.CashoutStatusPending && filter.Status != domain.CashoutStatusCompleted {
		return nil, fmt.Errorf("%w: unknown cashout status %q", ErrValidation, filter.Status)
	}
	cashouts, err := s.ledger.ListCashouts(ctx, filter)
	if err != nil {
		return nil, mapRepositoryError("ledger.cashouts.list", err)
	}
	return cashouts, nil
}

func (s *settlementService) OrderPaymentStatus(ctx context.Context, orderID string) (OrderPaymentAttribution, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderPaymentAttribution{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return OrderPaymentAttribution{}, mapRepositoryError("orders.find", err)
	}

	result := OrderPaymentAttribution{OrderID: order.ID, DriverID: order.AssignedDriver(), State: domain.PaymentStateUnaccrued}
	accrual, err := s.ledger.FindAccrual(ctx, orderID)
	if isNotFound(err) {
		return result, nil
	}
	if err != nil {
		return OrderPaymentAttribution{}, mapRepositoryError("ledger.accruals.find", err)
	}

	result.DriverID = accrual.DriverID
	result.Amount = accrual.Amount
	result.State = domain.PaymentStateAccrued
	if !accrual.Claimed() {
		return result, nil
	}

	cashout, err := s.ledger.FindCashout(ctx, accrual.CashoutID)
	if err != nil {
		return OrderPaymentAttribution{}, mapRepositoryError("ledger.cashouts.find", err)
	}
	result.CashoutID = cashout.ID
	result.State = domain.PaymentStatePending
	if cashout.Status == domain.CashoutStatusCompleted {
		result.State = domain.PaymentStatePaid
		result.PaidAt = cashout.PaidAt
	}
	return result, nil
}

// AuditLedger checks that accrued balances plus cashed-out amounts equal the fee owed for every
// completed order, overall and per driver.
func (s *settlementService) AuditLedger(ctx context.Context) (LedgerAudit, error) {
	completed, err := s.orders.List(ctx, repositories.OrderListFilter{Statuses: []domain.OrderStatus{domain.OrderStatusCompleted}})
	if err != nil {
		return LedgerAudit{}, mapRepositoryError("orders.list", err)
	}
	accounts, err := s.ledger.ListAccounts(ctx)
	if err != nil {
		return LedgerAudit{}, mapRepositoryError("ledger.accounts.list", err)
	}
	cashouts, err := s.ledger.ListCashouts(ctx, repositories.CashoutListFilter{})
	if err != nil {
		return LedgerAudit{}, mapRepositoryError("ledger.cashouts.list", err)
	}
	accruals, err := s.ledger.ListAccruals(ctx, repositories.AccrualListFilter{})
	if err != nil {
		return LedgerAudit{}, mapRepositoryError("ledger.accruals.list", err)
	}
	accruedBy := make(map[string]string, len(accruals))
	for _, accrual := range accruals {
		accruedBy[accrual.OrderID] = accrual.DriverID
	}

	drivers := map[string]*DriverLedgerAudit{}
	driver := func(id string) *DriverLedgerAudit {
		entry, ok := drivers[id]
		if !ok {
			entry = &DriverLedgerAudit{DriverID: id}
			drivers[id] = entry
		}
		return entry
	}

	audit := LedgerAudit{
		PerDeliveryFee:  s.fee,
		CompletedOrders: len(completed),
		Expected:        s.fee.Times(len(completed)),
		CheckedAt:       s.clock(),
	}
	// The accrual records who was paid for a delivery; the order's driver can be cleared afterwards.
	for _, order := range completed {
		driverID, ok := accruedBy[order.ID]
		if !ok {
			audit.UnaccruedOrders = append(audit.UnaccruedOrders, order.ID)
			continue
		}
		entry := driver(driverID)
		entry.CompletedOrders++
		entry.Expected += s.fee
	}
	sort.Strings(audit.UnaccruedOrders)
	for _, account := range accounts {
		audit.Accrued += account.Accrued
		driver(account.DriverID).Accrued += account.Accrued
	}
	for _, cashout := range cashouts {
		audit.CashedOut += cashout.Amount
		driver(cashout.DriverID).CashedOut += cashout.Amount
	}

	for _, entry := range drivers {
		audit.Drivers = append(audit.Drivers, *entry)
	}
	sort.Slice(audit.Drivers, func(i, j int) bool { return audit.Drivers[i].DriverID < audit.Drivers[j].DriverID })

	if !audit.Balanced() {
		s.logger(ctx, "settlement.audit.drift", map[string]any{
			"expected":  audit.Expected.Cents(),
			"accrued":   audit.Accrued.Cents(),
			"cashedOut": audit.CashedOut.Cents(),
			"unaccrued": len(audit.UnaccruedOrders),
		})
	}
	return audit, nil
}

func (s *settlementService) loadAccount(ctx context.Context, driverID string) (DriverAccount, error) {
	account, err := s.ledger.FindAccount(ctx, driverID)
	if isNotFound(err) {
		return DriverAccount{DriverID: driverID}, nil
	}
	if err != nil {
		return DriverAccount{}, mapRepositoryError("ledger.accounts.find", err)
	}
	return account, nil
}

func (s *settlementService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}
