package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
)

func TestSettlementCashoutScenarioB(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("ord-%d", i)
		e.createOrder(t, id, "2024-01-05", line("a", 1000, 1))
		e.deliver(t, id, "drv-1")
	}
	e.events.reset()

	cashout, err := e.settlement.RequestCashout(ctx, CashoutCommand{DriverID: "drv-1", Actor: driverActor("drv-1")})
	if err != nil {
		t.Fatalf("request cashout: %v", err)
	}
	if cashout.Amount != 4*testDeliveryFee {
		t.Fatalf("expected amount 16000, got %d", cashout.Amount)
	}
	if !slices.Equal(cashout.OrderIDs, []string{"ord-1", "ord-2", "ord-3", "ord-4"}) {
		t.Fatalf("unexpected order ids %v", cashout.OrderIDs)
	}
	if cashout.Status != domain.CashoutStatusPending || cashout.ID != "cash_0001" {
		t.Fatalf("unexpected cashout %+v", cashout)
	}

	if _, err := e.settlement.RequestCashout(ctx, CashoutCommand{DriverID: "drv-1", Actor: driverActor("drv-1")}); !errors.Is(err, ErrNothingToCashOut) {
		t.Fatalf("expected nothing to cash out, got %v", err)
	}

	account, err := e.settlement.GetAccount(ctx, "drv-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Accrued != 0 || account.PendingTotal != 16000 || account.LastCashoutAt == nil {
		t.Fatalf("unexpected account after cashout %+v", account)
	}
	if got := e.events.types(); !slices.Equal(got, []string{EventCashoutRequested}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestSettlementMarkPaidScenarioE(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.createOrder(t, "ord-1", "2024-01-05", line("a", 1000, 1))
	e.deliver(t, "ord-1", "drv-1")
	cashout, err := e.settlement.RequestCashout(ctx, CashoutCommand{DriverID: "drv-1", Actor: operator})
	if err != nil {
		t.Fatalf("request cashout: %v", err)
	}

	e.clock.Advance(time.Hour)
	paid, err := e.settlement.MarkPaid(ctx, MarkPaidCommand{CashoutID: cashout.ID, Actor: admin})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.Status != domain.CashoutStatusCompleted || paid.PaidAt == nil || paid.PaidBy != admin.ID {
		t.Fatalf("unexpected paid cashout %+v", paid)
	}
	firstPaidAt := *paid.PaidAt

	e.clock.Advance(time.Hour)
	if _, err := e.settlement.MarkPaid(ctx, MarkPaidCommand{CashoutID: cashout.ID, Actor: admin}); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected already paid, got %v", err)
	}
	stored, err := e.settlement.GetCashout(ctx, cashout.ID)
	if err != nil {
		t.Fatalf("get cashout: %v", err)
	}
	if stored.PaidAt == nil || !stored.PaidAt.Equal(firstPaidAt) {
		t.Fatalf("paidAt changed on second call: %v", stored.PaidAt)
	}

	account, err := e.settlement.GetAccount(ctx, "drv-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.PendingTotal != 0 || account.PaidTotal != testDeliveryFee {
		t.Fatalf("unexpected account after payout %+v", account)
	}
}

func TestSettlementPermissionsAndLookups(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.settlement.RequestCashout(ctx, CashoutCommand{DriverID: "drv-1", Actor: driverActor("drv-2")}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected drivers to be limited to themselves, got %v", err)
	}
	if _, err := e.settlement.RequestCashout(ctx, CashoutCommand{DriverID: "drv-1", Actor: operator}); !errors.Is(err, ErrNothingToCashOut) {
		t.Fatalf("expected nothing to cash out for a fresh driver, got %v", err)
	}
	if _, err := e.settlement.MarkPaid(ctx, MarkPaidCommand{CashoutID: "cash_x", Actor: driverActor("drv-1")}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected drivers to be unable to settle, got %v", err)
	}
	if _, err := e.settlement.MarkPaid(ctx, MarkPaidCommand{CashoutID: "cash_x", Actor: operator}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	account, err := e.settlement.GetAccount(ctx, "drv-unknown")
	if err != nil {
		t.Fatalf("unknown drivers get a zero account, got %v", err)
	}
	if account.DriverID != "drv-unknown" || account.Accrued != 0 {
		t.Fatalf("unexpected account %+v", account)
	}
	if _, err := e.settlement.ListCashouts(ctx, CashoutListFilter{Status: "void"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown cashout status to fail, got %v", err)
	}
}

func TestSettlementOrderPaymentStatus(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.createOrder(t, "ord-1", "2024-01-05", line("a", 1000, 1))

	state := func() OrderPaymentAttribution {
		t.Helper()
		status, err := e.settlement.OrderPaymentStatus(ctx, "ord-1")
		if err != nil {
			t.Fatalf("payment status: %v", err)
		}
		return status
	}

	if got := state(); got.State != domain.PaymentStateUnaccrued {
		t.Fatalf("expected unaccrued, got %s", got.State)
	}
	e.deliver(t, "ord-1", "drv-1")
	if got := state(); got.State != domain.PaymentStateAccrued || got.Amount != testDeliveryFee || got.DriverID != "drv-1" {
		t.Fatalf("expected accrued, got %+v", got)
	}
	cashout, err := e.settlement.RequestCashout(ctx, CashoutCommand{DriverID: "drv-1", Actor: driverActor("drv-1")})
	if err != nil {
		t.Fatalf("request cashout: %v", err)
	}
	if got := state(); got.State != domain.PaymentStatePending || got.CashoutID != cashout.ID {
		t.Fatalf("expected pending, got %+v", got)
	}
	if _, err := e.settlement.MarkPaid(ctx, MarkPaidCommand{CashoutID: cashout.ID, Actor: operator}); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if got := state(); got.State != domain.PaymentStatePaid || got.PaidAt == nil {
		t.Fatalf("expected paid, got %+v", got)
	}
	if _, err := e.settlement.OrderPaymentStatus(ctx, "ord-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSettlementAuditLedgerBalances(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	for i, driver := range []string{"drv-1", "drv-1", "drv-2"} {
		id := fmt.Sprintf("ord-%d", i)
		e.createOrder(t, id, "2024-01-05", line("a", 1000, 1))
		e.deliver(t, id, driver)
	}
	if _, err := e.settlement.RequestCashout(ctx, CashoutCommand{DriverID: "drv-1", Actor: operator}); err != nil {
		t.Fatalf("request cashout: %v", err)
	}

	audit, err := e.settlement.AuditLedger(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !audit.Balanced() {
		t.Fatalf("expected balanced ledger, got %+v", audit)
	}
	if audit.CompletedOrders != 3 || audit.Expected != 3*testDeliveryFee || audit.CashedOut != 2*testDeliveryFee || audit.Accrued != testDeliveryFee {
		t.Fatalf("unexpected audit totals %+v", audit)
	}
	if len(audit.Drivers) != 2 || audit.Drivers[0].DriverID != "drv-1" {
		t.Fatalf("unexpected driver breakdown %+v", audit.Drivers)
	}
	for _, driver := range audit.Drivers {
		if driver.Drift() != 0 {
			t.Fatalf("driver %s drifted by %d", driver.DriverID, driver.Drift())
		}
	}

	// Corrupt an account to prove drift is detected.
	account, err := e.store.Ledger().FindAccount(ctx, "drv-2")
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	account.Accrued += 100
	if err := e.store.Ledger().SaveAccount(ctx, account); err != nil {
		t.Fatalf("save account: %v", err)
	}
	audit, err = e.settlement.AuditLedger(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if audit.Balanced() {
		t.Fatalf("expected drift to be reported")
	}
	if !e.logs.has("settlement.audit.drift") {
		t.Fatalf("expected drift to be logged")
	}
}

func TestSettlementAuditLedgerAttributesByAccrual(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.createOrder(t, "ord-1", "2024-01-05", line("a", 1000, 1))
	e.deliver(t, "ord-1", "drv-1")
	if _, err := e.orders.AssignDriver(ctx, AssignDriverCommand{OrderID: "ord-1", Actor: operator}); err != nil {
		t.Fatalf("unassign: %v", err)
	}

	audit, err := e.settlement.AuditLedger(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !audit.Balanced() {
		t.Fatalf("expected balanced ledger, got %+v", audit)
	}
	if len(audit.Drivers) != 1 || audit.Drivers[0].DriverID != "drv-1" {
		t.Fatalf("unexpected driver breakdown %+v", audit.Drivers)
	}
	if got := audit.Drivers[0]; got.Expected != testDeliveryFee || got.Drift() != 0 || got.CompletedOrders != 1 {
		t.Fatalf("unexpected drv-1 audit %+v", got)
	}
	if len(audit.UnaccruedOrders) != 0 {
		t.Fatalf("expected no unaccrued orders, got %v", audit.UnaccruedOrders)
	}

	// A completed order that never accrued is reported on its own.
	order := e.createOrder(t, "ord-2", "2024-01-05", line("a", 1000, 1))
	order.Status = domain.OrderStatusCompleted
	if err := e.store.Orders().Update(ctx, order); err != nil {
		t.Fatalf("update order: %v", err)
	}
	audit, err = e.settlement.AuditLedger(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if audit.Balanced() {
		t.Fatalf("expected missing accrual to unbalance the ledger")
	}
	if len(audit.UnaccruedOrders) != 1 || audit.UnaccruedOrders[0] != "ord-2" {
		t.Fatalf("unexpected unaccrued orders %v", audit.UnaccruedOrders)
	}
	for _, driver := range audit.Drivers {
		if driver.Drift() != 0 {
			t.Fatalf("driver %q drifted by %d", driver.DriverID, driver.Drift())
		}
	}
}

func TestSettlementAccrueDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	driver := "drv-1"
	order := Order{ID: "ord-1", Status: domain.OrderStatusCompleted, DriverID: &driver}

	first, err := e.settlement.AccrueDelivery(ctx, order)
	if err != nil || !first {
		t.Fatalf("expected first accrual to record, got %v %v", first, err)
	}
	second, err := e.settlement.AccrueDelivery(ctx, order)
	if err != nil || second {
		t.Fatalf("expected second accrual to be skipped, got %v %v", second, err)
	}
	if _, err := e.settlement.AccrueDelivery(ctx, Order{ID: "ord-2"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected accrual without driver to fail, got %v", err)
	}

	account, err := e.settlement.GetAccount(ctx, driver)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Accrued != testDeliveryFee || account.CompletedDeliveries != 1 {
		t.Fatalf("unexpected account %+v", account)
	}
}

func TestSettlementConcurrentCashoutsClaimOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("ord-%d", i)
		e.createOrder(t, id, "2024-01-05", line("a", 1000, 1))
		e.deliver(t, id, "drv-1")
	}

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []CashoutRequest
		empty     int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cashout, err := e.settlement.RequestCashout(ctx, CashoutCommand{DriverID: "drv-1", Actor: driverActor("drv-1")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded = append(succeeded, cashout)
			case errors.Is(err, ErrNothingToCashOut):
				empty++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(succeeded) != 1 || empty != callers-1 {
		t.Fatalf("expected exactly one cashout, got %d (empty %d)", len(succeeded), empty)
	}
	if len(succeeded[0].OrderIDs) != 5 || succeeded[0].Amount != 5*testDeliveryFee {
		t.Fatalf("unexpected cashout %+v", succeeded[0])
	}
}

func TestNewSettlementServiceValidatesDeps(t *testing.T) {
	e := newTestEngine(t)
	if _, err := NewSettlementService(SettlementServiceDeps{Orders: e.store.Orders(), PerDeliveryFee: 1}); err == nil {
		t.Fatalf("expected error without ledger")
	}
	if _, err := NewSettlementService(SettlementServiceDeps{Ledger: e.store.Ledger(), Orders: e.store.Orders()}); err == nil {
		t.Fatalf("expected error without fee")
	}
}
