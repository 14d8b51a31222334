package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories/memory"
)

const testDeliveryFee Money = 4000

var (
	operator = Actor{ID: "staff-1", Roles: []string{RoleStaff}}
	admin    = Actor{ID: "admin-1", Roles: []string{RoleAdmin}}
)

func driverActor(id string) Actor {
	return Actor{ID: id, Roles: []string{RoleDriver}}
}

type captureEvents struct {
	mu     sync.Mutex
	events []DomainEvent
	err    error
}

func (c *captureEvents) PublishEvent(_ context.Context, event DomainEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}

func (c *captureEvents) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (c *captureLogger) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, event)
}

func (c *captureLogger) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry == event {
			return true
		}
	}
	return false
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%04d", n)
	}
}

type testEngine struct {
	store       *memory.Store
	clock       *testClock
	events      *captureEvents
	logs        *captureLogger
	orders      OrderService
	settlement  SettlementService
	procurement ProcurementService
	dashboard   DashboardService
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	e := &testEngine{
		store:  memory.NewStore(),
		clock:  &testClock{now: time.Date(2024, time.January, 4, 8, 0, 0, 0, time.UTC)},
		events: &captureEvents{},
		logs:   &captureLogger{},
	}

	settlement, err := NewSettlementService(SettlementServiceDeps{
		Ledger:         e.store.Ledger(),
		Orders:         e.store.Orders(),
		UnitOfWork:     e.store,
		PerDeliveryFee: testDeliveryFee,
		Clock:          e.clock.Now,
		IDGenerator:    sequentialIDs(),
		Events:         e.events,
		Logger:         e.logs.log,
	})
	if err != nil {
		t.Fatalf("new settlement service: %v", err)
	}
	orders, err := NewOrderService(OrderServiceDeps{
		Orders:      e.store.Orders(),
		Settlement:  settlement,
		UnitOfWork:  e.store,
		Clock:       e.clock.Now,
		IDGenerator: sequentialIDs(),
		Events:      e.events,
		Logger:      e.logs.log,
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	procurement, err := NewProcurementService(ProcurementServiceDeps{
		Orders:     e.store.Orders(),
		Discounts:  e.store.Discounts(),
		UnitOfWork: e.store,
		Clock:      e.clock.Now,
		Events:     e.events,
		Logger:     e.logs.log,
	})
	if err != nil {
		t.Fatalf("new procurement service: %v", err)
	}
	dashboard, err := NewDashboardService(DashboardServiceDeps{
		Orders: e.store.Orders(),
		Clock:  e.clock.Now,
	})
	if err != nil {
		t.Fatalf("new dashboard service: %v", err)
	}

	e.settlement = settlement
	e.orders = orders
	e.procurement = procurement
	e.dashboard = dashboard
	return e
}

func line(productID string, unitPrice Money, quantity int) OrderLine {
	return OrderLine{ProductID: productID, Name: "Product " + productID, UnitPrice: unitPrice, Quantity: quantity}
}

func (e *testEngine) createOrder(t *testing.T, id, date string, lines ...OrderLine) Order {
	t.Helper()
	order, err := e.orders.CreateOrder(context.Background(), CreateOrderCommand{
		OrderID:      id,
		CustomerID:   "cust-1",
		DeliveryDate: date,
		Lines:        lines,
		Actor:        operator,
	})
	if err != nil {
		t.Fatalf("create order %s: %v", id, err)
	}
	return order
}

func (e *testEngine) transition(t *testing.T, orderID string, target OrderStatus) Order {
	t.Helper()
	order, err := e.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: target,
		Actor:        operator,
	})
	if err != nil {
		t.Fatalf("transition %s to %s: %v", orderID, target, err)
	}
	return order
}

func (e *testEngine) assign(t *testing.T, orderID, driverID string) Order {
	t.Helper()
	order, err := e.orders.AssignDriver(context.Background(), AssignDriverCommand{
		OrderID:  orderID,
		DriverID: &driverID,
		Actor:    operator,
	})
	if err != nil {
		t.Fatalf("assign %s to %s: %v", orderID, driverID, err)
	}
	return order
}

func fullyAvailable(order Order) []LineAvailability {
	out := make([]LineAvailability, 0, len(order.Items))
	for _, item := range order.Items {
		out = append(out, LineAvailability{ProductID: item.ProductID, AvailableQuantity: item.Quantity})
	}
	return out
}

// deliver walks an order through assignment, collection and completion.
func (e *testEngine) deliver(t *testing.T, orderID, driverID string) Order {
	t.Helper()
	ctx := context.Background()
	e.assign(t, orderID, driverID)
	order := e.transition(t, orderID, domain.OrderStatusProcessing)
	if _, err := e.orders.ReconcileItems(ctx, ReconcileItemsCommand{
		OrderID: orderID,
		Lines:   fullyAvailable(order),
		Actor:   driverActor(driverID),
	}); err != nil {
		t.Fatalf("reconcile %s: %v", orderID, err)
	}
	return e.transition(t, orderID, domain.OrderStatusCompleted)
}
