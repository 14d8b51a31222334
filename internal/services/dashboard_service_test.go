package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories/memory"
)

func TestDashboardOverview(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	e.createOrder(t, "ord-old", "2023-12-01", line("eggs", 3000, 9))
	e.clock.Advance(10 * 24 * time.Hour)
	e.createOrder(t, "ord-1", "2024-01-15", line("milk", 2000, 2), line("bread", 1500, 1))
	e.createOrder(t, "ord-2", "2024-01-15", line("milk", 2000, 3), line("eggs", 3000, 1))
	e.createOrder(t, "ord-3", "2024-01-15", line("milk", 2000, 50))
	e.transition(t, "ord-3", domain.OrderStatusCancelled)

	overview, err := e.dashboard.Overview(ctx, domain.LastDays(7), 2)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if overview.OrderCount != 2 {
		t.Fatalf("expected two revenue orders, got %d", overview.OrderCount)
	}
	if overview.Revenue != 14500 || overview.Subtotals != 14500 || overview.ServiceFees != 0 {
		t.Fatalf("unexpected revenue %+v", overview)
	}
	if overview.StatusCounts[domain.OrderStatusPending] != 2 || overview.StatusCounts[domain.OrderStatusCancelled] != 1 {
		t.Fatalf("unexpected status counts %+v", overview.StatusCounts)
	}
	if len(overview.TopProducts) != 2 || overview.TopProducts[0].ProductID != "milk" || overview.TopProducts[0].Quantity != 5 {
		t.Fatalf("unexpected top products %+v", overview.TopProducts)
	}
	if overview.TopProducts[1].ProductID != "bread" {
		t.Fatalf("expected ties broken by product id, got %+v", overview.TopProducts[1])
	}

	all, err := e.dashboard.Overview(ctx, domain.AllTime, 5)
	if err != nil {
		t.Fatalf("overview all time: %v", err)
	}
	if all.OrderCount != 3 || !all.Since.IsZero() {
		t.Fatalf("expected all orders in all-time window, got %+v", all)
	}
	if _, err := e.dashboard.Overview(ctx, domain.AllTime, -1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected negative top to fail, got %v", err)
	}
}

func TestDashboardOverviewExcludesOrdersBeforeCutoff(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, created := range []time.Time{cutoff.Add(-time.Hour), cutoff, cutoff.Add(time.Hour)} {
		if err := store.Orders().Insert(ctx, domain.Order{
			ID:        string(rune('a' + i)),
			Status:    domain.OrderStatusCompleted,
			Items:     []OrderLine{line("p", 100, 1)},
			Subtotal:  100,
			Total:     100,
			CreatedAt: created,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	svc, err := NewDashboardService(DashboardServiceDeps{Orders: store.Orders(), DataCutoff: cutoff})
	if err != nil {
		t.Fatalf("new dashboard service: %v", err)
	}
	overview, err := svc.Overview(ctx, domain.AllTime, 3)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if overview.OrderCount != 2 || overview.Revenue != 200 {
		t.Fatalf("expected orders before cutoff excluded, got %+v", overview)
	}
	if overview.StatusCounts[domain.OrderStatusCompleted] != 3 {
		t.Fatalf("status counts include every order in the window, got %+v", overview.StatusCounts)
	}
}

func TestDashboardDriverProgress(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.createOrder(t, "ord-1", "2024-01-05", line("a", 1000, 1))
	e.deliver(t, "ord-1", "drv-1")
	e.createOrder(t, "ord-2", "2024-01-05", line("a", 1000, 1))
	e.assign(t, "ord-2", "drv-1")
	e.transition(t, "ord-2", domain.OrderStatusProcessing)
	e.createOrder(t, "ord-3", "2024-01-05", line("a", 1000, 1))
	e.assign(t, "ord-3", "drv-1")
	e.createOrder(t, "ord-4", "2024-01-05", line("a", 1000, 1))
	e.deliver(t, "ord-4", "drv-2")

	progress, err := e.dashboard.DriverProgress(ctx, "drv-1", domain.AllTime)
	if err != nil {
		t.Fatalf("driver progress: %v", err)
	}
	if progress.Progressed != 2 || progress.Completed != 1 || progress.InFlight != 1 {
		t.Fatalf("unexpected progress %+v", progress)
	}
	if _, err := e.dashboard.DriverProgress(ctx, " ", domain.AllTime); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected driver id validation, got %v", err)
	}
}
