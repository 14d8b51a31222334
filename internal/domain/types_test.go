package domain

import (
	"testing"
	"time"
)

func TestOrderStatusPredicates(t *testing.T) {
	for _, status := range []OrderStatus{OrderStatusPending, OrderStatusProcessing, OrderStatusInTransit} {
		if status.IsTerminal() {
			t.Fatalf("%s must not be terminal", status)
		}
	}
	for _, status := range []OrderStatus{OrderStatusCompleted, OrderStatusCancelled} {
		if !status.IsTerminal() || !status.Valid() {
			t.Fatalf("%s must be a valid terminal status", status)
		}
	}
	if OrderStatus("delivered").Valid() {
		t.Fatalf("legacy vocabulary must be rejected")
	}
}

func TestDateRangeContains(t *testing.T) {
	r := DateRange{From: "2024-01-05", To: "2024-01-07"}
	for date, want := range map[string]bool{
		"2024-01-04": false,
		"2024-01-05": true,
		"2024-01-07": true,
		"2024-01-08": false,
	} {
		if got := r.Contains(date); got != want {
			t.Fatalf("Contains(%s) = %v, want %v", date, got, want)
		}
	}
	if !(DateRange{}).Contains("1999-12-31") {
		t.Fatalf("empty range is unbounded")
	}
}

func TestWindowSince(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	if got := LastDays(7).Since(now); !got.Equal(time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("LastDays(7).Since = %s", got)
	}
	if !AllTime.Since(now).IsZero() || !LastDays(-3).Since(now).IsZero() {
		t.Fatalf("all-time windows have no lower bound")
	}
}

func TestOrderCloneIsDeep(t *testing.T) {
	driver := "drv-1"
	completed := time.Now()
	order := Order{
		Items:        []OrderLine{{ProductID: "a", Quantity: 1}},
		MissingItems: []MissingItemRecord{{ProductID: "a", MissingQuantity: 1}},
		DriverID:     &driver,
		CompletedAt:  &completed,
	}
	clone := order.Clone()
	clone.Items[0].Quantity = 5
	clone.MissingItems[0].MissingQuantity = 9
	*clone.DriverID = "drv-2"

	if order.Items[0].Quantity != 1 || order.MissingItems[0].MissingQuantity != 1 || order.AssignedDriver() != "drv-1" {
		t.Fatalf("clone aliases the original: %+v", order)
	}
	if clone.CompletedAt == order.CompletedAt {
		t.Fatalf("time pointers must be copied")
	}
}

func TestMissingItemRefund(t *testing.T) {
	record := MissingItemRecord{UnitPrice: 2000, MissingQuantity: 2}
	if record.Refund() != 4000 {
		t.Fatalf("Refund = %d", record.Refund())
	}
	if (OrderLine{UnitPrice: 250, Quantity: 4}).Total() != 1000 {
		t.Fatalf("line total mismatch")
	}
}
