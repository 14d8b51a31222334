package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/MartinMaseko/locals.za-sub000/internal/services"
)

func TestProcurementHandlers_ListLines(t *testing.T) {
	var captured services.DateRange
	svc := &stubProcurementService{
		aggregateFn: func(_ context.Context, dates services.DateRange) ([]services.ProcurementLine, error) {
			captured = dates
			return []services.ProcurementLine{
				{Date: "2025-03-02", ProductID: "milk", ListUnitPrice: 3500, AggregatedQuantity: 12, OrderCount: 5},
			}, nil
		},
	}
	h := NewProcurementHandlers(nil, svc)
	router := mountAs(staff(), h.Routes)

	rec := doRequest(t, router, http.MethodGet, "/lines?from=2025-03-01&to=2025-03-07", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.From != "2025-03-01" || captured.To != "2025-03-07" {
		t.Fatalf("unexpected range %+v", captured)
	}
	var resp struct {
		Items []procurementLinePayload `json:"items"`
	}
	decodeResponse(t, rec, &resp)
	if len(resp.Items) != 1 || resp.Items[0].AggregatedQuantity != 12 {
		t.Fatalf("unexpected items %+v", resp.Items)
	}

	rec = doRequest(t, router, http.MethodGet, "/lines?from=2025-03-07&to=2025-03-01", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodGet, "/lines?from=03/01/2025", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", rec.Code)
	}
}

func TestProcurementHandlers_OperatorsOnly(t *testing.T) {
	h := NewProcurementHandlers(nil, &stubProcurementService{})
	rec := doRequest(t, mountAs(driver("drv-1"), h.Routes), http.MethodGet, "/lines", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestProcurementHandlers_SaveDiscount(t *testing.T) {
	var captured services.SaveDiscountCommand
	svc := &stubProcurementService{
		saveFn: func(_ context.Context, cmd services.SaveDiscountCommand) (services.ProcurementDiscount, error) {
			captured = cmd
			return services.ProcurementDiscount{
				Date:               cmd.Date,
				ProductID:          cmd.ProductID,
				ListUnitPrice:      3500,
				PaidUnitPrice:      cmd.PaidUnitPrice,
				AggregatedQuantity: 10,
				TotalDiscount:      5000,
				CustomerShare:      2500,
				BusinessShare:      2500,
				CommittedBy:        cmd.Actor.ID,
				CommittedAt:        time.Date(2025, 3, 2, 6, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	h := NewProcurementHandlers(nil, svc)

	rec := doRequest(t, mountAs(staff(), h.Routes), http.MethodPost, "/discounts", map[string]any{
		"date":                  "2025-03-02",
		"product_id":            "milk",
		"paid_unit_price_cents": 3000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.PaidUnitPrice != 3000 || captured.Actor.ID != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	var payload discountPayload
	decodeResponse(t, rec, &payload)
	if payload.CustomerShareCents+payload.BusinessShareCents != payload.TotalDiscountCents {
		t.Fatalf("shares do not add up: %+v", payload)
	}
	if payload.CommittedAt != "2025-03-02T06:00:00Z" {
		t.Fatalf("unexpected committed_at %q", payload.CommittedAt)
	}
}

func TestProcurementHandlers_SaveDiscountConflict(t *testing.T) {
	svc := &stubProcurementService{
		saveFn: func(context.Context, services.SaveDiscountCommand) (services.ProcurementDiscount, error) {
			return services.ProcurementDiscount{}, services.ErrAlreadyRecorded
		},
	}
	h := NewProcurementHandlers(nil, svc)
	rec := doRequest(t, mountAs(staff(), h.Routes), http.MethodPost, "/discounts", map[string]any{
		"date": "2025-03-02", "product_id": "milk", "paid_unit_price_cents": 3000,
	})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "already_recorded" {
		t.Fatalf("expected 409 already_recorded, got %d", rec.Code)
	}
}

func TestProcurementHandlers_Summary(t *testing.T) {
	var gotTop int
	svc := &stubProcurementService{
		summaryFn: func(_ context.Context, dates services.DateRange, top int) (services.DiscountSummary, error) {
			gotTop = top
			return services.DiscountSummary{
				Dates:         dates,
				Records:       2,
				TotalDiscount: 900,
				CustomerShare: 450,
				BusinessShare: 450,
				Top:           []services.ProcurementDiscount{{ProductID: "milk", TotalDiscount: 600}},
			}, nil
		},
	}
	h := NewProcurementHandlers(nil, svc)
	router := mountAs(staff(), h.Routes)

	rec := doRequest(t, router, http.MethodGet, "/summary?top=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotTop != 1 {
		t.Fatalf("expected top 1, got %d", gotTop)
	}
	var payload discountSummaryPayload
	decodeResponse(t, rec, &payload)
	if payload.Records != 2 || len(payload.Top) != 1 || payload.Top[0].ProductID != "milk" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	if rec := doRequest(t, router, http.MethodGet, "/summary", nil); rec.Code != http.StatusOK || gotTop != defaultTopSize {
		t.Fatalf("expected default top, got %d (status %d)", gotTop, rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/summary?top=-1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative top, got %d", rec.Code)
	}
}
