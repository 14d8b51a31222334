package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/MartinMaseko/locals.za-sub000/internal/platform/auth"
	"github.com/MartinMaseko/locals.za-sub000/internal/services"
)

type stubOrderService struct {
	createFn     func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn        func(context.Context, string) (services.Order, error)
	listFn       func(context.Context, services.OrderListFilter) ([]services.Order, error)
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
	assignFn     func(context.Context, services.AssignDriverCommand) (services.Order, error)
	reconcileFn  func(context.Context, services.ReconcileItemsCommand) (services.Order, error)
	refundFn     func(context.Context, services.RefundStatusCommand) (services.Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) ([]services.Order, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return nil, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) AssignDriver(ctx context.Context, cmd services.AssignDriverCommand) (services.Order, error) {
	if s.assignFn != nil {
		return s.assignFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ReconcileItems(ctx context.Context, cmd services.ReconcileItemsCommand) (services.Order, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) UpdateRefundStatus(ctx context.Context, cmd services.RefundStatusCommand) (services.Order, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubSettlementService struct {
	fee        services.Money
	cashoutFn  func(context.Context, services.CashoutCommand) (services.CashoutRequest, error)
	markPaidFn func(context.Context, services.MarkPaidCommand) (services.CashoutRequest, error)
	accountFn  func(context.Context, string) (services.DriverAccount, error)
	getFn      func(context.Context, string) (services.CashoutRequest, error)
	listFn     func(context.Context, services.CashoutListFilter) ([]services.CashoutRequest, error)
	paymentFn  func(context.Context, string) (services.OrderPaymentAttribution, error)
	auditFn    func(context.Context) (services.LedgerAudit, error)
}

func (s *stubSettlementService) AccrueDelivery(context.Context, services.Order) (bool, error) {
	return false, errors.New("not implemented")
}

func (s *stubSettlementService) RequestCashout(ctx context.Context, cmd services.CashoutCommand) (services.CashoutRequest, error) {
	if s.cashoutFn != nil {
		return s.cashoutFn(ctx, cmd)
	}
	return services.CashoutRequest{}, errors.New("not implemented")
}

func (s *stubSettlementService) MarkPaid(ctx context.Context, cmd services.MarkPaidCommand) (services.CashoutRequest, error) {
	if s.markPaidFn != nil {
		return s.markPaidFn(ctx, cmd)
	}
	return services.CashoutRequest{}, errors.New("not implemented")
}

func (s *stubSettlementService) GetAccount(ctx context.Context, driverID string) (services.DriverAccount, error) {
	if s.accountFn != nil {
		return s.accountFn(ctx, driverID)
	}
	return services.DriverAccount{DriverID: driverID}, nil
}

func (s *stubSettlementService) GetCashout(ctx context.Context, cashoutID string) (services.CashoutRequest, error) {
	if s.getFn != nil {
		return s.getFn(ctx, cashoutID)
	}
	return services.CashoutRequest{}, services.ErrNotFound
}

func (s *stubSettlementService) ListCashouts(ctx context.Context, filter services.CashoutListFilter) ([]services.CashoutRequest, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return nil, nil
}

func (s *stubSettlementService) OrderPaymentStatus(ctx context.Context, orderID string) (services.OrderPaymentAttribution, error) {
	if s.paymentFn != nil {
		return s.paymentFn(ctx, orderID)
	}
	return services.OrderPaymentAttribution{OrderID: orderID}, nil
}

func (s *stubSettlementService) AuditLedger(ctx context.Context) (services.LedgerAudit, error) {
	if s.auditFn != nil {
		return s.auditFn(ctx)
	}
	return services.LedgerAudit{}, nil
}

func (s *stubSettlementService) PerDeliveryFee() services.Money {
	return s.fee
}

type stubProcurementService struct {
	aggregateFn func(context.Context, services.DateRange) ([]services.ProcurementLine, error)
	saveFn      func(context.Context, services.SaveDiscountCommand) (services.ProcurementDiscount, error)
	listFn      func(context.Context, services.DateRange) ([]services.ProcurementDiscount, error)
	summaryFn   func(context.Context, services.DateRange, int) (services.DiscountSummary, error)
}

func (s *stubProcurementService) Aggregate(ctx context.Context, dates services.DateRange) ([]services.ProcurementLine, error) {
	if s.aggregateFn != nil {
		return s.aggregateFn(ctx, dates)
	}
	return nil, nil
}

func (s *stubProcurementService) SaveDiscount(ctx context.Context, cmd services.SaveDiscountCommand) (services.ProcurementDiscount, error) {
	if s.saveFn != nil {
		return s.saveFn(ctx, cmd)
	}
	return services.ProcurementDiscount{}, errors.New("not implemented")
}

func (s *stubProcurementService) ListDiscounts(ctx context.Context, dates services.DateRange) ([]services.ProcurementDiscount, error) {
	if s.listFn != nil {
		return s.listFn(ctx, dates)
	}
	return nil, nil
}

func (s *stubProcurementService) Summary(ctx context.Context, dates services.DateRange, top int) (services.DiscountSummary, error) {
	if s.summaryFn != nil {
		return s.summaryFn(ctx, dates, top)
	}
	return services.DiscountSummary{Dates: dates}, nil
}

type stubDashboardService struct {
	overviewFn func(context.Context, services.Window, int) (services.DashboardOverview, error)
	progressFn func(context.Context, string, services.Window) (services.DriverProgress, error)
}

func (s *stubDashboardService) Overview(ctx context.Context, window services.Window, topK int) (services.DashboardOverview, error) {
	if s.overviewFn != nil {
		return s.overviewFn(ctx, window, topK)
	}
	return services.DashboardOverview{Window: window}, nil
}

func (s *stubDashboardService) DriverProgress(ctx context.Context, driverID string, window services.Window) (services.DriverProgress, error) {
	if s.progressFn != nil {
		return s.progressFn(ctx, driverID, window)
	}
	return services.DriverProgress{DriverID: driverID, Window: window}, nil
}

type stubReportService struct {
	exportFn func(context.Context, services.SettlementReportCommand) (services.SettlementReport, error)
}

func (s *stubReportService) ExportSettlements(ctx context.Context, cmd services.SettlementReportCommand) (services.SettlementReport, error) {
	if s.exportFn != nil {
		return s.exportFn(ctx, cmd)
	}
	return services.SettlementReport{}, errors.New("not implemented")
}

type stubSystemService struct {
	reportFn func(context.Context) (services.SystemHealthReport, error)
}

func (s *stubSystemService) HealthReport(ctx context.Context) (services.SystemHealthReport, error) {
	if s.reportFn != nil {
		return s.reportFn(ctx)
	}
	return services.SystemHealthReport{}, errors.New("not implemented")
}

// mountAs serves the registrar behind a middleware that injects the given caller, standing in for
// token verification.
func mountAs(identity *auth.Identity, register RouteRegistrar) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if identity != nil {
				req = req.WithContext(auth.WithIdentity(req.Context(), identity))
			}
			next.ServeHTTP(w, req)
		})
	})
	register(r)
	return r
}

func staff() *auth.Identity {
	return &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}
}

func driver(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleDriver}}
}

func doRequest(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = bytes.NewReader([]byte(v))
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				t.Fatalf("marshal body: %v", err)
			}
			reader = bytes.NewReader(encoded)
		}
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	decodeResponse(t, rec, &body)
	code, _ := body["error"].(string)
	return code
}

func strPtr(s string) *string {
	return &s
}
