package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/MartinMaseko/locals.za-sub000/internal/platform/httpx"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/requestctx"
	"github.com/MartinMaseko/locals.za-sub000/internal/services"
)

// InternalHandlers serves scheduler endpoints authenticated by OIDC at the router group.
type InternalHandlers struct {
	settlement services.SettlementService
}

// NewInternalHandlers constructs InternalHandlers.
func NewInternalHandlers(settlement services.SettlementService) *InternalHandlers {
	return &InternalHandlers{settlement: settlement}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	r.Post("/ledger:audit", h.auditLedger)
}

type driverAuditPayload struct {
	DriverID        string `json:"driver_id"`
	CompletedOrders int    `json:"completed_orders"`
	ExpectedCents   int64  `json:"expected_cents"`
	AccruedCents    int64  `json:"accrued_cents"`
	CashedOutCents  int64  `json:"cashed_out_cents"`
	DriftCents      int64  `json:"drift_cents"`
}

type ledgerAuditPayload struct {
	Balanced            bool                 `json:"balanced"`
	PerDeliveryFeeCents int64                `json:"per_delivery_fee_cents"`
	CompletedOrders     int                  `json:"completed_orders"`
	ExpectedCents       int64                `json:"expected_cents"`
	AccruedCents        int64                `json:"accrued_cents"`
	CashedOutCents      int64                `json:"cashed_out_cents"`
	Drivers             []driverAuditPayload `json:"drivers"`
	UnaccruedOrders     []string             `json:"unaccrued_orders"`
	CheckedAt           string               `json:"checked_at"`
}

func (h *InternalHandlers) auditLedger(w http.ResponseWriter, r *http.Request) {
	if h.settlement == nil {
		unavailable(w, r, "settlement")
		return
	}
	audit, err := h.settlement.AuditLedger(r.Context())
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}

	payload := ledgerAuditPayload{
		Balanced:            audit.Balanced(),
		PerDeliveryFeeCents: audit.PerDeliveryFee.Cents(),
		CompletedOrders:     audit.CompletedOrders,
		ExpectedCents:       audit.Expected.Cents(),
		AccruedCents:        audit.Accrued.Cents(),
		CashedOutCents:      audit.CashedOut.Cents(),
		Drivers:             make([]driverAuditPayload, 0, len(audit.Drivers)),
		UnaccruedOrders:     append([]string{}, audit.UnaccruedOrders...),
		CheckedAt:           formatTime(audit.CheckedAt),
	}
	for _, driver := range audit.Drivers {
		payload.Drivers = append(payload.Drivers, driverAuditPayload{
			DriverID:        driver.DriverID,
			CompletedOrders: driver.CompletedOrders,
			ExpectedCents:   driver.Expected.Cents(),
			AccruedCents:    driver.Accrued.Cents(),
			CashedOutCents:  driver.CashedOut.Cents(),
			DriftCents:      driver.Drift().Cents(),
		})
	}
	if !payload.Balanced {
		requestctx.Logger(r.Context()).Warn("settlement ledger drift detected",
			zap.Int64("expected_cents", payload.ExpectedCents),
			zap.Int64("actual_cents", payload.AccruedCents+payload.CashedOutCents))
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}
