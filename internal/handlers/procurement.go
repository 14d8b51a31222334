package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MartinMaseko/locals.za-sub000/internal/platform/auth"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/httpx"
	"github.com/MartinMaseko/locals.za-sub000/internal/services"
)

// ProcurementHandlers exposes demand aggregation and discount commitment for operators.
type ProcurementHandlers struct {
	authn       *auth.Authenticator
	procurement services.ProcurementService
}

// NewProcurementHandlers constructs ProcurementHandlers.
func NewProcurementHandlers(authn *auth.Authenticator, procurement services.ProcurementService) *ProcurementHandlers {
	return &ProcurementHandlers{authn: authn, procurement: procurement}
}

// Routes registers the /procurement endpoints.
func (h *ProcurementHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireRoles(services.RoleStaff, services.RoleAdmin))
	}
	r.Use(allowRoles(services.RoleStaff, services.RoleAdmin))
	r.Get("/lines", h.listLines)
	r.Post("/discounts", h.saveDiscount)
	r.Get("/discounts", h.listDiscounts)
	r.Get("/summary", h.summary)
}

type procurementLinePayload struct {
	Date               string `json:"date"`
	ProductID          string `json:"product_id"`
	ListUnitPriceCents int64  `json:"list_unit_price_cents"`
	AggregatedQuantity int    `json:"aggregated_quantity"`
	OrderCount         int    `json:"order_count"`
}

type saveDiscountRequest struct {
	Date               string `json:"date"`
	ProductID          string `json:"product_id"`
	PaidUnitPriceCents int64  `json:"paid_unit_price_cents"`
}

type discountPayload struct {
	Date               string `json:"date"`
	ProductID          string `json:"product_id"`
	ListUnitPriceCents int64  `json:"list_unit_price_cents"`
	PaidUnitPriceCents int64  `json:"paid_unit_price_cents"`
	AggregatedQuantity int    `json:"aggregated_quantity"`
	TotalDiscountCents int64  `json:"total_discount_cents"`
	CustomerShareCents int64  `json:"customer_share_cents"`
	BusinessShareCents int64  `json:"business_share_cents"`
	CommittedBy        string `json:"committed_by,omitempty"`
	CommittedAt        string `json:"committed_at"`
}

type discountSummaryPayload struct {
	From               string            `json:"from,omitempty"`
	To                 string            `json:"to,omitempty"`
	Records            int               `json:"records"`
	AggregatedQuantity int               `json:"aggregated_quantity"`
	TotalDiscountCents int64             `json:"total_discount_cents"`
	CustomerShareCents int64             `json:"customer_share_cents"`
	BusinessShareCents int64             `json:"business_share_cents"`
	Top                []discountPayload `json:"top"`
}

func (h *ProcurementHandlers) listLines(w http.ResponseWriter, r *http.Request) {
	if h.procurement == nil {
		unavailable(w, r, "procurement")
		return
	}
	dates, err := parseDateRange(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	lines, err := h.procurement.Aggregate(r.Context(), dates)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	items := make([]procurementLinePayload, 0, len(lines))
	for _, line := range lines {
		items = append(items, procurementLinePayload{
			Date:               line.Date,
			ProductID:          line.ProductID,
			ListUnitPriceCents: line.ListUnitPrice.Cents(),
			AggregatedQuantity: line.AggregatedQuantity,
			OrderCount:         line.OrderCount,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *ProcurementHandlers) saveDiscount(w http.ResponseWriter, r *http.Request) {
	if h.procurement == nil {
		unavailable(w, r, "procurement")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req saveDiscountRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	discount, err := h.procurement.SaveDiscount(r.Context(), services.SaveDiscountCommand{
		Date:          strings.TrimSpace(req.Date),
		ProductID:     strings.TrimSpace(req.ProductID),
		PaidUnitPrice: services.Money(req.PaidUnitPriceCents),
		Actor:         actor,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildDiscountPayload(discount))
}

func (h *ProcurementHandlers) listDiscounts(w http.ResponseWriter, r *http.Request) {
	if h.procurement == nil {
		unavailable(w, r, "procurement")
		return
	}
	dates, err := parseDateRange(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	discounts, err := h.procurement.ListDiscounts(r.Context(), dates)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": buildDiscountPayloads(discounts)})
}

func (h *ProcurementHandlers) summary(w http.ResponseWriter, r *http.Request) {
	if h.procurement == nil {
		unavailable(w, r, "procurement")
		return
	}
	dates, err := parseDateRange(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	top, err := parseTop(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	summary, err := h.procurement.Summary(r.Context(), dates, top)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, discountSummaryPayload{
		From:               summary.Dates.From,
		To:                 summary.Dates.To,
		Records:            summary.Records,
		AggregatedQuantity: summary.AggregatedQuantity,
		TotalDiscountCents: summary.TotalDiscount.Cents(),
		CustomerShareCents: summary.CustomerShare.Cents(),
		BusinessShareCents: summary.BusinessShare.Cents(),
		Top:                buildDiscountPayloads(summary.Top),
	})
}

func buildDiscountPayloads(discounts []services.ProcurementDiscount) []discountPayload {
	out := make([]discountPayload, 0, len(discounts))
	for _, discount := range discounts {
		out = append(out, buildDiscountPayload(discount))
	}
	return out
}

func buildDiscountPayload(discount services.ProcurementDiscount) discountPayload {
	return discountPayload{
		Date:               discount.Date,
		ProductID:          discount.ProductID,
		ListUnitPriceCents: discount.ListUnitPrice.Cents(),
		PaidUnitPriceCents: discount.PaidUnitPrice.Cents(),
		AggregatedQuantity: discount.AggregatedQuantity,
		TotalDiscountCents: discount.TotalDiscount.Cents(),
		CustomerShareCents: discount.CustomerShare.Cents(),
		BusinessShareCents: discount.BusinessShare.Cents(),
		CommittedBy:        discount.CommittedBy,
		CommittedAt:        formatTime(discount.CommittedAt),
	}
}
