package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MartinMaseko/locals.za-sub000/internal/platform/auth"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/httpx"
	"github.com/MartinMaseko/locals.za-sub000/internal/services"
)

// DashboardHandlers exposes read-only revenue and driver projections.
type DashboardHandlers struct {
	authn     *auth.Authenticator
	dashboard services.DashboardService
}

// NewDashboardHandlers constructs DashboardHandlers.
func NewDashboardHandlers(authn *auth.Authenticator, dashboard services.DashboardService) *DashboardHandlers {
	return &DashboardHandlers{authn: authn, dashboard: dashboard}
}

// Routes registers the /dashboard endpoints.
func (h *DashboardHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireRoles())
	}
	r.With(allowRoles(services.RoleStaff, services.RoleAdmin)).Get("/overview", h.overview)
	r.Get("/drivers/{driverID}/progress", h.driverProgress)
}

type productQuantityPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
}

type statusCountPayload struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type overviewPayload struct {
	Days             int                      `json:"days"`
	Since            string                   `json:"since,omitempty"`
	RevenueCents     int64                    `json:"revenue_cents"`
	ServiceFeesCents int64                    `json:"service_fees_cents"`
	SubtotalsCents   int64                    `json:"subtotals_cents"`
	OrderCount       int                      `json:"order_count"`
	StatusCounts     []statusCountPayload     `json:"status_counts"`
	TopProducts      []productQuantityPayload `json:"top_products"`
	GeneratedAt      string                   `json:"generated_at"`
}

type driverProgressPayload struct {
	DriverID   string `json:"driver_id"`
	Days       int    `json:"days"`
	Progressed int    `json:"progressed"`
	Completed  int    `json:"completed"`
	InFlight   int    `json:"in_flight"`
}

func (h *DashboardHandlers) overview(w http.ResponseWriter, r *http.Request) {
	if h.dashboard == nil {
		unavailable(w, r, "dashboard")
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	top, err := parseTop(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	overview, err := h.dashboard.Overview(r.Context(), window, top)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}

	payload := overviewPayload{
		Days:             overview.Window.Days,
		Since:            formatTime(overview.Since),
		RevenueCents:     overview.Revenue.Cents(),
		ServiceFeesCents: overview.ServiceFees.Cents(),
		SubtotalsCents:   overview.Subtotals.Cents(),
		OrderCount:       overview.OrderCount,
		StatusCounts:     make([]statusCountPayload, 0, len(overview.StatusCounts)),
		TopProducts:      make([]productQuantityPayload, 0, len(overview.TopProducts)),
		GeneratedAt:      formatTime(overview.GeneratedAt),
	}
	for status, count := range overview.StatusCounts {
		payload.StatusCounts = append(payload.StatusCounts, statusCountPayload{Status: string(status), Count: count})
	}
	sort.Slice(payload.StatusCounts, func(i, j int) bool {
		return payload.StatusCounts[i].Status < payload.StatusCounts[j].Status
	})
	for _, product := range overview.TopProducts {
		payload.TopProducts = append(payload.TopProducts, productQuantityPayload{
			ProductID: product.ProductID,
			Name:      product.Name,
			Quantity:  product.Quantity,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *DashboardHandlers) driverProgress(w http.ResponseWriter, r *http.Request) {
	if h.dashboard == nil {
		unavailable(w, r, "dashboard")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	driverID := strings.TrimSpace(chi.URLParam(r, "driverID"))
	if !actor.IsOperator() && actor.ID != driverID {
		httpx.WriteError(r.Context(), w, httpx.NewError("permission_denied", "drivers may only view their own progress", http.StatusForbidden))
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	progress, err := h.dashboard.DriverProgress(r.Context(), driverID, window)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, driverProgressPayload{
		DriverID:   progress.DriverID,
		Days:       progress.Window.Days,
		Progressed: progress.Progressed,
		Completed:  progress.Completed,
		InFlight:   progress.InFlight,
	})
}
