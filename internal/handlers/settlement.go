package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/auth"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/httpx"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/pagination"
	"github.com/MartinMaseko/locals.za-sub000/internal/services"
)

// SettlementHandlers exposes driver accounts and cashout endpoints.
type SettlementHandlers struct {
	authn       *auth.Authenticator
	settlement  services.SettlementService
	idempotency func(http.Handler) http.Handler
	limiter     RateLimiter
}

// SettlementHandlerOption customises SettlementHandlers.
type SettlementHandlerOption func(*SettlementHandlers)

// WithSettlementIdempotency guards cashout creation and payout marking.
func WithSettlementIdempotency(mw func(http.Handler) http.Handler) SettlementHandlerOption {
	return func(h *SettlementHandlers) {
		h.idempotency = mw
	}
}

// WithCashoutRateLimiter bounds how often a caller may request cashouts.
func WithCashoutRateLimiter(limiter RateLimiter) SettlementHandlerOption {
	return func(h *SettlementHandlers) {
		h.limiter = limiter
	}
}

// NewSettlementHandlers constructs SettlementHandlers.
func NewSettlementHandlers(authn *auth.Authenticator, settlement services.SettlementService, opts ...SettlementHandlerOption) *SettlementHandlers {
	h := &SettlementHandlers{authn: authn, settlement: settlement}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// DriverRoutes registers the /drivers endpoints.
func (h *SettlementHandlers) DriverRoutes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireRoles())
	}
	cashout := r.With(rateLimitByCaller(h.limiter))
	if h.idempotency != nil {
		cashout = cashout.With(h.idempotency)
	}
	cashout.Post("/{driverID}/cashouts", h.requestCashout)
	r.Get("/{driverID}/account", h.getAccount)
}

// CashoutRoutes registers the /cashouts endpoints.
func (h *SettlementHandlers) CashoutRoutes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireRoles())
	}
	r.Get("/", h.listCashouts)
	r.Get("/{cashoutID}", h.getCashout)
	markPaid := r.With(allowRoles(services.RoleStaff, services.RoleAdmin))
	if h.idempotency != nil {
		markPaid = markPaid.With(h.idempotency)
	}
	markPaid.Post("/{cashoutID}:mark-paid", h.markPaid)
}

type cashoutPayload struct {
	ID          string   `json:"id"`
	DriverID    string   `json:"driver_id"`
	OrderIDs    []string `json:"order_ids"`
	AmountCents int64    `json:"amount_cents"`
	Status      string   `json:"status"`
	RequestedBy string   `json:"requested_by,omitempty"`
	PaidBy      string   `json:"paid_by,omitempty"`
	CreatedAt   string   `json:"created_at"`
	PaidAt      *string  `json:"paid_at,omitempty"`
}

type cashoutListResponse struct {
	Items         []cashoutPayload `json:"items"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type accountPayload struct {
	DriverID            string  `json:"driver_id"`
	AccruedCents        int64   `json:"accrued_cents"`
	PendingTotalCents   int64   `json:"pending_total_cents"`
	PaidTotalCents      int64   `json:"paid_total_cents"`
	CompletedDeliveries int     `json:"completed_deliveries"`
	PerDeliveryFeeCents int64   `json:"per_delivery_fee_cents"`
	LastCashoutAt       *string `json:"last_cashout_at,omitempty"`
	UpdatedAt           string  `json:"updated_at,omitempty"`
}

func (h *SettlementHandlers) requestCashout(w http.ResponseWriter, r *http.Request) {
	if h.settlement == nil {
		unavailable(w, r, "settlement")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	cashout, err := h.settlement.RequestCashout(r.Context(), services.CashoutCommand{
		DriverID: strings.TrimSpace(chi.URLParam(r, "driverID")),
		Actor:    actor,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/cashouts/"+cashout.ID)
	httpx.WriteJSON(w, http.StatusCreated, buildCashoutPayload(cashout))
}

func (h *SettlementHandlers) getAccount(w http.ResponseWriter, r *http.Request) {
	if h.settlement == nil {
		unavailable(w, r, "settlement")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	driverID := strings.TrimSpace(chi.URLParam(r, "driverID"))
	if !actor.IsOperator() && actor.ID != driverID {
		httpx.WriteError(r.Context(), w, httpx.NewError("permission_denied", "drivers may only view their own account", http.StatusForbidden))
		return
	}
	account, err := h.settlement.GetAccount(r.Context(), driverID)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, accountPayload{
		DriverID:            account.DriverID,
		AccruedCents:        account.Accrued.Cents(),
		PendingTotalCents:   account.PendingTotal.Cents(),
		PaidTotalCents:      account.PaidTotal.Cents(),
		CompletedDeliveries: account.CompletedDeliveries,
		PerDeliveryFeeCents: h.settlement.PerDeliveryFee().Cents(),
		LastCashoutAt:       formatTimePtr(account.LastCashoutAt),
		UpdatedAt:           formatTime(account.UpdatedAt),
	})
}

func (h *SettlementHandlers) listCashouts(w http.ResponseWriter, r *http.Request) {
	if h.settlement == nil {
		unavailable(w, r, "settlement")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	filter := services.CashoutListFilter{
		DriverID: strings.TrimSpace(query.Get("driver_id")),
		Status:   domain.CashoutStatus(strings.ToLower(strings.TrimSpace(query.Get("status")))),
	}
	if !actor.IsOperator() {
		if filter.DriverID != "" && filter.DriverID != actor.ID {
			httpx.WriteError(r.Context(), w, httpx.NewError("permission_denied", "drivers may only list their own cashouts", http.StatusForbidden))
			return
		}
		filter.DriverID = actor.ID
	}
	page, err := pagination.Parse(query, pagination.Options{})
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	cashouts, err := h.settlement.ListCashouts(r.Context(), filter)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	items, next := pagination.Page(cashouts, page)
	resp := cashoutListResponse{Items: make([]cashoutPayload, 0, len(items)), NextPageToken: next}
	for _, cashout := range items {
		resp.Items = append(resp.Items, buildCashoutPayload(cashout))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *SettlementHandlers) getCashout(w http.ResponseWriter, r *http.Request) {
	if h.settlement == nil {
		unavailable(w, r, "settlement")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	cashout, err := h.settlement.GetCashout(r.Context(), chi.URLParam(r, "cashoutID"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	if !actor.IsOperator() && cashout.DriverID != actor.ID {
		httpx.WriteError(r.Context(), w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCashoutPayload(cashout))
}

func (h *SettlementHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	if h.settlement == nil {
		unavailable(w, r, "settlement")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	cashout, err := h.settlement.MarkPaid(r.Context(), services.MarkPaidCommand{
		CashoutID: chi.URLParam(r, "cashoutID"),
		Actor:     actor,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCashoutPayload(cashout))
}

func buildCashoutPayload(cashout services.CashoutRequest) cashoutPayload {
	orderIDs := cashout.OrderIDs
	if orderIDs == nil {
		orderIDs = []string{}
	}
	return cashoutPayload{
		ID:          cashout.ID,
		DriverID:    cashout.DriverID,
		OrderIDs:    orderIDs,
		AmountCents: cashout.Amount.Cents(),
		Status:      string(cashout.Status),
		RequestedBy: cashout.RequestedBy,
		PaidBy:      cashout.PaidBy,
		CreatedAt:   formatTime(cashout.CreatedAt),
		PaidAt:      formatTimePtr(cashout.PaidAt),
	}
}
