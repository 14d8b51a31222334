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

// OrderHandlers exposes order ingest, lifecycle and reconciliation endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	settlement  services.SettlementService
	idempotency func(http.Handler) http.Handler
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderIdempotency guards order creation with the idempotency middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs OrderHandlers. A nil authenticator skips token verification, which
// tests use to inject identities directly.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, settlement services.SettlementService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders, settlement: settlement}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireRoles())
	}
	operators := allowRoles(services.RoleStaff, services.RoleAdmin)

	create := r.With(operators)
	if h.idempotency != nil {
		create = create.With(h.idempotency)
	}
	create.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.With(operators).Post("/{orderID}:assign-driver", h.assignDriver)
	r.Post("/{orderID}:reconcile", h.reconcileOrder)
	r.With(operators).Put("/{orderID}/refund-status", h.updateRefundStatus)
	r.Get("/{orderID}/payment-status", h.paymentStatus)
}

type orderLineRequest struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
}

type createOrderRequest struct {
	OrderID         string             `json:"order_id"`
	CustomerID      string             `json:"customer_id"`
	DeliveryDate    string             `json:"delivery_date"`
	Items           []orderLineRequest `json:"items"`
	ServiceFeeCents int64              `json:"service_fee_cents"`
}

func (req createOrderRequest) command(actor services.Actor) services.CreateOrderCommand {
	lines := make([]services.OrderLine, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, services.OrderLine{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			UnitPrice: services.Money(item.UnitPriceCents),
			Quantity:  item.Quantity,
		})
	}
	return services.CreateOrderCommand{
		OrderID:      strings.TrimSpace(req.OrderID),
		CustomerID:   strings.TrimSpace(req.CustomerID),
		DeliveryDate: strings.TrimSpace(req.DeliveryDate),
		Lines:        lines,
		ServiceFee:   services.Money(req.ServiceFeeCents),
		Actor:        actor,
	}
}

type transitionRequest struct {
	Status string `json:"status"`
}

type assignDriverRequest struct {
	DriverID *string `json:"driver_id"`
}

type reconcileLineRequest struct {
	ProductID         string `json:"product_id"`
	AvailableQuantity int    `json:"available_quantity"`
	Reason            string `json:"reason"`
}

type reconcileRequest struct {
	Lines []reconcileLineRequest `json:"lines"`
	Note  *string                `json:"note"`
}

type refundStatusRequest struct {
	Status string `json:"status"`
}

type orderLinePayload struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
	TotalCents     int64  `json:"total_cents"`
}

type missingItemPayload struct {
	ProductID       string `json:"product_id"`
	OrderedQuantity int    `json:"ordered_quantity"`
	MissingQuantity int    `json:"missing_quantity"`
	UnitPriceCents  int64  `json:"unit_price_cents"`
	RefundCents     int64  `json:"refund_cents"`
	Reason          string `json:"reason"`
}

type orderPayload struct {
	ID                 string               `json:"id"`
	CustomerID         string               `json:"customer_id"`
	Status             string               `json:"status"`
	DeliveryDate       string               `json:"delivery_date"`
	Items              []orderLinePayload   `json:"items"`
	SubtotalCents      int64                `json:"subtotal_cents"`
	ServiceFeeCents    int64                `json:"service_fee_cents"`
	TotalCents         int64                `json:"total_cents"`
	MissingItems       []missingItemPayload `json:"missing_items"`
	RefundAmountCents  int64                `json:"refund_amount_cents"`
	AdjustedTotalCents int64                `json:"adjusted_total_cents"`
	RefundStatus       string               `json:"refund_status,omitempty"`
	DriverID           *string              `json:"driver_id"`
	DriverNote         *string              `json:"driver_note,omitempty"`
	CreatedAt          string               `json:"created_at"`
	UpdatedAt          string               `json:"updated_at"`
	CompletedAt        *string              `json:"completed_at,omitempty"`
	CancelledAt        *string              `json:"cancelled_at,omitempty"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type paymentStatusPayload struct {
	OrderID     string  `json:"order_id"`
	DriverID    string  `json:"driver_id,omitempty"`
	State       string  `json:"state"`
	AmountCents int64   `json:"amount_cents"`
	CashoutID   string  `json:"cashout_id,omitempty"`
	PaidAt      *string `json:"paid_at,omitempty"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		unavailable(w, r, "order")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	order, err := h.orders.CreateOrder(r.Context(), req.command(actor))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, buildOrderPayload(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		unavailable(w, r, "order")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := services.OrderListFilter{DriverID: strings.TrimSpace(query.Get("driver_id"))}
	for _, raw := range splitValues(query["status"]) {
		status := domain.OrderStatus(strings.ToLower(raw))
		if !status.Valid() {
			badRequest(w, r, "unknown status "+raw)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	dates, err := parseDateRange(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	filter.DeliveryDates = dates
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		if filter.CreatedFrom, err = parseRFC3339(raw); err != nil {
			badRequest(w, r, "created_after must be an RFC3339 timestamp")
			return
		}
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		if filter.CreatedTo, err = parseRFC3339(raw); err != nil {
			badRequest(w, r, "created_before must be an RFC3339 timestamp")
			return
		}
	}
	page, err := pagination.Parse(query, pagination.Options{})
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	if !actor.IsOperator() {
		if filter.DriverID != "" && filter.DriverID != actor.ID {
			httpx.WriteError(r.Context(), w, httpx.NewError("permission_denied", "drivers may only list their own orders", http.StatusForbidden))
			return
		}
		filter.DriverID = actor.ID
	}

	orders, err := h.orders.ListOrders(r.Context(), filter)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	items, next := pagination.Page(orders, page)
	resp := orderListResponse{Items: make([]orderPayload, 0, len(items)), NextPageToken: next}
	for _, order := range items {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	_, order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	actor, order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !target.Valid() {
		badRequest(w, r, "status must be one of pending, processing, in_transit, completed, cancelled")
		return
	}
	// Drivers may only confirm delivery of their own orders.
	if !actor.IsOperator() && target != domain.OrderStatusCompleted {
		httpx.WriteError(r.Context(), w, httpx.NewError("permission_denied", "drivers may only complete their deliveries", http.StatusForbidden))
		return
	}

	updated, err := h.orders.TransitionStatus(r.Context(), services.OrderStatusTransitionCommand{
		OrderID:      order.ID,
		TargetStatus: target,
		Actor:        actor,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(updated))
}

func (h *OrderHandlers) assignDriver(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		unavailable(w, r, "order")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req assignDriverRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.DriverID != nil {
		trimmed := strings.TrimSpace(*req.DriverID)
		if trimmed == "" {
			badRequest(w, r, "driver_id must be a non-empty string or null")
			return
		}
		req.DriverID = &trimmed
	}
	order, err := h.orders.AssignDriver(r.Context(), services.AssignDriverCommand{
		OrderID:  chi.URLParam(r, "orderID"),
		DriverID: req.DriverID,
		Actor:    actor,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) reconcileOrder(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		unavailable(w, r, "order")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req reconcileRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if len(req.Lines) == 0 {
		badRequest(w, r, "lines must report every order line")
		return
	}
	lines := make([]services.LineAvailability, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, services.LineAvailability{
			ProductID:         strings.TrimSpace(line.ProductID),
			AvailableQuantity: line.AvailableQuantity,
			Reason:            domain.MissingReason(strings.ToLower(strings.TrimSpace(line.Reason))),
		})
	}
	order, err := h.orders.ReconcileItems(r.Context(), services.ReconcileItemsCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Lines:   lines,
		Note:    req.Note,
		Actor:   actor,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) updateRefundStatus(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		unavailable(w, r, "order")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req refundStatusRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	status := domain.RefundStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	switch status {
	case domain.RefundStatusPending, domain.RefundStatusProcessed, domain.RefundStatusCredited:
	default:
		badRequest(w, r, "status must be one of pending, processed, credited")
		return
	}
	order, err := h.orders.UpdateRefundStatus(r.Context(), services.RefundStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  status,
		Actor:   actor,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) paymentStatus(w http.ResponseWriter, r *http.Request) {
	if h.settlement == nil {
		unavailable(w, r, "settlement")
		return
	}
	_, order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	attribution, err := h.settlement.OrderPaymentStatus(r.Context(), order.ID)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentStatusPayload{
		OrderID:     attribution.OrderID,
		DriverID:    attribution.DriverID,
		State:       string(attribution.State),
		AmountCents: attribution.Amount.Cents(),
		CashoutID:   attribution.CashoutID,
		PaidAt:      formatTimePtr(attribution.PaidAt),
	})
}

// loadVisibleOrder fetches the order in the path. Drivers only see orders assigned to them; any
// other order is reported as missing.
func (h *OrderHandlers) loadVisibleOrder(w http.ResponseWriter, r *http.Request) (services.Actor, services.Order, bool) {
	if h.orders == nil {
		unavailable(w, r, "order")
		return services.Actor{}, services.Order{}, false
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return services.Actor{}, services.Order{}, false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		badRequest(w, r, "order id is required")
		return services.Actor{}, services.Order{}, false
	}
	order, err := h.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return services.Actor{}, services.Order{}, false
	}
	if !actor.IsOperator() && order.AssignedDriver() != actor.ID {
		httpx.WriteError(r.Context(), w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
		return services.Actor{}, services.Order{}, false
	}
	return actor, order, true
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                 order.ID,
		CustomerID:         order.CustomerID,
		Status:             string(order.Status),
		DeliveryDate:       order.DeliveryDate,
		Items:              make([]orderLinePayload, 0, len(order.Items)),
		SubtotalCents:      order.Subtotal.Cents(),
		ServiceFeeCents:    order.ServiceFee.Cents(),
		TotalCents:         order.Total.Cents(),
		MissingItems:       make([]missingItemPayload, 0, len(order.MissingItems)),
		RefundAmountCents:  order.RefundAmount.Cents(),
		AdjustedTotalCents: order.AdjustedTotal.Cents(),
		RefundStatus:       string(order.RefundStatus),
		DriverID:           order.DriverID,
		DriverNote:         order.DriverNote,
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
		CompletedAt:        formatTimePtr(order.CompletedAt),
		CancelledAt:        formatTimePtr(order.CancelledAt),
	}
	for _, line := range order.Items {
		payload.Items = append(payload.Items, orderLinePayload{
			ProductID:      line.ProductID,
			Name:           line.Name,
			UnitPriceCents: line.UnitPrice.Cents(),
			Quantity:       line.Quantity,
			TotalCents:     line.Total().Cents(),
		})
	}
	for _, missing := range order.MissingItems {
		payload.MissingItems = append(payload.MissingItems, missingItemPayload{
			ProductID:       missing.ProductID,
			OrderedQuantity: missing.OrderedQuantity,
			MissingQuantity: missing.MissingQuantity,
			UnitPriceCents:  missing.UnitPrice.Cents(),
			RefundCents:     missing.Refund().Cents(),
			Reason:          string(missing.Reason),
		})
	}
	return payload
}
