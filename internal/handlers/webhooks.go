package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/MartinMaseko/locals.za-sub000/internal/platform/httpx"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/requestctx"
	"github.com/MartinMaseko/locals.za-sub000/internal/services"
)

// checkoutActorID identifies orders ingested from the checkout service.
const checkoutActorID = "checkout"

// WebhookHandlers ingests orders pushed by the checkout service. Signature verification is
// applied by the router group.
type WebhookHandlers struct {
	orders services.OrderService
}

// NewWebhookHandlers constructs WebhookHandlers.
func NewWebhookHandlers(orders services.OrderService) *WebhookHandlers {
	return &WebhookHandlers{orders: orders}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	r.Post("/checkout/orders", h.ingestOrder)
}

func (h *WebhookHandlers) ingestOrder(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		unavailable(w, r, "order")
		return
	}
	var req createOrderRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.OrderID == "" {
		badRequest(w, r, "order_id is required for checkout deliveries")
		return
	}

	ctx := r.Context()
	order, err := h.orders.CreateOrder(ctx, req.command(services.Actor{ID: checkoutActorID}))
	if errors.Is(err, services.ErrStateConflict) {
		// Redelivery of an order that was already ingested.
		existing, getErr := h.orders.GetOrder(ctx, req.OrderID)
		if getErr == nil {
			requestctx.Logger(ctx).Info("checkout order redelivered", zap.String("order_id", existing.ID))
			httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(existing))
			return
		}
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildOrderPayload(order))
}
