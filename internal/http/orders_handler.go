package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/service"
	"github.com/fjod/go_checkout/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type OrdersHandler struct {
	orders   *service.OrderService
	sessions *session.Manager
	bags     session.Bags
	timeout  time.Duration
	log      *slog.Logger
}

func NewOrdersHandler(orders *service.OrderService, sessions *session.Manager, bags session.Bags, timeout time.Duration, log *slog.Logger) *OrdersHandler {
	return &OrdersHandler{
		orders:   orders,
		sessions: sessions,
		bags:     bags,
		timeout:  timeout,
		log:      log,
	}
}

type BuyAgainResponseDTO struct {
	Cart    *domain.Cart `json:"cart"`
	Added   int          `json:"added"`
	Skipped int          `json:"skipped"`
}

type UpdateStatusRequestDTO struct {
	From domain.OrderStatus `json:"from"`
	To   domain.OrderStatus `json:"to"`
}

// GET /api/v1/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := identityFromContext(r.Context())
	if !id.IsAuthenticated() {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	orders, err := h.orders.ListOrders(ctx, id)
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

// GET /api/v1/orders/track/{token}
func (h *OrdersHandler) Track(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	order, err := h.orders.OpenTrackingLink(ctx, chi.URLParam(r, "token"))
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// POST /api/v1/orders/track/{token}/buy-again
func (h *OrdersHandler) BuyAgain(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := identityFromContext(r.Context())
	bag := h.bags.Open(id.SessionKey)
	res, err := h.orders.BuyAgain(ctx, chi.URLParam(r, "token"), id, cartPointer(ctx, h.log, h.sessions, bag))
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	if res.Cart != nil {
		if err := h.sessions.SetCartPointer(ctx, bag, res.Cart.ID); err != nil {
			h.log.WarnContext(ctx, "cart pointer not stored", "cart_id", res.Cart.ID, "error", err)
		}
	}
	respondJSON(w, http.StatusOK, BuyAgainResponseDTO{Cart: res.Cart, Added: res.Added, Skipped: res.Skipped})
}

// PATCH /api/v1/orders/{order_id}/status
func (h *OrdersHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if !identityFromContext(r.Context()).IsAuthenticated() {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "order_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", "order_id must be a UUID")
		return
	}
	var req UpdateStatusRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.orders.UpdateStatus(ctx, orderID, req.From, req.To); err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
