package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/service"
	"github.com/fjod/go_checkout/internal/session"
)

type CheckoutHandler struct {
	carts    *service.CartService
	orders   *service.OrderService
	sessions *session.Manager
	bags     session.Bags
	timeout  time.Duration
	log      *slog.Logger
}

func NewCheckoutHandler(carts *service.CartService, orders *service.OrderService, sessions *session.Manager, bags session.Bags, timeout time.Duration, log *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		carts:    carts,
		orders:   orders,
		sessions: sessions,
		bags:     bags,
		timeout:  timeout,
		log:      log,
	}
}

type DetailsRequestDTO struct {
	Details domain.CheckoutDetails `json:"details"`
	Mode    *domain.DetailsMode    `json:"mode,omitempty"`
}

type DetailsResponseDTO struct {
	Details        *domain.CheckoutDetails `json:"details"`
	OrderDetails   *domain.CheckoutDetails `json:"order_details,omitempty"`
	Mode           domain.DetailsMode      `json:"mode,omitempty"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	LastActivityAt *time.Time              `json:"last_activity_at,omitempty"`
	Missing        []string                `json:"missing,omitempty"`
	Expired        bool                    `json:"expired"`
}

type PlaceOrderResponseDTO struct {
	OrderID       string        `json:"order_id"`
	TrackingToken string        `json:"tracking_token"`
	TrackingURL   string        `json:"tracking_url"`
	PaymentURL    string        `json:"payment_url,omitempty"`
	Order         *domain.Order `json:"order"`
}

func detailsResponse(st session.State, expired bool) DetailsResponseDTO {
	res := DetailsResponseDTO{
		Details:      st.ActiveDetails,
		OrderDetails: st.OrderDetails,
		Expired:      expired,
	}
	if st.Meta != nil {
		res.Mode = st.Meta.Mode
		res.StartedAt = &st.Meta.StartedAt
		res.LastActivityAt = &st.Meta.LastActivityAt
	}
	if st.ActiveDetails != nil {
		res.Missing = st.ActiveDetails.Missing()
	}
	return res
}

// GET /api/v1/checkout/details
func (h *CheckoutHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := identityFromContext(r.Context())
	res, err := h.sessions.Read(ctx, h.bags.Open(id.SessionKey), true)
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, detailsResponse(res.State, res.Expired))
}

// PUT /api/v1/checkout/details
func (h *CheckoutHandler) PutDetails(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req DetailsRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Mode != nil && !req.Mode.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_mode", "mode must be user_default or order_session")
		return
	}

	id := identityFromContext(r.Context())
	st, err := h.sessions.Write(ctx, h.bags.Open(id.SessionKey), req.Details, req.Mode)
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, detailsResponse(st, false))
}

// POST /api/v1/checkout/details/restore
func (h *CheckoutHandler) RestoreDetails(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := identityFromContext(r.Context())
	st, err := h.sessions.Restore(ctx, h.bags.Open(id.SessionKey))
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, detailsResponse(st, false))
}

// POST /api/v1/checkout/orders
func (h *CheckoutHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := identityFromContext(r.Context())
	bag := h.bags.Open(id.SessionKey)
	cart, err := h.carts.CurrentCart(ctx, id, cartPointer(ctx, h.log, h.sessions, bag))
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}

	res, err := h.orders.PlaceOrder(ctx, service.PlaceOrderRequest{
		CartID:   cart.ID,
		Identity: id,
		Bag:      bag,
	})
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, PlaceOrderResponseDTO{
		OrderID:       res.Order.ID.String(),
		TrackingToken: res.TrackingToken,
		TrackingURL:   res.TrackingURL,
		PaymentURL:    res.PaymentURL,
		Order:         res.Order,
	})
}
