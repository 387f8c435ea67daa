package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/service"
	"github.com/fjod/go_checkout/internal/session"
	"github.com/go-chi/chi/v5"
)

type CartHandler struct {
	carts    *service.CartService
	sessions *session.Manager
	bags     session.Bags
	timeout  time.Duration
	log      *slog.Logger
}

func NewCartHandler(carts *service.CartService, sessions *session.Manager, bags session.Bags, timeout time.Duration, log *slog.Logger) *CartHandler {
	return &CartHandler{
		carts:    carts,
		sessions: sessions,
		bags:     bags,
		timeout:  timeout,
		log:      log,
	}
}

type AddItemRequestDTO struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Mode      service.AddMode `json:"mode"`
}

type AddItemResponseDTO struct {
	Cart             *domain.Cart `json:"cart"`
	AppliedQuantity  int          `json:"applied_quantity"`
	LineQuantity     int          `json:"line_quantity"`
	QuantityAdjusted bool         `json:"quantity_adjusted"`
}

type SelectMethodRequestDTO struct {
	ID int64 `json:"id"`
}

type CouponRequestDTO struct {
	Code string `json:"code"`
}

type MergeRequestDTO struct {
	AnonymousCartID string `json:"anonymous_cart_id"`
}

type MergeResponseDTO struct {
	Outcome service.MergeKind `json:"outcome"`
	Cart    *domain.Cart      `json:"cart"`
}

type AvailabilityResponseDTO struct {
	CartID string              `json:"cart_id"`
	Issues []service.LineIssue `json:"issues"`
}

// cartPointer returns the cart id the session points at, empty when none.
func cartPointer(ctx context.Context, log *slog.Logger, sessions *session.Manager, bag session.Bag) string {
	id, _, err := sessions.CartPointer(ctx, bag)
	if err != nil {
		log.WarnContext(ctx, "cart pointer unreadable", "error", err)
	}
	return id
}

// current resolves the caller's cart for handlers that need one to exist.
func (h *CartHandler) current(ctx context.Context, id domain.Identity) (*domain.Cart, error) {
	bag := h.bags.Open(id.SessionKey)
	return h.carts.CurrentCart(ctx, id, cartPointer(ctx, h.log, h.sessions, bag))
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := identityFromContext(r.Context())
	cart, err := h.current(ctx, id)
	if errors.Is(err, domain.ErrCartNotFound) {
		empty := domain.NewCart("", id, time.Time{})
		empty.Lines = []domain.CartLine{}
		respondJSON(w, http.StatusOK, empty)
		return
	}
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProductID <= 0 {
		invalidParam(w, "product_id")
		return
	}
	if req.Mode != "" && !req.Mode.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_mode", "mode must be set or increment")
		return
	}

	id := identityFromContext(r.Context())
	bag := h.bags.Open(id.SessionKey)
	res, err := h.carts.AddLine(ctx, service.AddLineRequest{
		CartID:    cartPointer(ctx, h.log, h.sessions, bag),
		Identity:  id,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		Mode:      req.Mode,
	})
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	if err := h.sessions.SetCartPointer(ctx, bag, res.Cart.ID); err != nil {
		h.log.WarnContext(ctx, "cart pointer not stored", "cart_id", res.Cart.ID, "error", err)
	}

	respondJSON(w, http.StatusCreated, AddItemResponseDTO{
		Cart:             res.Cart,
		AppliedQuantity:  res.AppliedQuantity,
		LineQuantity:     res.LineQuantity,
		QuantityAdjusted: res.QuantityAdjusted,
	})
}

// DELETE /api/v1/cart/items/{product_id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		invalidParam(w, "product_id")
		return
	}
	h.mutate(w, r, func(ctx context.Context, cartID string, id domain.Identity) (*domain.Cart, error) {
		return h.carts.RemoveLine(ctx, cartID, id, productID)
	})
}

// PUT /api/v1/cart/delivery-method
func (h *CartHandler) SetDeliveryMethod(w http.ResponseWriter, r *http.Request) {
	var req SelectMethodRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID <= 0 {
		invalidParam(w, "id")
		return
	}
	h.mutate(w, r, func(ctx context.Context, cartID string, id domain.Identity) (*domain.Cart, error) {
		return h.carts.SelectDeliveryMethod(ctx, cartID, id, req.ID)
	})
}

// PUT /api/v1/cart/payment-method
func (h *CartHandler) SetPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req SelectMethodRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID <= 0 {
		invalidParam(w, "id")
		return
	}
	h.mutate(w, r, func(ctx context.Context, cartID string, id domain.Identity) (*domain.Cart, error) {
		return h.carts.SelectPaymentMethod(ctx, cartID, id, req.ID)
	})
}

// POST /api/v1/cart/coupon
func (h *CartHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req CouponRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	h.mutate(w, r, func(ctx context.Context, cartID string, id domain.Identity) (*domain.Cart, error) {
		return h.carts.ApplyCoupon(ctx, cartID, id, req.Code)
	})
}

// DELETE /api/v1/cart/coupon
func (h *CartHandler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, cartID string, id domain.Identity) (*domain.Cart, error) {
		return h.carts.RemoveCoupon(ctx, cartID, id)
	})
}

func (h *CartHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, cartID string, id domain.Identity) (*domain.Cart, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := identityFromContext(r.Context())
	cart, err := h.current(ctx, id)
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	cart, err = fn(ctx, cart.ID, id)
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// GET /api/v1/cart/availability
func (h *CartHandler) Availability(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cart, err := h.current(ctx, identityFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	issues, err := h.carts.Availability(ctx, cart)
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	if issues == nil {
		issues = []service.LineIssue{}
	}
	respondJSON(w, http.StatusOK, AvailabilityResponseDTO{CartID: cart.ID, Issues: issues})
}

// POST /api/v1/auth/merge
func (h *CartHandler) Merge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := identityFromContext(r.Context())
	if !id.IsAuthenticated() {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	var req MergeRequestDTO
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	bag := h.bags.Open(id.SessionKey)
	if req.AnonymousCartID == "" {
		req.AnonymousCartID = cartPointer(ctx, h.log, h.sessions, bag)
	}

	out, err := h.carts.OnAuthenticated(ctx, req.AnonymousCartID, id)
	if err != nil {
		handleServiceError(w, h.log, err)
		return
	}
	if out.Cart != nil {
		if err := h.sessions.SetCartPointer(ctx, bag, out.Cart.ID); err != nil {
			h.log.WarnContext(ctx, "cart pointer not stored", "cart_id", out.Cart.ID, "error", err)
		}
	}
	respondJSON(w, http.StatusOK, MergeResponseDTO{Outcome: out.Kind, Cart: out.Cart})
}
