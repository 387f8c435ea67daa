package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	JWTSecret      []byte
	SecureCookie   bool
	RequestTimeout time.Duration
	// Instrument wraps every request, typically with the Prometheus middleware.
	Instrument func(http.Handler) http.Handler
	Metrics    http.Handler
}

func NewRouter(cfg RouterConfig, carts *CartHandler, checkout *CheckoutHandler, orders *OrdersHandler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if cfg.Instrument != nil {
		r.Use(cfg.Instrument)
	}
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware(cfg.JWTSecret, cfg.SecureCookie))

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", carts.GetCart)
			r.Post("/items", carts.AddItem)
			r.Delete("/items/{product_id}", carts.RemoveItem)
			r.Put("/delivery-method", carts.SetDeliveryMethod)
			r.Put("/payment-method", carts.SetPaymentMethod)
			r.Post("/coupon", carts.ApplyCoupon)
			r.Delete("/coupon", carts.RemoveCoupon)
			r.Get("/availability", carts.Availability)
		})

		r.Route("/checkout", func(r chi.Router) {
			r.Get("/details", checkout.GetDetails)
			r.Put("/details", checkout.PutDetails)
			r.Post("/details/restore", checkout.RestoreDetails)
			r.Post("/orders", checkout.PlaceOrder)
		})

		r.Post("/auth/merge", carts.Merge)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", orders.ListOrders)
			r.Get("/track/{token}", orders.Track)
			r.Post("/track/{token}/buy-again", orders.BuyAgain)
			r.Patch("/{order_id}/status", orders.UpdateStatus)
		})
	})

	return r
}
