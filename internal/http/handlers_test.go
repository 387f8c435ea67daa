package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fjod/go_checkout/internal/cache"
	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/lock"
	"github.com/fjod/go_checkout/internal/publisher"
	"github.com/fjod/go_checkout/internal/service"
	"github.com/fjod/go_checkout/internal/session"
	"github.com/fjod/go_checkout/internal/store"
	"github.com/fjod/go_checkout/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

type testServer struct {
	handler http.Handler
	store   *store.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemoryStore(time.Second)
	store.SeedDemo(st)
	log := logger.Discard()

	carts := service.NewCartService(st, cache.Noop{}, lock.NewKeyedMutex(time.Second), log)
	sessions := session.NewManager(0, 0)
	bags := session.NewMemoryBags()
	orders := service.NewOrderService(st, carts, sessions, publisher.NewLogNotifier(log), service.OrderConfig{
		TrackingBaseURL: "https://shop.test/track",
		PaymentBaseURL:  "https://pay.test",
	}, log)
	t.Cleanup(orders.Wait)

	router := NewRouter(RouterConfig{JWTSecret: testSecret, RequestTimeout: 5 * time.Second},
		NewCartHandler(carts, sessions, bags, 5*time.Second, log),
		NewCheckoutHandler(carts, orders, sessions, bags, 5*time.Second, log),
		NewOrdersHandler(orders, sessions, bags, 5*time.Second, log))
	return &testServer{handler: router, store: st}
}

func bearer(t *testing.T, userID string, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return "Bearer " + signed
}

type call struct {
	method string
	path   string
	body   any
	sid    string
	userID string
}

func (s *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.sid != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: c.sid})
	}
	if c.userID != "" {
		req.Header.Set("Authorization", bearer(t, c.userID, testSecret))
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestIdentity_IssuesSessionCookie(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodGet, path: "/api/v1/cart"})
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", sid: "known"})
	assert.Empty(t, w.Result().Cookies())
}

func TestIdentity_RejectsBadBearer(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", bearer(t, "u1", []byte("other-secret")))
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Basic dTE6cHc=")
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListOrders_RequiresAuthentication(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodGet, path: "/api/v1/orders", sid: "s1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/orders", sid: "s1", userID: "u1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestAddItem_ClampsToStock(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", sid: "s1",
		body: AddItemRequestDTO{ProductID: 3, Quantity: 50, Mode: service.ModeSet}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	res := decode[AddItemResponseDTO](t, w)
	assert.Equal(t, 10, res.AppliedQuantity)
	assert.True(t, res.QuantityAdjusted)

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", sid: "s1"})
	require.Equal(t, http.StatusOK, w.Code)
	cart := decode[domain.Cart](t, w)
	assert.Equal(t, res.Cart.ID, cart.ID)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, 10, cart.Lines[0].Quantity)
}

func TestAddItem_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"sold out", AddItemRequestDTO{ProductID: 4, Quantity: 1}, http.StatusConflict, "unavailable"},
		{"inactive", AddItemRequestDTO{ProductID: 5, Quantity: 1}, http.StatusConflict, "unavailable"},
		{"unknown", AddItemRequestDTO{ProductID: 99, Quantity: 1}, http.StatusNotFound, "product_not_found"},
		{"zero quantity", AddItemRequestDTO{ProductID: 1, Quantity: 0}, http.StatusBadRequest, "invalid_quantity"},
		{"bad product id", AddItemRequestDTO{ProductID: -1, Quantity: 1}, http.StatusBadRequest, "invalid_product_id"},
		{"bad mode", AddItemRequestDTO{ProductID: 1, Quantity: 1, Mode: "double"}, http.StatusBadRequest, "invalid_mode"},
		{"not json", "nope", http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", sid: "s1", body: tt.body})
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestCheckoutFlow(t *testing.T) {
	s := newTestServer(t)
	sid := "flow"

	w := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", sid: sid, body: AddItemRequestDTO{ProductID: 1, Quantity: 2}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(t, call{method: http.MethodPut, path: "/api/v1/cart/delivery-method", sid: sid, body: SelectMethodRequestDTO{ID: 1}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, call{method: http.MethodPut, path: "/api/v1/cart/payment-method", sid: sid, body: SelectMethodRequestDTO{ID: 1}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cart := decode[domain.Cart](t, w)
	assert.Equal(t, "57.7", cart.Total.String())

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/cart/availability", sid: sid})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[AvailabilityResponseDTO](t, w).Issues)

	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout/orders", sid: sid})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "details_incomplete", decode[ErrorResponse](t, w).Code)

	w = s.do(t, call{method: http.MethodPut, path: "/api/v1/checkout/details", sid: sid, body: DetailsRequestDTO{Details: domain.CheckoutDetails{
		FullName: "Ada Lovelace", Email: "ada@example.com", Phone: "+44 20 0000",
		AddressLine: "12 Analytical St", City: "London", PostalCode: "N1",
	}}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	det := decode[DetailsResponseDTO](t, w)
	assert.Equal(t, domain.ModeOrderSession, det.Mode)
	assert.Empty(t, det.Missing)

	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout/orders", sid: sid})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	placed := decode[PlaceOrderResponseDTO](t, w)
	assert.NotEmpty(t, placed.TrackingToken)
	assert.Equal(t, "https://shop.test/track/"+placed.TrackingToken, placed.TrackingURL)
	assert.Equal(t, "https://pay.test/"+placed.OrderID, placed.PaymentURL)

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", sid: sid})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[domain.Cart](t, w).Lines, "the cart is gone after placement")

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/orders/track/" + placed.TrackingToken})
	require.Equal(t, http.StatusOK, w.Code)
	order := decode[domain.Order](t, w)
	assert.NotNil(t, order.EmailVerifiedAt)
	assert.Equal(t, domain.OrderStatusPending, order.Status)

	w = s.do(t, call{method: http.MethodPost, path: fmt.Sprintf("/api/v1/orders/track/%s/buy-again", placed.TrackingToken), sid: sid})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	again := decode[BuyAgainResponseDTO](t, w)
	assert.Equal(t, 1, again.Added)
	assert.Equal(t, 0, again.Skipped)

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", sid: sid})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, again.Cart.ID, decode[domain.Cart](t, w).ID)
}

func TestPlaceOrder_WithoutCart(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout/orders", sid: "empty"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "cart_not_found", decode[ErrorResponse](t, w).Code)
}

func TestCheckoutDetails_RestoreWithoutSnapshot(t *testing.T) {
	s := newTestServer(t)
	mode := domain.ModeUserDefault
	w := s.do(t, call{method: http.MethodPut, path: "/api/v1/checkout/details", sid: "s1",
		body: DetailsRequestDTO{Details: domain.CheckoutDetails{FullName: "Ada"}, Mode: &mode}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[DetailsResponseDTO](t, w).Missing, "email")

	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout/details/restore", sid: "s1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no_snapshot", decode[ErrorResponse](t, w).Code)
}

func TestMerge_BindsAnonymousCart(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", sid: "s1", body: AddItemRequestDTO{ProductID: 2, Quantity: 3}})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/merge", sid: "s1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/merge", sid: "s1", userID: "u1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[MergeResponseDTO](t, w)
	assert.Equal(t, service.MergeBound, res.Outcome)
	require.NotNil(t, res.Cart.CustomerID)
	assert.Equal(t, "u1", *res.Cart.CustomerID)

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", sid: "another-device", userID: "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, res.Cart.ID, decode[domain.Cart](t, w).ID)
}

func TestUpdateStatus_Validation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodPatch, path: "/api/v1/orders/not-a-uuid/status", sid: "s1", userID: "ops",
		body: UpdateStatusRequestDTO{From: domain.OrderStatusPending, To: domain.OrderStatusPaid}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, call{method: http.MethodPatch, path: "/api/v1/orders/7f1b8a4e-3c51-4d38-9a3a-1f0d2f7c9b10/status", sid: "s1", userID: "ops",
		body: UpdateStatusRequestDTO{From: domain.OrderStatusPending, To: domain.OrderStatusPaid}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter bool
	}{
		{"lock timeout", fmt.Errorf("lock products: %w", domain.ErrLockTimeout), http.StatusServiceUnavailable, "retry", true},
		{"cart conflict", domain.ErrCartConflict, http.StatusServiceUnavailable, "retry", true},
		{"stock conflict", domain.NewStockConflict(3, 1), http.StatusConflict, "stock_unavailable", false},
		{"coupon healed", &domain.CouponRemovedError{Code: "X", Cart: &domain.Cart{ID: "c1"}}, http.StatusConflict, "coupon_no_longer_valid", false},
		{"expired", domain.ErrCheckoutExpired, http.StatusConflict, "checkout_expired", false},
		{"denied", domain.ErrAccessDenied, http.StatusForbidden, "access_denied", false},
		{"method", domain.ErrMethodUnavailable, http.StatusConflict, "method_unavailable", false},
		{"empty", domain.ErrEmptyCart, http.StatusUnprocessableEntity, "empty_cart", false},
		{"illegal transition", domain.IllegalTransitionError, http.StatusConflict, "illegal_transition", false},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handleServiceError(w, logger.Discard(), tt.err)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After") != "")
			res := decode[ErrorResponse](t, w)
			assert.Equal(t, tt.code, res.Code)
		})
	}
}

func TestHandleServiceError_StockConflictDetails(t *testing.T) {
	w := httptest.NewRecorder()
	handleServiceError(w, logger.Discard(), domain.NewStockConflict(3, 1))

	var res struct {
		Details struct {
			ProductIDs []int64 `json:"product_ids"`
		} `json:"details"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, []int64{1, 3}, res.Details.ProductIDs)
}
