package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/lock"
	"github.com/fjod/go_checkout/internal/session"
)

const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

// handleServiceError maps the domain failure taxonomy to HTTP. Lock and
// version conflicts are retryable and carry Retry-After.
func handleServiceError(w http.ResponseWriter, log *slog.Logger, err error) {
	var (
		stock   *domain.StockConflictError
		coupon  *domain.CouponRemovedError
		missing *domain.MissingFieldsError
	)
	switch {
	case errors.As(err, &stock):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:   err.Error(),
			Code:    "stock_unavailable",
			Details: map[string]any{"product_ids": stock.ProductIDs},
		})
	case errors.As(err, &coupon):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:   err.Error(),
			Code:    "coupon_no_longer_valid",
			Details: map[string]any{"cart": coupon.Cart},
		})
	case errors.As(err, &missing):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   err.Error(),
			Code:    "details_incomplete",
			Details: map[string]any{"missing": missing.Fields},
		})
	case domain.IsRetryable(err), errors.Is(err, lock.ErrNotAcquired):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "retry", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		status, code := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("request failed", "error", err)
			respondError(w, status, code, "internal server error")
			return
		}
		respondError(w, status, code, err.Error())
	}
}

func statusFor(err error) (int, string) {
	for _, m := range errorStatuses {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrStockUnavailable, http.StatusConflict, "stock_unavailable"},
	{domain.ErrUnavailable, http.StatusConflict, "unavailable"},
	{domain.ErrNoStockAvailable, http.StatusConflict, "no_stock_available"},
	{domain.ErrMethodUnavailable, http.StatusConflict, "method_unavailable"},
	{domain.ErrCheckoutExpired, http.StatusConflict, "checkout_expired"},
	{domain.IllegalTransitionError, http.StatusConflict, "illegal_transition"},
	{domain.ErrAccessDenied, http.StatusForbidden, "access_denied"},
	{domain.ErrCouponInvalid, http.StatusUnprocessableEntity, "coupon_invalid"},
	{domain.ErrEmptyCart, http.StatusUnprocessableEntity, "empty_cart"},
	{domain.ErrDetailsIncomplete, http.StatusUnprocessableEntity, "details_incomplete"},
	{domain.ErrInvalidQuantity, http.StatusBadRequest, "invalid_quantity"},
	{domain.ErrCartNotFound, http.StatusNotFound, "cart_not_found"},
	{domain.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{domain.ErrProductNotFound, http.StatusNotFound, "product_not_found"},
	{session.ErrNoSnapshot, http.StatusNotFound, "no_snapshot"},
}

func invalidParam(w http.ResponseWriter, name string) {
	respondError(w, http.StatusBadRequest, "invalid_"+name, fmt.Sprintf("%s must be a positive integer", name))
}
