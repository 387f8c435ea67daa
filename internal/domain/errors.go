package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnavailable         = errors.New("product is not available")
	ErrNoStockAvailable    = errors.New("no more stock available for this product")
	ErrAccessDenied        = errors.New("access denied")
	ErrStockUnavailable    = errors.New("not enough stock to place the order")
	ErrCouponNoLongerValid = errors.New("coupon is no longer valid and was removed from the cart")
	ErrCouponInvalid       = errors.New("coupon is not valid")
	ErrDetailsIncomplete   = errors.New("checkout details are incomplete")
	ErrCheckoutExpired     = errors.New("checkout session expired")
	ErrMethodUnavailable   = errors.New("selected delivery or payment method is unavailable")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrCartNotFound        = errors.New("cart not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrInvalidQuantity     = errors.New("quantity must be at least 1")
	ErrLockTimeout         = errors.New("could not acquire locks in time, retry")
	ErrCartConflict        = errors.New("cart was modified concurrently")
	IllegalTransitionError = errors.New("illegal transition of order status")
)

// StockConflictError lists the products whose stock or status does not allow
// the requested quantities.
type StockConflictError struct {
	ProductIDs []int64
}

func NewStockConflict(ids ...int64) *StockConflictError {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &StockConflictError{ProductIDs: sorted}
}

func (e *StockConflictError) Error() string {
	parts := make([]string, len(e.ProductIDs))
	for i, id := range e.ProductIDs {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("%s: products %s", ErrStockUnavailable, strings.Join(parts, ", "))
}

func (e *StockConflictError) Unwrap() error { return ErrStockUnavailable }

// IsRetryable reports whether the caller may resubmit the same request unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrCartConflict)
}

// MissingFieldsError lists the checkout inputs that still need a value.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s: missing %s", ErrDetailsIncomplete, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Unwrap() error { return ErrDetailsIncomplete }

// CouponRemovedError carries the cart after an invalid coupon was stripped
// from it during order placement.
type CouponRemovedError struct {
	Code string
	Cart *Cart
}

func (e *CouponRemovedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCouponNoLongerValid, e.Code)
}

func (e *CouponRemovedError) Unwrap() error { return ErrCouponNoLongerValid }
