package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type CouponKind string

const (
	CouponPercent CouponKind = "percent"
	CouponFixed   CouponKind = "fixed"
)

var hundred = decimal.NewFromInt(100)

type Coupon struct {
	ID          int64            `json:"id"`
	Code        string           `json:"code"`
	Kind        CouponKind       `json:"kind"`
	Value       decimal.Decimal  `json:"value"`
	IsActive    bool             `json:"is_active"`
	ValidFrom   *time.Time       `json:"valid_from,omitempty"`
	ValidTo     *time.Time       `json:"valid_to,omitempty"`
	UsageLimit  *int             `json:"usage_limit,omitempty"`
	UsedCount   int              `json:"used_count"`
	MinSubtotal *decimal.Decimal `json:"min_subtotal,omitempty"`
}

// NormalizeCode is applied to every code before lookup and storage.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks every validity predicate against the coupon's current state.
// The returned error wraps ErrCouponInvalid and names the failed predicate.
func (c *Coupon) Validate(now time.Time, subtotal decimal.Decimal) error {
	switch {
	case !c.IsActive:
		return fmt.Errorf("%w: inactive", ErrCouponInvalid)
	case c.ValidFrom != nil && now.Before(*c.ValidFrom):
		return fmt.Errorf("%w: not valid yet", ErrCouponInvalid)
	case c.ValidTo != nil && now.After(*c.ValidTo):
		return fmt.Errorf("%w: expired", ErrCouponInvalid)
	case c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit:
		return fmt.Errorf("%w: usage limit reached", ErrCouponInvalid)
	case c.MinSubtotal != nil && subtotal.LessThan(*c.MinSubtotal):
		return fmt.Errorf("%w: subtotal below %s", ErrCouponInvalid, c.MinSubtotal.StringFixed(2))
	}
	return nil
}

// Discount is never negative and never exceeds subtotal.
func (c *Coupon) Discount(subtotal decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch c.Kind {
	case CouponPercent:
		d = subtotal.Mul(c.Value).Div(hundred)
	case CouponFixed:
		d = c.Value
	default:
		return decimal.Zero
	}
	d = Round(MaxZero(d))
	if d.GreaterThan(subtotal) {
		return subtotal
	}
	return d
}
