package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderLine struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// Order is the immutable record of a placement. Only Status and
// EmailVerifiedAt change after creation.
type Order struct {
	ID              uuid.UUID       `json:"id"`
	TrackingToken   string          `json:"tracking_token"`
	CustomerID      *string         `json:"customer_id,omitempty"`
	Status          OrderStatus     `json:"status"`
	Details         CheckoutDetails `json:"details"`
	DeliveryMethod  string          `json:"delivery_method"`
	PaymentMethod   string          `json:"payment_method"`
	CouponCode      string          `json:"coupon_code,omitempty"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	DiscountTotal   decimal.Decimal `json:"discount_total"`
	DeliveryCost    decimal.Decimal `json:"delivery_cost"`
	PaymentFee      decimal.Decimal `json:"payment_fee"`
	Total           decimal.Decimal `json:"total"`
	Currency        string          `json:"currency"`
	Lines           []OrderLine     `json:"lines"`
	EmailVerifiedAt *time.Time      `json:"email_verified_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// MarkEmailVerified stamps EmailVerifiedAt the first time only and reports
// whether it changed anything.
func (o *Order) MarkEmailVerified(now time.Time) bool {
	if o.EmailVerifiedAt != nil {
		return false
	}
	t := now
	o.EmailVerifiedAt = &t
	return true
}

func (o *Order) TransitionTo(next OrderStatus, now time.Time) error {
	if !CanTransitionTo(o.Status, next) {
		return IllegalTransitionError
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Lines = append([]OrderLine(nil), o.Lines...)
	if o.CustomerID != nil {
		v := *o.CustomerID
		cp.CustomerID = &v
	}
	if o.EmailVerifiedAt != nil {
		v := *o.EmailVerifiedAt
		cp.EmailVerifiedAt = &v
	}
	return &cp
}
