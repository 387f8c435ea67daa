package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Cart struct {
	ID               string          `json:"id"`
	CustomerID       *string         `json:"customer_id,omitempty"`
	SessionKey       string          `json:"session_key,omitempty"`
	DeliveryMethodID *int64          `json:"delivery_method_id,omitempty"`
	PaymentMethodID  *int64          `json:"payment_method_id,omitempty"`
	CouponCode       *string         `json:"coupon_code,omitempty"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	DiscountTotal    decimal.Decimal `json:"discount_total"`
	DeliveryCost     decimal.Decimal `json:"delivery_cost"`
	PaymentFee       decimal.Decimal `json:"payment_fee"`
	Total            decimal.Decimal `json:"total"`
	Lines            []CartLine      `json:"lines"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type CartLine struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	AddedAt   time.Time       `json:"added_at"`
}

func (l CartLine) LineTotal() decimal.Decimal {
	return Round(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
}

// NewCart returns an empty cart owned by the given identity.
func NewCart(id string, owner Identity, now time.Time) *Cart {
	c := &Cart{
		ID:         id,
		SessionKey: owner.SessionKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if owner.IsAuthenticated() {
		uid := owner.UserID
		c.CustomerID = &uid
	}
	return c
}

func (c *Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

func (c *Cart) IsBound() bool {
	return c.CustomerID != nil
}

// OwnedBy reports whether the caller may see and mutate the cart. A bound cart
// belongs to its customer only; an anonymous one to the session that made it.
func (c *Cart) OwnedBy(id Identity) bool {
	if c.CustomerID != nil {
		return id.IsAuthenticated() && id.UserID == *c.CustomerID
	}
	return c.SessionKey != "" && c.SessionKey == id.SessionKey
}

// Bind attaches an anonymous cart to an authenticated identity. Binding is a
// one-time transition: rebinding to the same customer is a no-op, to another
// one is denied.
func (c *Cart) Bind(id Identity) (bool, error) {
	if !id.IsAuthenticated() {
		return false, ErrAccessDenied
	}
	if c.CustomerID != nil {
		if *c.CustomerID == id.UserID {
			return false, nil
		}
		return false, ErrAccessDenied
	}
	uid := id.UserID
	c.CustomerID = &uid
	return true, nil
}

func (c *Cart) Line(productID int64) (CartLine, bool) {
	for _, l := range c.Lines {
		if l.ProductID == productID {
			return l, true
		}
	}
	return CartLine{}, false
}

func (c *Cart) Quantity(productID int64) int {
	l, _ := c.Line(productID)
	return l.Quantity
}

// PutLine sets the quantity and price snapshot of the product's line, keeping
// its position when it already exists.
func (c *Cart) PutLine(productID int64, qty int, price decimal.Decimal, now time.Time) {
	for i := range c.Lines {
		if c.Lines[i].ProductID == productID {
			c.Lines[i].Quantity = qty
			c.Lines[i].UnitPrice = price
			return
		}
	}
	c.Lines = append(c.Lines, CartLine{
		ProductID: productID,
		Quantity:  qty,
		UnitPrice: price,
		AddedAt:   now,
	})
}

func (c *Cart) RemoveLine(productID int64) bool {
	for i, l := range c.Lines {
		if l.ProductID == productID {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Cart) ProductIDs() []int64 {
	ids := make([]int64, 0, len(c.Lines))
	for _, l := range c.Lines {
		ids = append(ids, l.ProductID)
	}
	return ids
}

func (c *Cart) ApplyTotals(t Totals) {
	c.Subtotal = t.Subtotal
	c.DiscountTotal = t.DiscountTotal
	c.DeliveryCost = t.DeliveryCost
	c.PaymentFee = t.PaymentFee
	c.Total = t.Total
}

func (c *Cart) Totals() Totals {
	return Totals{
		Subtotal:      c.Subtotal,
		DiscountTotal: c.DiscountTotal,
		DeliveryCost:  c.DeliveryCost,
		PaymentFee:    c.PaymentFee,
		Total:         c.Total,
	}
}

func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Lines = append([]CartLine(nil), c.Lines...)
	if c.CustomerID != nil {
		v := *c.CustomerID
		cp.CustomerID = &v
	}
	if c.DeliveryMethodID != nil {
		v := *c.DeliveryMethodID
		cp.DeliveryMethodID = &v
	}
	if c.PaymentMethodID != nil {
		v := *c.PaymentMethodID
		cp.PaymentMethodID = &v
	}
	if c.CouponCode != nil {
		v := *c.CouponCode
		cp.CouponCode = &v
	}
	return &cp
}
