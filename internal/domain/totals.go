package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	DeliveryCost  decimal.Decimal `json:"delivery_cost"`
	PaymentFee    decimal.Decimal `json:"payment_fee"`
	Total         decimal.Decimal `json:"total"`
}

func (t Totals) Equal(o Totals) bool {
	return t.Subtotal.Equal(o.Subtotal) &&
		t.DiscountTotal.Equal(o.DiscountTotal) &&
		t.DeliveryCost.Equal(o.DeliveryCost) &&
		t.PaymentFee.Equal(o.PaymentFee) &&
		t.Total.Equal(o.Total)
}

// ComputeTotals derives cart totals from line quantities and price snapshots.
// Any of delivery, payment and coupon may be nil. A coupon that fails
// validation at now contributes no discount.
//
//	total = max(subtotal + delivery + payment − discount, 0)
func ComputeTotals(lines []CartLine, delivery *DeliveryMethod, payment *PaymentMethod, coupon *Coupon, now time.Time) Totals {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.LineTotal())
	}
	subtotal = Round(subtotal)

	t := Totals{
		Subtotal:      subtotal,
		DiscountTotal: decimal.Zero,
		DeliveryCost:  decimal.Zero,
		PaymentFee:    decimal.Zero,
	}
	if delivery != nil && len(lines) > 0 {
		t.DeliveryCost = delivery.Cost(subtotal)
	}
	if payment != nil && len(lines) > 0 {
		t.PaymentFee = payment.Cost()
	}
	if coupon != nil && coupon.Validate(now, subtotal) == nil {
		t.DiscountTotal = coupon.Discount(subtotal)
	}

	t.Total = Round(MaxZero(subtotal.Add(t.DeliveryCost).Add(t.PaymentFee).Sub(t.DiscountTotal)))
	return t
}
