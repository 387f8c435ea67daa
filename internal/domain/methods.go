package domain

import "github.com/shopspring/decimal"

type DeliveryMethod struct {
	ID       int64            `json:"id"`
	Name     string           `json:"name"`
	Fee      decimal.Decimal  `json:"fee"`
	FreeFrom *decimal.Decimal `json:"free_from,omitempty"`
	IsActive bool             `json:"is_active"`
}

// Cost is free once subtotal reaches FreeFrom, the flat fee otherwise.
func (m *DeliveryMethod) Cost(subtotal decimal.Decimal) decimal.Decimal {
	if m.FreeFrom != nil && subtotal.GreaterThanOrEqual(*m.FreeFrom) {
		return decimal.Zero
	}
	return Round(MaxZero(m.Fee))
}

type PaymentMethod struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Fee      decimal.Decimal `json:"fee"`
	IsActive bool            `json:"is_active"`
	Online   bool            `json:"online"`
}

func (m *PaymentMethod) Cost() decimal.Decimal {
	return Round(MaxZero(m.Fee))
}
