package domain

import "github.com/shopspring/decimal"

type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductInactive ProductStatus = "inactive"
)

type Product struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Stock        int             `json:"stock"`
	Status       ProductStatus   `json:"status"`
	SalesTotal   int             `json:"sales_total"`
	RevenueTotal decimal.Decimal `json:"revenue_total"`
}

// IsAvailable reports whether at least one unit can be sold.
func (p *Product) IsAvailable() bool {
	return p.Status == ProductActive && p.Stock > 0
}

// CanFulfil reports whether qty units can be sold right now.
func (p *Product) CanFulfil(qty int) bool {
	return p.Status == ProductActive && p.Stock >= qty
}
