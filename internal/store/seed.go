package store

import (
	"github.com/fjod/go_checkout/internal/domain"
	"github.com/shopspring/decimal"
)

// SeedDemo fills an empty store with a small catalog so the service is usable
// without Postgres.
func SeedDemo(s *MemoryStore) {
	products := []domain.Product{
		{ID: 1, Name: "Desk lamp", Price: decimal.RequireFromString("24.90"), Stock: 25},
		{ID: 2, Name: "Notebook A5", Price: decimal.RequireFromString("4.50"), Stock: 200},
		{ID: 3, Name: "Fountain pen", Price: decimal.RequireFromString("39.00"), Stock: 10},
		{ID: 4, Name: "Ink cartridges", Price: decimal.RequireFromString("6.75"), Stock: 0},
		{ID: 5, Name: "Desk organizer", Price: decimal.RequireFromString("18.20"), Stock: 12, Status: domain.ProductInactive},
	}
	for _, p := range products {
		if p.Status == "" {
			p.Status = domain.ProductActive
		}
		s.PutProduct(p)
	}

	freeFrom := decimal.RequireFromString("100")
	s.PutDeliveryMethod(domain.DeliveryMethod{ID: 1, Name: "Courier", Fee: decimal.RequireFromString("7.90"), FreeFrom: &freeFrom, IsActive: true})
	s.PutDeliveryMethod(domain.DeliveryMethod{ID: 2, Name: "Pickup point", Fee: decimal.RequireFromString("3.50"), IsActive: true})
	s.PutPaymentMethod(domain.PaymentMethod{ID: 1, Name: "Card online", IsActive: true, Online: true})
	s.PutPaymentMethod(domain.PaymentMethod{ID: 2, Name: "Cash on delivery", Fee: decimal.RequireFromString("1.50"), IsActive: true})

	limit := 100
	minSubtotal := decimal.RequireFromString("30")
	s.PutCoupon(domain.Coupon{Code: "WELCOME10", Kind: domain.CouponPercent, Value: decimal.NewFromInt(10), IsActive: true, UsageLimit: &limit})
	s.PutCoupon(domain.Coupon{Code: "FIVEOFF", Kind: domain.CouponFixed, Value: decimal.NewFromInt(5), IsActive: true, MinSubtotal: &minSubtotal})
}
