package store

import (
	"context"
	"sort"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/shopspring/decimal"
)

type memTx struct {
	s    *MemoryStore
	held []string
	own  map[string]bool

	products     map[int64]*domain.Product
	coupons      map[string]*domain.Coupon
	savedCarts   map[string]*domain.Cart
	deletedCarts map[string]bool
	orders       []*domain.Order
}

func newMemTx(s *MemoryStore) *memTx {
	return &memTx{
		s:            s,
		own:          make(map[string]bool),
		products:     make(map[int64]*domain.Product),
		coupons:      make(map[string]*domain.Coupon),
		savedCarts:   make(map[string]*domain.Cart),
		deletedCarts: make(map[string]bool),
	}
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if t.own[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.own[key] = true
	t.held = append(t.held, key)
	return nil
}

func (t *memTx) releaseAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
	t.own = map[string]bool{}
}

func (t *memTx) GetCart(ctx context.Context, id string) (*domain.Cart, error) {
	if err := t.lock(ctx, cartKey(id)); err != nil {
		return nil, err
	}
	if t.deletedCarts[id] {
		return nil, domain.ErrCartNotFound
	}
	if c, ok := t.savedCarts[id]; ok {
		return c.Clone(), nil
	}
	return t.s.GetCart(ctx, id)
}

func (t *memTx) LockProductsForUpdate(ctx context.Context, ids []int64) ([]*domain.Product, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var res []*domain.Product
	var prev int64
	for i, id := range sorted {
		if i > 0 && id == prev {
			continue
		}
		prev = id
		if err := t.lock(ctx, productKey(id)); err != nil {
			return nil, err
		}
		p, ok := t.products[id]
		if !ok {
			fresh, err := t.s.GetProduct(ctx, id)
			if err != nil {
				continue
			}
			p = fresh
			t.products[id] = p
		}
		cp := *p
		res = append(res, &cp)
	}
	return res, nil
}

func (t *memTx) AdjustProductCounters(ctx context.Context, id int64, stockDelta, salesDelta int, revenueDelta decimal.Decimal) error {
	if _, err := t.LockProductsForUpdate(ctx, []int64{id}); err != nil {
		return err
	}
	p, ok := t.products[id]
	if !ok {
		return domain.ErrProductNotFound
	}
	if p.Stock+stockDelta < 0 {
		return domain.ErrStockUnavailable
	}
	p.Stock += stockDelta
	p.SalesTotal += salesDelta
	p.RevenueTotal = p.RevenueTotal.Add(revenueDelta)
	return nil
}

func (t *memTx) LockCouponForUpdate(ctx context.Context, code string) (*domain.Coupon, error) {
	code = domain.NormalizeCode(code)
	if err := t.lock(ctx, couponKey(code)); err != nil {
		return nil, err
	}
	c, ok := t.coupons[code]
	if !ok {
		fresh, err := t.s.GetCoupon(ctx, code)
		if err != nil {
			return nil, nil
		}
		c = fresh
		t.coupons[code] = c
	}
	cp := *c
	return &cp, nil
}

func (t *memTx) IncrementCouponUsage(_ context.Context, id int64) error {
	for _, c := range t.coupons {
		if c.ID != id {
			continue
		}
		if c.UsageLimit != nil && c.UsedCount+1 > *c.UsageLimit {
			return domain.ErrCouponNoLongerValid
		}
		c.UsedCount++
		return nil
	}
	return repository.ErrCouponNotFound
}

func (t *memTx) SaveCart(ctx context.Context, cart *domain.Cart) error {
	if err := t.lock(ctx, cartKey(cart.ID)); err != nil {
		return err
	}
	current, err := t.GetCart(ctx, cart.ID)
	switch {
	case err != nil && cart.Version != 0:
		return domain.ErrCartConflict
	case err == nil && current.Version != cart.Version:
		return domain.ErrCartConflict
	}
	cart.Version++
	t.savedCarts[cart.ID] = cart.Clone()
	delete(t.deletedCarts, cart.ID)
	return nil
}

func (t *memTx) DeleteCart(ctx context.Context, id string, version int64) error {
	current, err := t.GetCart(ctx, id)
	if err != nil || current.Version != version {
		return domain.ErrCartConflict
	}
	delete(t.savedCarts, id)
	t.deletedCarts[id] = true
	return nil
}

func (t *memTx) TrackingTokenExists(_ context.Context, token string) (bool, error) {
	for _, o := range t.orders {
		if o.TrackingToken == token {
			return true, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.tokens[token]
	return ok, nil
}

func (t *memTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	exists, err := t.TrackingTokenExists(ctx, order.TrackingToken)
	if err != nil {
		return err
	}
	if exists {
		return repository.ErrDuplicateToken
	}
	t.orders = append(t.orders, order.Clone())
	return nil
}

// commit validates every staged write against the live maps first and applies
// them only when all checks pass.
func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range t.orders {
		if _, ok := s.tokens[o.TrackingToken]; ok {
			return repository.ErrDuplicateToken
		}
	}
	for _, c := range t.savedCarts {
		if c.CustomerID == nil {
			continue
		}
		for id, other := range s.carts {
			if id != c.ID && !t.deletedCarts[id] && other.CustomerID != nil && *other.CustomerID == *c.CustomerID {
				return domain.ErrCartConflict
			}
		}
	}

	for id, p := range t.products {
		cp := *p
		s.products[id] = &cp
	}
	for code, c := range t.coupons {
		cp := *c
		s.coupons[code] = &cp
	}
	now := s.now()
	for id, c := range t.savedCarts {
		stored := c.Clone()
		stored.UpdatedAt = now
		s.carts[id] = stored
	}
	for id := range t.deletedCarts {
		delete(s.carts, id)
	}
	for _, o := range t.orders {
		s.orders[o.ID] = o.Clone()
		s.tokens[o.TrackingToken] = o.ID
	}
	return nil
}
