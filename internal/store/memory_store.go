package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/google/uuid"
)

const DefaultLockTimeout = 3 * time.Second

// MemoryStore implements repository.Store in process memory. It keeps the
// same locking contract as the Postgres repository: placement transactions
// take exclusive row locks with a bounded wait and their writes become
// visible only on commit.
type MemoryStore struct {
	mu         sync.RWMutex
	products   map[int64]*domain.Product
	coupons    map[string]*domain.Coupon // code -> coupon
	couponSeq  int64
	deliveries map[int64]*domain.DeliveryMethod
	payments   map[int64]*domain.PaymentMethod
	carts      map[string]*domain.Cart
	orders     map[uuid.UUID]*domain.Order
	tokens     map[string]uuid.UUID // tracking token -> order id

	locks       *rowLocks
	lockTimeout time.Duration
	now         func() time.Time
}

var _ repository.Store = (*MemoryStore)(nil)

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MemoryStore{
		products:    make(map[int64]*domain.Product),
		coupons:     make(map[string]*domain.Coupon),
		deliveries:  make(map[int64]*domain.DeliveryMethod),
		payments:    make(map[int64]*domain.PaymentMethod),
		carts:       make(map[string]*domain.Cart),
		orders:      make(map[uuid.UUID]*domain.Order),
		tokens:      make(map[string]uuid.UUID),
		locks:       newRowLocks(),
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PutProduct inserts or replaces a product.
func (s *MemoryStore) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = &p
}

// PutCoupon stores the coupon under its normalized code and returns its id.
func (s *MemoryStore) PutCoupon(c domain.Coupon) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Code = domain.NormalizeCode(c.Code)
	if existing, ok := s.coupons[c.Code]; ok {
		c.ID = existing.ID
	} else if c.ID == 0 {
		s.couponSeq++
		c.ID = s.couponSeq
	}
	s.coupons[c.Code] = &c
	return c.ID
}

func (s *MemoryStore) PutDeliveryMethod(m domain.DeliveryMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[m.ID] = &m
}

func (s *MemoryStore) PutPaymentMethod(m domain.PaymentMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[m.ID] = &m
}

func (s *MemoryStore) Close() error {
	return nil
}

// Catalog

func (s *MemoryStore) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetProducts(_ context.Context, ids []int64) (map[int64]*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make(map[int64]*domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			cp := *p
			res[id] = &cp
		}
	}
	return res, nil
}

func (s *MemoryStore) GetCoupon(_ context.Context, code string) (*domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.coupons[domain.NormalizeCode(code)]
	if !ok {
		return nil, repository.ErrCouponNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetDeliveryMethod(_ context.Context, id int64) (*domain.DeliveryMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.deliveries[id]
	if !ok {
		return nil, repository.ErrMethodNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetPaymentMethod(_ context.Context, id int64) (*domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.payments[id]
	if !ok {
		return nil, repository.ErrMethodNotFound
	}
	cp := *m
	return &cp, nil
}

// Carts

func (s *MemoryStore) GetCart(_ context.Context, id string) (*domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.carts[id]
	if !ok {
		return nil, domain.ErrCartNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) FindCartByCustomer(_ context.Context, customerID string) (*domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.carts {
		if c.CustomerID != nil && *c.CustomerID == customerID {
			return c.Clone(), nil
		}
	}
	return nil, domain.ErrCartNotFound
}

// SaveCart takes the cart row lock for the duration of the write so it queues
// behind a placement transaction holding the same cart.
func (s *MemoryStore) SaveCart(ctx context.Context, cart *domain.Cart) error {
	key := cartKey(cart.ID)
	if err := s.locks.acquire(ctx, key, s.lockTimeout); err != nil {
		return err
	}
	defer s.locks.release(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCartWrite(cart); err != nil {
		return err
	}
	s.putCart(cart)
	return nil
}

func (s *MemoryStore) DeleteCart(ctx context.Context, id string, version int64) error {
	key := cartKey(id)
	if err := s.locks.acquire(ctx, key, s.lockTimeout); err != nil {
		return err
	}
	defer s.locks.release(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.carts[id]
	if !ok || stored.Version != version {
		return domain.ErrCartConflict
	}
	delete(s.carts, id)
	return nil
}

// checkCartWrite must be called with s.mu held.
func (s *MemoryStore) checkCartWrite(cart *domain.Cart) error {
	stored, exists := s.carts[cart.ID]
	switch {
	case cart.Version == 0 && exists:
		return domain.ErrCartConflict
	case cart.Version != 0 && (!exists || stored.Version != cart.Version):
		return domain.ErrCartConflict
	}
	if cart.CustomerID != nil {
		for id, other := range s.carts {
			if id != cart.ID && other.CustomerID != nil && *other.CustomerID == *cart.CustomerID {
				return domain.ErrCartConflict
			}
		}
	}
	return nil
}

// putCart must be called with s.mu held. It bumps cart.Version.
func (s *MemoryStore) putCart(cart *domain.Cart) {
	cart.Version++
	stored := cart.Clone()
	stored.UpdatedAt = s.now()
	s.carts[cart.ID] = stored
}

// Orders

func (s *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) GetOrderByTrackingToken(_ context.Context, token string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return s.orders[id].Clone(), nil
}

func (s *MemoryStore) ListOrdersByCustomer(_ context.Context, customerID string) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*domain.Order
	for _, o := range s.orders {
		if o.CustomerID != nil && *o.CustomerID == customerID {
			res = append(res, o.Clone())
		}
	}
	sortOrdersNewestFirst(res)
	return res, nil
}

func (s *MemoryStore) MarkEmailVerified(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if !o.MarkEmailVerified(at) {
		return false, nil
	}
	o.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) UpdateOrderStatus(_ context.Context, id uuid.UUID, from, to domain.OrderStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status != from {
		return domain.IllegalTransitionError
	}
	return o.TransitionTo(to, at)
}

// WithinTx runs fn against a staging transaction and publishes its writes
// only when fn returns nil. Row locks are released in every case.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx := newMemTx(s)
	defer tx.releaseAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func sortOrdersNewestFirst(orders []*domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
