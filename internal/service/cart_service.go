package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_checkout/internal/cache"
	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/lock"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const maxCartRetries = 3

// CartStore is what the cart service needs from persistence.
type CartStore interface {
	repository.Catalog
	repository.CartRepository
}

type AddMode string

const (
	ModeSet       AddMode = "set"
	ModeIncrement AddMode = "increment"
)

func (m AddMode) Valid() bool {
	return m == ModeSet || m == ModeIncrement
}

type AddLineRequest struct {
	CartID    string // empty when the caller has no cart yet
	Identity  domain.Identity
	ProductID int64
	Quantity  int
	Mode      AddMode
}

type AddLineResult struct {
	Cart             *domain.Cart
	AppliedQuantity  int
	LineQuantity     int
	QuantityAdjusted bool
}

type LineIssue struct {
	ProductID int64  `json:"product_id"`
	Reason    string `json:"reason"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

const (
	IssueUnavailable       = "unavailable"
	IssueOutOfStock        = "out_of_stock"
	IssueInsufficientStock = "insufficient_stock"
)

type MergeKind string

const (
	MergeBound  MergeKind = "bound"
	MergeMerged MergeKind = "merged"
	MergeNoop   MergeKind = "noop"
)

type MergeOutcome struct {
	Kind MergeKind
	Cart *domain.Cart // the caller's cart after the hook, nil when there is none
}

type CartService struct {
	store CartStore
	cache cache.CartCache
	locks lock.Locker
	log   *slog.Logger
	now   func() time.Time
	newID func() string
	sfg   singleflight.Group
}

func NewCartService(store CartStore, c cache.CartCache, locks lock.Locker, log *slog.Logger) *CartService {
	if c == nil {
		c = cache.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &CartService{
		store: store,
		cache: c,
		locks: locks,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// GetCart returns the cart if the caller may see it.
func (s *CartService) GetCart(ctx context.Context, cartID string, id domain.Identity) (*domain.Cart, error) {
	cart, err := s.loadCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if !cart.OwnedBy(id) {
		return nil, domain.ErrAccessDenied
	}
	return cart, nil
}

// CurrentCart resolves the caller's cart: the customer's bound cart first,
// then the anonymous cart the session points at.
func (s *CartService) CurrentCart(ctx context.Context, id domain.Identity, pointer string) (*domain.Cart, error) {
	if id.IsAuthenticated() {
		cart, err := s.store.FindCartByCustomer(ctx, id.UserID)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, domain.ErrCartNotFound) {
			return nil, err
		}
	}
	if pointer == "" {
		return nil, domain.ErrCartNotFound
	}
	cart, err := s.GetCart(ctx, pointer, id)
	if errors.Is(err, domain.ErrAccessDenied) {
		// a stale pointer to someone else's cart is treated as no cart
		return nil, domain.ErrCartNotFound
	}
	return cart, err
}

func (s *CartService) loadCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	if cartID == "" {
		return nil, domain.ErrCartNotFound
	}
	v, err, _ := s.sfg.Do(cartID, func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, cartID)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.WarnContext(ctx, "cart cache get failed", "cart_id", cartID, "error", err)
		}

		cart, err = s.store.GetCart(ctx, cartID)
		if err != nil {
			return nil, err
		}

		cached := cart.Clone()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := s.cache.Set(ctx, cached); err != nil {
				s.log.Warn("cart cache set failed", "cart_id", cached.ID, "error", err)
			}
		}()
		return cart, nil
	})
	if err != nil {
		return nil, err
	}
	// singleflight shares one value between callers
	return v.(*domain.Cart).Clone(), nil
}

// invalidate drops the cached copy of a saved cart. Copies older than the
// saved version, including ones still being filled by loadCart, are refused.
func (s *CartService) invalidate(ctx context.Context, cart *domain.Cart) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.cache.Invalidate(ctx, cart.ID, cart.Version); err != nil {
		s.log.WarnContext(ctx, "cart cache invalidate failed", "cart_id", cart.ID, "error", err)
	}
}

// evict drops the cached copy of a deleted cart for good.
func (s *CartService) evict(ctx context.Context, cartID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.cache.Evict(ctx, cartID); err != nil {
		s.log.WarnContext(ctx, "cart cache evict failed", "cart_id", cartID, "error", err)
	}
}

// AddLine puts a product into the cart, clamping the quantity to stock. A
// cart is created when the caller has none.
func (s *CartService) AddLine(ctx context.Context, req AddLineRequest) (*AddLineResult, error) {
	if req.Quantity < 1 {
		return nil, domain.ErrInvalidQuantity
	}
	if req.Mode == "" {
		req.Mode = ModeSet
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("unknown add mode %q", req.Mode)
	}
	if req.Identity.IsZero() {
		return nil, domain.ErrAccessDenied
	}

	var lastErr error
	for attempt := 0; attempt < maxCartRetries; attempt++ {
		res, err := s.addLineOnce(ctx, req)
		if !errors.Is(err, domain.ErrCartConflict) {
			return res, err
		}
		lastErr = err
		s.log.DebugContext(ctx, "cart conflict, retrying add", "attempt", attempt+1, "product_id", req.ProductID)
	}
	return nil, lastErr
}

func (s *CartService) addLineOnce(ctx context.Context, req AddLineRequest) (*AddLineResult, error) {
	cart, err := s.cartForWrite(ctx, req.CartID, req.Identity)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockKey(ctx, lock.CartLineKey(cart.ID, req.ProductID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if cart.Version != 0 {
		// re-read under the line lock
		if cart, err = s.store.GetCart(ctx, cart.ID); err != nil {
			return nil, err
		}
	}

	product, err := s.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.IsAvailable() {
		return nil, domain.ErrUnavailable
	}

	current := cart.Quantity(req.ProductID)
	var applied, lineQty int
	switch req.Mode {
	case ModeIncrement:
		headroom := product.Stock - current
		applied = min(req.Quantity, headroom)
		if applied <= 0 {
			return nil, domain.ErrNoStockAvailable
		}
		lineQty = current + applied
	default:
		applied = min(req.Quantity, product.Stock)
		lineQty = applied
	}

	cart.PutLine(req.ProductID, lineQty, product.Price, s.now())
	if err := s.recalculate(ctx, cart); err != nil {
		return nil, err
	}
	if err := s.store.SaveCart(ctx, cart); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cart)

	return &AddLineResult{
		Cart:             cart,
		AppliedQuantity:  applied,
		LineQuantity:     lineQty,
		QuantityAdjusted: applied < req.Quantity,
	}, nil
}

// cartForWrite loads the caller's cart or prepares a new unsaved one.
func (s *CartService) cartForWrite(ctx context.Context, cartID string, id domain.Identity) (*domain.Cart, error) {
	cart, err := s.CurrentCart(ctx, id, cartID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, domain.ErrCartNotFound) {
		return nil, err
	}
	return domain.NewCart(s.newID(), id, s.now()), nil
}

func (s *CartService) lockKey(ctx context.Context, key string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, key)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockTimeout, key)
	}
	return unlock, err
}

// RemoveLine drops a product from the cart. Removing a product that is not in
// the cart succeeds without writing.
func (s *CartService) RemoveLine(ctx context.Context, cartID string, id domain.Identity, productID int64) (*domain.Cart, error) {
	return s.mutate(ctx, cartID, id, lock.CartLineKey(cartID, productID), func(cart *domain.Cart) (bool, error) {
		return cart.RemoveLine(productID), nil
	})
}

// Recalculate recomputes and persists the cached totals. Running it twice
// leaves the cart unchanged the second time.
func (s *CartService) Recalculate(ctx context.Context, cartID string, id domain.Identity) (*domain.Cart, error) {
	return s.mutate(ctx, cartID, id, lock.CartKey(cartID), func(*domain.Cart) (bool, error) {
		return false, nil
	})
}

func (s *CartService) ApplyCoupon(ctx context.Context, cartID string, id domain.Identity, code string) (*domain.Cart, error) {
	code = domain.NormalizeCode(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", domain.ErrCouponInvalid)
	}
	return s.mutate(ctx, cartID, id, lock.CartKey(cartID), func(cart *domain.Cart) (bool, error) {
		coupon, err := s.store.GetCoupon(ctx, code)
		if errors.Is(err, repository.ErrCouponNotFound) {
			return false, fmt.Errorf("%w: unknown code", domain.ErrCouponInvalid)
		}
		if err != nil {
			return false, err
		}
		subtotal := domain.ComputeTotals(cart.Lines, nil, nil, nil, s.now()).Subtotal
		if err := coupon.Validate(s.now(), subtotal); err != nil {
			return false, err
		}
		cart.CouponCode = &coupon.Code
		return true, nil
	})
}

func (s *CartService) RemoveCoupon(ctx context.Context, cartID string, id domain.Identity) (*domain.Cart, error) {
	return s.mutate(ctx, cartID, id, lock.CartKey(cartID), func(cart *domain.Cart) (bool, error) {
		if cart.CouponCode == nil {
			return false, nil
		}
		cart.CouponCode = nil
		return true, nil
	})
}

func (s *CartService) SelectDeliveryMethod(ctx context.Context, cartID string, id domain.Identity, methodID int64) (*domain.Cart, error) {
	return s.mutate(ctx, cartID, id, lock.CartKey(cartID), func(cart *domain.Cart) (bool, error) {
		m, err := s.store.GetDeliveryMethod(ctx, methodID)
		if errors.Is(err, repository.ErrMethodNotFound) || (err == nil && !m.IsActive) {
			return false, domain.ErrMethodUnavailable
		}
		if err != nil {
			return false, err
		}
		cart.DeliveryMethodID = &m.ID
		return true, nil
	})
}

func (s *CartService) SelectPaymentMethod(ctx context.Context, cartID string, id domain.Identity, methodID int64) (*domain.Cart, error) {
	return s.mutate(ctx, cartID, id, lock.CartKey(cartID), func(cart *domain.Cart) (bool, error) {
		m, err := s.store.GetPaymentMethod(ctx, methodID)
		if errors.Is(err, repository.ErrMethodNotFound) || (err == nil && !m.IsActive) {
			return false, domain.ErrMethodUnavailable
		}
		if err != nil {
			return false, err
		}
		cart.PaymentMethodID = &m.ID
		return true, nil
	})
}

// mutate runs one locked read-modify-write on an existing cart, recalculates
// and persists it when anything changed. Version conflicts are retried.
func (s *CartService) mutate(ctx context.Context, cartID string, id domain.Identity, key string, fn func(cart *domain.Cart) (bool, error)) (*domain.Cart, error) {
	var lastErr error
	for attempt := 0; attempt < maxCartRetries; attempt++ {
		cart, err := s.mutateOnce(ctx, cartID, id, key, fn)
		if !errors.Is(err, domain.ErrCartConflict) {
			return cart, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *CartService) mutateOnce(ctx context.Context, cartID string, id domain.Identity, key string, fn func(cart *domain.Cart) (bool, error)) (*domain.Cart, error) {
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if !cart.OwnedBy(id) {
		return nil, domain.ErrAccessDenied
	}

	before := cart.Totals()
	changed, err := fn(cart)
	if err != nil {
		return nil, err
	}
	if err := s.recalculate(ctx, cart); err != nil {
		return nil, err
	}
	if !changed && cart.Totals().Equal(before) {
		return cart, nil
	}
	if err := s.store.SaveCart(ctx, cart); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cart)
	return cart, nil
}

// recalculate refreshes the cached totals from the lines, the selected
// methods and the coupon. A coupon that currently fails validation stays on
// the cart but gives no discount.
func (s *CartService) recalculate(ctx context.Context, cart *domain.Cart) error {
	var (
		delivery *domain.DeliveryMethod
		payment  *domain.PaymentMethod
		coupon   *domain.Coupon
		err      error
	)
	if cart.DeliveryMethodID != nil {
		delivery, err = s.store.GetDeliveryMethod(ctx, *cart.DeliveryMethodID)
		if err != nil && !errors.Is(err, repository.ErrMethodNotFound) {
			return err
		}
	}
	if cart.PaymentMethodID != nil {
		payment, err = s.store.GetPaymentMethod(ctx, *cart.PaymentMethodID)
		if err != nil && !errors.Is(err, repository.ErrMethodNotFound) {
			return err
		}
	}
	if cart.CouponCode != nil {
		coupon, err = s.store.GetCoupon(ctx, *cart.CouponCode)
		if err != nil && !errors.Is(err, repository.ErrCouponNotFound) {
			return err
		}
	}
	cart.ApplyTotals(domain.ComputeTotals(cart.Lines, delivery, payment, coupon, s.now()))
	return nil
}

// Availability checks every line against the current catalog without taking
// any lock.
func (s *CartService) Availability(ctx context.Context, cart *domain.Cart) ([]LineIssue, error) {
	products, err := s.store.GetProducts(ctx, cart.ProductIDs())
	if err != nil {
		return nil, err
	}
	var issues []LineIssue
	for _, l := range cart.Lines {
		p, ok := products[l.ProductID]
		switch {
		case !ok || p.Status != domain.ProductActive:
			issues = append(issues, LineIssue{ProductID: l.ProductID, Reason: IssueUnavailable, Requested: l.Quantity})
		case p.Stock == 0:
			issues = append(issues, LineIssue{ProductID: l.ProductID, Reason: IssueOutOfStock, Requested: l.Quantity})
		case p.Stock < l.Quantity:
			issues = append(issues, LineIssue{ProductID: l.ProductID, Reason: IssueInsufficientStock, Requested: l.Quantity, Available: p.Stock})
		}
	}
	return issues, nil
}

// OnAuthenticated runs once the caller has logged in. The anonymous cart of
// the session is bound to the customer, or merged into the customer's
// existing cart with every line clamped to stock.
func (s *CartService) OnAuthenticated(ctx context.Context, anonCartID string, id domain.Identity) (*MergeOutcome, error) {
	if !id.IsAuthenticated() {
		return nil, domain.ErrAccessDenied
	}
	var lastErr error
	for attempt := 0; attempt < maxCartRetries; attempt++ {
		out, err := s.onAuthenticatedOnce(ctx, anonCartID, id)
		if !errors.Is(err, domain.ErrCartConflict) {
			return out, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *CartService) onAuthenticatedOnce(ctx context.Context, anonCartID string, id domain.Identity) (*MergeOutcome, error) {
	existing, err := s.store.FindCartByCustomer(ctx, id.UserID)
	if err != nil && !errors.Is(err, domain.ErrCartNotFound) {
		return nil, err
	}

	if anonCartID == "" || (existing != nil && existing.ID == anonCartID) {
		return &MergeOutcome{Kind: MergeNoop, Cart: existing}, nil
	}

	unlock, err := s.lockKey(ctx, lock.CartKey(anonCartID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	anon, err := s.store.GetCart(ctx, anonCartID)
	if errors.Is(err, domain.ErrCartNotFound) {
		return &MergeOutcome{Kind: MergeNoop, Cart: existing}, nil
	}
	if err != nil {
		return nil, err
	}
	if anon.IsBound() {
		if *anon.CustomerID == id.UserID {
			return &MergeOutcome{Kind: MergeNoop, Cart: anon}, nil
		}
		return nil, domain.ErrAccessDenied
	}
	if !anon.OwnedBy(domain.Anonymous(id.SessionKey)) {
		return nil, domain.ErrAccessDenied
	}

	if existing == nil {
		if _, err := anon.Bind(id); err != nil {
			return nil, err
		}
		if err := s.store.SaveCart(ctx, anon); err != nil {
			return nil, err
		}
		s.invalidate(ctx, anon)
		return &MergeOutcome{Kind: MergeBound, Cart: anon}, nil
	}

	if anon.IsEmpty() {
		if err := s.store.DeleteCart(ctx, anon.ID, anon.Version); err != nil {
			return nil, err
		}
		s.evict(ctx, anon.ID)
		return &MergeOutcome{Kind: MergeNoop, Cart: existing}, nil
	}

	products, err := s.store.GetProducts(ctx, anon.ProductIDs())
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, l := range anon.Lines {
		p, ok := products[l.ProductID]
		if !ok || !p.IsAvailable() {
			continue
		}
		qty := min(existing.Quantity(l.ProductID)+l.Quantity, p.Stock)
		existing.PutLine(l.ProductID, qty, p.Price, now)
	}
	if existing.CouponCode == nil && anon.CouponCode != nil {
		existing.CouponCode = anon.CouponCode
	}
	if err := s.recalculate(ctx, existing); err != nil {
		return nil, err
	}
	if err := s.store.SaveCart(ctx, existing); err != nil {
		return nil, err
	}
	if err := s.store.DeleteCart(ctx, anon.ID, anon.Version); err != nil {
		s.log.WarnContext(ctx, "merged anonymous cart not deleted", "cart_id", anon.ID, "error", err)
	}
	s.invalidate(ctx, existing)
	s.evict(ctx, anon.ID)
	return &MergeOutcome{Kind: MergeMerged, Cart: existing}, nil
}
