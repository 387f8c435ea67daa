package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/publisher"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/fjod/go_checkout/internal/session"
	"github.com/fjod/go_checkout/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	placementAttempts    = 2
	defaultNotifyTimeout = 5 * time.Second
)

type OrderConfig struct {
	Currency        string
	TrackingBaseURL string
	PaymentBaseURL  string
	NotifyTimeout   time.Duration
}

type PlaceOrderRequest struct {
	CartID   string
	Identity domain.Identity
	Bag      session.Bag
}

type PlaceOrderResult struct {
	Order         *domain.Order
	TrackingToken string
	TrackingURL   string
	PaymentURL    string
}

type BuyAgainResult struct {
	Cart    *domain.Cart
	Added   int
	Skipped int
}

type OrderService struct {
	store    repository.Store
	carts    *CartService
	sessions *session.Manager
	notifier publisher.Notifier
	metrics  *metrics.OrderMetrics
	cfg      OrderConfig
	log      *slog.Logger
	now      func() time.Time
	newToken func() (string, error)
	wg       sync.WaitGroup
}

type OrderOption func(*OrderService)

func WithOrderMetrics(m *metrics.OrderMetrics) OrderOption {
	return func(s *OrderService) { s.metrics = m }
}

func WithTokenGenerator(gen func() (string, error)) OrderOption {
	return func(s *OrderService) { s.newToken = gen }
}

func NewOrderService(
	store repository.Store,
	carts *CartService,
	sessions *session.Manager,
	notifier publisher.Notifier,
	cfg OrderConfig,
	log *slog.Logger,
	opts ...OrderOption,
) *OrderService {
	if cfg.Currency == "" {
		cfg.Currency = "EUR"
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	s := &OrderService{
		store:    store,
		carts:    carts,
		sessions: sessions,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: NewTrackingToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until every dispatched notification has finished.
func (s *OrderService) Wait() {
	s.wg.Wait()
}

// PlaceOrder turns the caller's cart into an order. Cheap preconditions are
// checked without locks; stock, coupon usage and the cart are then changed in
// one transaction.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	start := time.Now()
	res, err := s.placeOrder(ctx, req)
	s.metrics.Observe(placementOutcome(err), time.Since(start))
	return res, err
}

func placementOutcome(err error) string {
	switch {
	case err == nil:
		return "placed"
	case errors.Is(err, domain.ErrStockUnavailable):
		return "stock_unavailable"
	case errors.Is(err, domain.ErrCouponNoLongerValid):
		return "coupon_healed"
	case domain.IsRetryable(err):
		return "retryable"
	case errors.Is(err, domain.ErrEmptyCart),
		errors.Is(err, domain.ErrCartNotFound),
		errors.Is(err, domain.ErrAccessDenied),
		errors.Is(err, domain.ErrDetailsIncomplete),
		errors.Is(err, domain.ErrCheckoutExpired),
		errors.Is(err, domain.ErrMethodUnavailable):
		return "precondition"
	}
	return "error"
}

// checkout holds what the unlocked preconditions resolved.
type checkout struct {
	cartID   string
	identity domain.Identity
	details  domain.CheckoutDetails
	delivery *domain.DeliveryMethod
	payment  *domain.PaymentMethod
}

func (s *OrderService) placeOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	co, err := s.preconditions(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		order  *domain.Order
		healed *domain.CouponRemovedError
	)
	for attempt := 0; attempt < placementAttempts; attempt++ {
		order, healed = nil, nil
		err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			order, healed, err = s.placeInTx(ctx, tx, co)
			return err
		})
		if !errors.Is(err, repository.ErrDuplicateToken) {
			break
		}
		s.log.WarnContext(ctx, "tracking token collided on insert, retrying", "cart_id", co.cartID)
	}
	if err != nil {
		s.log.InfoContext(ctx, "order placement aborted", "cart_id", co.cartID, "error", err)
		return nil, err
	}

	if healed != nil {
		s.carts.invalidate(ctx, healed.Cart)
		s.log.InfoContext(ctx, "coupon removed from cart during placement", "cart_id", co.cartID, "code", healed.Code)
		return nil, healed
	}
	s.carts.evict(ctx, co.cartID)

	if err := s.sessions.Clear(ctx, req.Bag); err != nil {
		s.log.WarnContext(ctx, "checkout state not cleared after placement", "order_id", order.ID, "error", err)
	}
	if err := s.sessions.ClearCartPointer(ctx, req.Bag); err != nil {
		s.log.WarnContext(ctx, "cart pointer not cleared after placement", "order_id", order.ID, "error", err)
	}

	res := &PlaceOrderResult{
		Order:         order,
		TrackingToken: order.TrackingToken,
		TrackingURL:   joinURL(s.cfg.TrackingBaseURL, order.TrackingToken),
	}
	if co.payment.Online {
		res.PaymentURL = joinURL(s.cfg.PaymentBaseURL, order.ID.String())
	}
	s.dispatch(ctx, publisher.OrderPlaced{Order: order.Clone(), TrackingURL: res.TrackingURL, PaymentURL: res.PaymentURL})

	s.log.InfoContext(ctx, "order placed",
		"order_id", order.ID,
		"lines", len(order.Lines),
		"total", order.Total.StringFixed(2))
	return res, nil
}

func (s *OrderService) preconditions(ctx context.Context, req PlaceOrderRequest) (*checkout, error) {
	if req.CartID == "" {
		return nil, domain.ErrCartNotFound
	}
	cart, err := s.store.GetCart(ctx, req.CartID)
	if err != nil {
		return nil, err
	}
	if !cart.OwnedBy(req.Identity) {
		return nil, domain.ErrAccessDenied
	}
	if cart.IsEmpty() {
		return nil, domain.ErrEmptyCart
	}

	issues, err := s.carts.Availability(ctx, cart)
	if err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		ids := make([]int64, len(issues))
		for i, is := range issues {
			ids[i] = is.ProductID
		}
		return nil, domain.NewStockConflict(ids...)
	}

	co := &checkout{cartID: cart.ID, identity: req.Identity}
	if req.Bag == nil {
		return nil, &domain.MissingFieldsError{Fields: domain.CheckoutDetails{}.Missing()}
	}
	state, err := s.sessions.Read(ctx, req.Bag, true)
	if err != nil {
		return nil, err
	}
	if state.Expired {
		return nil, domain.ErrCheckoutExpired
	}
	if state.State.ActiveDetails == nil {
		return nil, &domain.MissingFieldsError{Fields: domain.CheckoutDetails{}.Missing()}
	}
	co.details = *state.State.ActiveDetails
	if missing := co.details.Missing(); len(missing) > 0 {
		return nil, &domain.MissingFieldsError{Fields: missing}
	}

	var missing []string
	if cart.DeliveryMethodID == nil {
		missing = append(missing, "delivery_method")
	}
	if cart.PaymentMethodID == nil {
		missing = append(missing, "payment_method")
	}
	if len(missing) > 0 {
		return nil, &domain.MissingFieldsError{Fields: missing}
	}

	co.delivery, err = s.store.GetDeliveryMethod(ctx, *cart.DeliveryMethodID)
	if errors.Is(err, repository.ErrMethodNotFound) || (err == nil && !co.delivery.IsActive) {
		return nil, domain.ErrMethodUnavailable
	}
	if err != nil {
		return nil, err
	}
	co.payment, err = s.store.GetPaymentMethod(ctx, *cart.PaymentMethodID)
	if errors.Is(err, repository.ErrMethodNotFound) || (err == nil && !co.payment.IsActive) {
		return nil, domain.ErrMethodUnavailable
	}
	if err != nil {
		return nil, err
	}
	return co, nil
}

// placeInTx is the locked section. A coupon that fails validation against its
// locked row is stripped from the cart; that correction is the only write and
// it is committed.
func (s *OrderService) placeInTx(ctx context.Context, tx repository.Tx, co *checkout) (*domain.Order, *domain.CouponRemovedError, error) {
	cart, err := tx.GetCart(ctx, co.cartID)
	if err != nil {
		return nil, nil, err
	}
	if !cart.OwnedBy(co.identity) {
		return nil, nil, domain.ErrAccessDenied
	}
	if cart.IsEmpty() {
		return nil, nil, domain.ErrEmptyCart
	}

	qty := make(map[int64]int)
	revenue := make(map[int64]decimal.Decimal)
	for _, l := range cart.Lines {
		qty[l.ProductID] += l.Quantity
		revenue[l.ProductID] = revenue[l.ProductID].Add(l.LineTotal())
	}
	ids := make([]int64, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked, err := tx.LockProductsForUpdate(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	products := make(map[int64]*domain.Product, len(locked))
	for _, p := range locked {
		products[p.ID] = p
	}
	var conflicts []int64
	for _, id := range ids {
		p, ok := products[id]
		if !ok || !p.CanFulfil(qty[id]) {
			conflicts = append(conflicts, id)
		}
	}
	if len(conflicts) > 0 {
		return nil, nil, domain.NewStockConflict(conflicts...)
	}

	now := s.now()
	var coupon *domain.Coupon
	if cart.CouponCode != nil {
		c, err := tx.LockCouponForUpdate(ctx, *cart.CouponCode)
		if err != nil {
			return nil, nil, err
		}
		subtotal := domain.ComputeTotals(cart.Lines, nil, nil, nil, now).Subtotal
		if c == nil || c.Validate(now, subtotal) != nil {
			code := *cart.CouponCode
			cart.CouponCode = nil
			cart.ApplyTotals(domain.ComputeTotals(cart.Lines, co.delivery, co.payment, nil, now))
			if err := tx.SaveCart(ctx, cart); err != nil {
				return nil, nil, err
			}
			return nil, &domain.CouponRemovedError{Code: code, Cart: cart}, nil
		}
		coupon = c
	}
	totals := domain.ComputeTotals(cart.Lines, co.delivery, co.payment, coupon, now)

	for _, id := range ids {
		if err := tx.AdjustProductCounters(ctx, id, -qty[id], qty[id], revenue[id]); err != nil {
			return nil, nil, err
		}
	}
	if coupon != nil {
		if err := tx.IncrementCouponUsage(ctx, coupon.ID); err != nil {
			return nil, nil, err
		}
	}

	token, err := s.uniqueToken(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	order := &domain.Order{
		ID:             uuid.New(),
		TrackingToken:  token,
		Status:         domain.OrderStatusPending,
		Details:        co.details,
		DeliveryMethod: co.delivery.Name,
		PaymentMethod:  co.payment.Name,
		Subtotal:       totals.Subtotal,
		DiscountTotal:  totals.DiscountTotal,
		DeliveryCost:   totals.DeliveryCost,
		PaymentFee:     totals.PaymentFee,
		Total:          totals.Total,
		Currency:       s.cfg.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if cart.CustomerID != nil {
		uid := *cart.CustomerID
		order.CustomerID = &uid
	}
	if coupon != nil {
		order.CouponCode = coupon.Code
	}
	for _, l := range cart.Lines {
		order.Lines = append(order.Lines, domain.OrderLine{
			ProductID:   l.ProductID,
			ProductName: products[l.ProductID].Name,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			LineTotal:   l.LineTotal(),
		})
	}

	if err := tx.CreateOrder(ctx, order); err != nil {
		return nil, nil, err
	}
	if err := tx.DeleteCart(ctx, cart.ID, cart.Version); err != nil {
		return nil, nil, err
	}
	return order, nil, nil
}

func (s *OrderService) uniqueToken(ctx context.Context, tx repository.Tx) (string, error) {
	for i := 0; i < maxTokenAttempts; i++ {
		token, err := s.newToken()
		if err != nil {
			return "", err
		}
		exists, err := tx.TrackingTokenExists(ctx, token)
		if err != nil {
			return "", err
		}
		if !exists {
			return token, nil
		}
	}
	return "", fmt.Errorf("no unique tracking token after %d attempts", maxTokenAttempts)
}

// dispatch notifies in the background. The request's values, trace span
// included, carry over; its cancellation does not.
func (s *OrderService) dispatch(ctx context.Context, ev publisher.OrderPlaced) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.notifier.NotifyOrderPlaced(ctx, ev); err != nil {
			s.log.WarnContext(ctx, "order notification failed", "order_id", ev.Order.ID, "error", err)
		}
	}()
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + path
}

func (s *OrderService) GetOrderByTrackingToken(ctx context.Context, token string) (*domain.Order, error) {
	if token == "" {
		return nil, domain.ErrOrderNotFound
	}
	return s.store.GetOrderByTrackingToken(ctx, token)
}

// OpenTrackingLink returns the order behind a tracking link and stamps the
// first open as email verification.
func (s *OrderService) OpenTrackingLink(ctx context.Context, token string) (*domain.Order, error) {
	order, err := s.GetOrderByTrackingToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if order.EmailVerifiedAt != nil {
		return order, nil
	}
	now := s.now()
	changed, err := s.store.MarkEmailVerified(ctx, order.ID, now)
	if err != nil {
		return nil, err
	}
	if changed {
		order.MarkEmailVerified(now)
		s.log.InfoContext(ctx, "order email verified", "order_id", order.ID)
		return order, nil
	}
	// another request stamped it first
	return s.store.GetOrder(ctx, order.ID)
}

// BuyAgain adds every product of the order to the caller's cart, each clamped
// to current stock. Products that can no longer be sold are skipped.
func (s *OrderService) BuyAgain(ctx context.Context, token string, id domain.Identity, cartID string) (*BuyAgainResult, error) {
	order, err := s.GetOrderByTrackingToken(ctx, token)
	if err != nil {
		return nil, err
	}

	res := &BuyAgainResult{}
	for _, l := range order.Lines {
		added, err := s.carts.AddLine(ctx, AddLineRequest{
			CartID:    cartID,
			Identity:  id,
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			Mode:      ModeIncrement,
		})
		switch {
		case errors.Is(err, domain.ErrUnavailable),
			errors.Is(err, domain.ErrNoStockAvailable),
			errors.Is(err, domain.ErrProductNotFound):
			res.Skipped++
			continue
		case err != nil:
			return nil, err
		}
		res.Added++
		res.Cart = added.Cart
		cartID = added.Cart.ID
	}
	if res.Cart == nil {
		cart, err := s.carts.CurrentCart(ctx, id, cartID)
		if err != nil && !errors.Is(err, domain.ErrCartNotFound) {
			return nil, err
		}
		res.Cart = cart
	}
	return res, nil
}

func (s *OrderService) UpdateStatus(ctx context.Context, orderID uuid.UUID, from, to domain.OrderStatus) error {
	if !from.Valid() || !to.Valid() {
		return domain.IllegalTransitionError
	}
	if err := s.store.UpdateOrderStatus(ctx, orderID, from, to, s.now()); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "order status changed", "order_id", orderID, "from", from, "to", to)
	return nil
}

func (s *OrderService) ListOrders(ctx context.Context, id domain.Identity) ([]*domain.Order, error) {
	if !id.IsAuthenticated() {
		return nil, domain.ErrAccessDenied
	}
	return s.store.ListOrdersByCustomer(ctx, id.UserID)
}
