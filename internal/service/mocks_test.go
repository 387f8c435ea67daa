package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/lock"
	"github.com/fjod/go_checkout/internal/publisher"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/fjod/go_checkout/internal/session"
	"github.com/fjod/go_checkout/internal/store"
	"github.com/fjod/go_checkout/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// spyStore counts transactions so tests can assert that a failure happened
// before any row was locked.
type spyStore struct {
	*store.MemoryStore
	mu  sync.RWMutex
	txs int
}

func (s *spyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	s.txs++
	s.mu.Unlock()
	return s.MemoryStore.WithinTx(ctx, fn)
}

func (s *spyStore) Transactions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txs
}

type mockNotifier struct {
	mu     sync.RWMutex
	events []publisher.OrderPlaced
	err    error
}

func (m *mockNotifier) NotifyOrderPlaced(_ context.Context, ev publisher.OrderPlaced) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *mockNotifier) Events() []publisher.OrderPlaced {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]publisher.OrderPlaced(nil), m.events...)
}

type testClock struct {
	mu sync.RWMutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store    *spyStore
	carts    *CartService
	orders   *OrderService
	sessions *session.Manager
	bags     *session.MemoryBags
	notifier *mockNotifier
	clock    *testClock
}

const (
	lampID    int64 = 1 // 10.00, stock 3
	paperID   int64 = 2 // 2.50, stock 10
	retiredID int64 = 3 // inactive

	courierID int64 = 1 // 5.00, free from 100
	lockerID  int64 = 2 // inactive
	cardID    int64 = 1 // online
	cashID    int64 = 2 // 1.50 fee
)

func setup(t *testing.T, opts ...OrderOption) *fixture {
	t.Helper()
	st := &spyStore{MemoryStore: store.NewMemoryStore(2 * time.Second)}
	t.Cleanup(func() { st.Close() })

	st.PutProduct(domain.Product{ID: lampID, Name: "Lamp", Price: decimal.NewFromInt(10), Stock: 3, Status: domain.ProductActive})
	st.PutProduct(domain.Product{ID: paperID, Name: "Paper", Price: decimal.RequireFromString("2.50"), Stock: 10, Status: domain.ProductActive})
	st.PutProduct(domain.Product{ID: retiredID, Name: "Retired", Price: decimal.NewFromInt(1), Stock: 5, Status: domain.ProductInactive})

	freeFrom := decimal.NewFromInt(100)
	st.PutDeliveryMethod(domain.DeliveryMethod{ID: courierID, Name: "Courier", Fee: decimal.NewFromInt(5), FreeFrom: &freeFrom, IsActive: true})
	st.PutDeliveryMethod(domain.DeliveryMethod{ID: lockerID, Name: "Locker", Fee: decimal.NewFromInt(2)})
	st.PutPaymentMethod(domain.PaymentMethod{ID: cardID, Name: "Card", IsActive: true, Online: true})
	st.PutPaymentMethod(domain.PaymentMethod{ID: cashID, Name: "Cash", Fee: decimal.RequireFromString("1.50"), IsActive: true})

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	log := logger.Discard()

	carts := NewCartService(st, nil, lock.NewKeyedMutex(time.Second), log)
	carts.now = clock.Now

	sessions := session.NewManager(30*time.Minute, 2*time.Hour, session.WithClock(clock.Now))
	notifier := &mockNotifier{}
	orders := NewOrderService(st, carts, sessions, notifier, OrderConfig{
		Currency:        "EUR",
		TrackingBaseURL: "https://shop.test/track/",
		PaymentBaseURL:  "https://pay.test",
	}, log, opts...)
	orders.now = clock.Now

	return &fixture{
		store:    st,
		carts:    carts,
		orders:   orders,
		sessions: sessions,
		bags:     session.NewMemoryBags(),
		notifier: notifier,
		clock:    clock,
	}
}

func details() domain.CheckoutDetails {
	return domain.CheckoutDetails{
		FullName:    "Ada Lovelace",
		Email:       "ada@example.com",
		Phone:       "+44 20 0000",
		AddressLine: "12 Analytical St",
		City:        "London",
		PostalCode:  "N1",
	}
}

type line struct {
	productID int64
	qty       int
}

// readyCart builds a cart that passes every placement precondition.
func (f *fixture) readyCart(t *testing.T, id domain.Identity, lines ...line) *domain.Cart {
	t.Helper()
	ctx := context.Background()
	cartID := ""
	for _, l := range lines {
		res, err := f.carts.AddLine(ctx, AddLineRequest{CartID: cartID, Identity: id, ProductID: l.productID, Quantity: l.qty, Mode: ModeSet})
		require.NoError(t, err)
		cartID = res.Cart.ID
	}
	_, err := f.carts.SelectDeliveryMethod(ctx, cartID, id, courierID)
	require.NoError(t, err)
	cart, err := f.carts.SelectPaymentMethod(ctx, cartID, id, cardID)
	require.NoError(t, err)

	bag := f.bags.Open(id.SessionKey)
	require.NoError(t, f.sessions.SetCartPointer(ctx, bag, cartID))
	_, err = f.sessions.Write(ctx, bag, details(), nil)
	require.NoError(t, err)
	return cart
}

func (f *fixture) place(id domain.Identity, cartID string) (*PlaceOrderResult, error) {
	return f.orders.PlaceOrder(context.Background(), PlaceOrderRequest{
		CartID:   cartID,
		Identity: id,
		Bag:      f.bags.Open(id.SessionKey),
	})
}

// sequenceTokens hands out the given tokens in order, then unique ones.
func sequenceTokens(tokens ...string) func() (string, error) {
	var mu sync.Mutex
	n := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n <= len(tokens) {
			return tokens[n-1], nil
		}
		return fmt.Sprintf("generated-%d", n), nil
	}
}
