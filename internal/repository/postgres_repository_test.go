package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) (*Repository, func()) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	creds := &Credentials{
		Host:              host,
		Port:              port.Int(),
		User:              "testuser",
		Password:          "testpass",
		DBName:            "testdb",
		MigrationsDirPath: "./migrations",
	}

	repo, err := NewRepository(creds, WithLockTimeout(500*time.Millisecond))
	require.NoError(t, err)

	err = repo.RunMigrations(creds)
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}

	return repo, cleanup
}

func seedProduct(t *testing.T, r *Repository, id int64, price string, stock int) {
	_, err := r.db.Exec(`INSERT INTO products (id, name, price, stock, status) VALUES ($1, $2, $3, $4, 'active')`,
		id, "product", price, stock)
	require.NoError(t, err)
}

func seedCoupon(t *testing.T, r *Repository, code string, limit int) int64 {
	var id int64
	err := r.db.QueryRow(`INSERT INTO coupons (code, kind, value, usage_limit) VALUES ($1, 'percent', 10, $2) RETURNING id`,
		code, limit).Scan(&id)
	require.NoError(t, err)
	return id
}

func newTestCart(productID int64) *domain.Cart {
	c := domain.NewCart(uuid.NewString(), domain.Anonymous("sess-1"), time.Now().UTC())
	c.PutLine(productID, 2, decimal.RequireFromString("9.99"), time.Now().UTC())
	c.ApplyTotals(domain.ComputeTotals(c.Lines, nil, nil, nil, time.Now()))
	return c
}

func TestSaveCart_InsertThenLoad(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedProduct(t, repo, 1, "9.99", 10)
	cart := newTestCart(1)

	require.NoError(t, repo.SaveCart(ctx, cart))
	assert.Equal(t, int64(1), cart.Version)

	fetched, err := repo.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", fetched.SessionKey)
	require.Len(t, fetched.Lines, 1)
	assert.Equal(t, 2, fetched.Lines[0].Quantity)
	assert.True(t, decimal.RequireFromString("19.98").Equal(fetched.Total))
}

func TestSaveCart_StaleVersionConflicts(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedProduct(t, repo, 1, "9.99", 10)
	cart := newTestCart(1)
	require.NoError(t, repo.SaveCart(ctx, cart))

	stale := cart.Clone()
	require.NoError(t, repo.SaveCart(ctx, cart))

	err := repo.SaveCart(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrCartConflict)
}

func TestFindCartByCustomer(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedProduct(t, repo, 1, "9.99", 10)
	cart := newTestCart(1)
	_, err := cart.Bind(domain.Authenticated("user-1", ""))
	require.NoError(t, err)
	require.NoError(t, repo.SaveCart(ctx, cart))

	found, err := repo.FindCartByCustomer(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, cart.ID, found.ID)

	_, err = repo.FindCartByCustomer(ctx, "user-2")
	assert.ErrorIs(t, err, domain.ErrCartNotFound)
}

func TestGetCart_MalformedIDIsNotFound(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := repo.GetCart(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrCartNotFound)
}

func TestWithinTx_RollbackLeavesNoTrace(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedProduct(t, repo, 1, "10.00", 5)
	boom := errors.New("boom")

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockProductsForUpdate(ctx, []int64{1}); err != nil {
			return err
		}
		if err := tx.AdjustProductCounters(ctx, 1, -5, 5, decimal.RequireFromString("50")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Stock)
	assert.Equal(t, 0, p.SalesTotal)
}

func TestAdjustProductCounters_StockCannotGoNegative(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedProduct(t, repo, 1, "10.00", 1)

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AdjustProductCounters(ctx, 1, -2, 2, decimal.RequireFromString("20"))
	})
	assert.ErrorIs(t, err, domain.ErrStockUnavailable)
}

func TestLockProductsForUpdate_SortedAndSkipsUnknown(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedProduct(t, repo, 3, "1.00", 1)
	seedProduct(t, repo, 1, "1.00", 1)

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		products, err := tx.LockProductsForUpdate(ctx, []int64{3, 99, 1})
		require.NoError(t, err)
		require.Len(t, products, 2)
		assert.Equal(t, int64(1), products[0].ID)
		assert.Equal(t, int64(3), products[1].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestLockProductsForUpdate_TimesOutWhileHeld(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedProduct(t, repo, 1, "1.00", 1)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockProductsForUpdate(ctx, []int64{1}); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockProductsForUpdate(ctx, []int64{1})
		return err
	})
	close(release)

	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.True(t, domain.IsRetryable(err))
	require.NoError(t, <-done)
}

func TestCouponUsage_NeverExceedsLimit(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedCoupon(t, repo, "ONCE", 1)

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
				c, err := tx.LockCouponForUpdate(ctx, "once")
				if err != nil {
					return err
				}
				if c.Validate(time.Now(), decimal.NewFromInt(100)) != nil {
					return nil
				}
				if err := tx.IncrementCouponUsage(ctx, c.ID); err != nil {
					return err
				}
				applied.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()

	c, err := repo.GetCoupon(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)
	assert.Equal(t, int32(1), applied.Load())
}

func TestLockCouponForUpdate_Missing(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		c, err := tx.LockCouponForUpdate(ctx, "NOPE")
		assert.Nil(t, c)
		return err
	})
	require.NoError(t, err)
}

func newTestOrder(token string) *domain.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Order{
		ID:             uuid.New(),
		TrackingToken:  token,
		Status:         domain.OrderStatusPending,
		Details:        domain.CheckoutDetails{FullName: "Ada", Email: "ada@example.com"},
		DeliveryMethod: "Courier",
		PaymentMethod:  "Card",
		Subtotal:       decimal.RequireFromString("10.00"),
		DiscountTotal:  decimal.Zero,
		DeliveryCost:   decimal.Zero,
		PaymentFee:     decimal.Zero,
		Total:          decimal.RequireFromString("10.00"),
		Currency:       "EUR",
		Lines: []domain.OrderLine{
			{ProductID: 1, ProductName: "Lamp", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00"), LineTotal: decimal.RequireFromString("10.00")},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateOrder_DuplicateToken(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateOrder(ctx, newTestOrder("tok-1"))
	}))

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		exists, err := tx.TrackingTokenExists(ctx, "tok-1")
		require.NoError(t, err)
		assert.True(t, exists)
		return tx.CreateOrder(ctx, newTestOrder("tok-1"))
	})
	assert.ErrorIs(t, err, ErrDuplicateToken)
}

func TestGetOrderByTrackingToken(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	order := newTestOrder("tok-2")
	require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateOrder(ctx, order)
	}))

	fetched, err := repo.GetOrderByTrackingToken(ctx, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, order.ID, fetched.ID)
	assert.Equal(t, "ada@example.com", fetched.Details.Email)
	require.Len(t, fetched.Lines, 1)
	assert.Equal(t, "Lamp", fetched.Lines[0].ProductName)

	_, err = repo.GetOrderByTrackingToken(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestMarkEmailVerified_OnlyOnce(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	order := newTestOrder("tok-3")
	require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateOrder(ctx, order)
	}))

	first, err := repo.MarkEmailVerified(ctx, order.ID, time.Now())
	require.NoError(t, err)
	second, err := repo.MarkEmailVerified(ctx, order.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestUpdateOrderStatus(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	order := newTestOrder("tok-4")
	require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateOrder(ctx, order)
	}))

	require.NoError(t, repo.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusPaid, time.Now()))
	err := repo.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusCancelled, time.Now())
	assert.ErrorIs(t, err, domain.IllegalTransitionError)

	err = repo.UpdateOrderStatus(ctx, uuid.New(), domain.OrderStatusPaid, domain.OrderStatusShipped, time.Now())
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
