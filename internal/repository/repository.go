package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrCouponNotFound = errors.New("coupon not found")
	ErrMethodNotFound = errors.New("delivery or payment method not found")
	ErrDuplicateToken = errors.New("tracking token already exists")
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// Catalog is the read side of the product ledger, the coupon directory and the
// delivery/payment method lists. Reads take no locks.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []int64) (map[int64]*domain.Product, error)
	GetCoupon(ctx context.Context, code string) (*domain.Coupon, error)
	GetDeliveryMethod(ctx context.Context, id int64) (*domain.DeliveryMethod, error)
	GetPaymentMethod(ctx context.Context, id int64) (*domain.PaymentMethod, error)
}

// CartRepository persists carts with optimistic versioning: SaveCart and
// DeleteCart fail with domain.ErrCartConflict when cart.Version no longer
// matches the stored row. A successful SaveCart bumps cart.Version.
type CartRepository interface {
	GetCart(ctx context.Context, id string) (*domain.Cart, error)
	FindCartByCustomer(ctx context.Context, customerID string) (*domain.Cart, error)
	SaveCart(ctx context.Context, cart *domain.Cart) error
	DeleteCart(ctx context.Context, id string, version int64) error
}

type OrderRepository interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetOrderByTrackingToken(ctx context.Context, token string) (*domain.Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID string) ([]*domain.Order, error)
	// MarkEmailVerified stamps email_verified_at only when it is still empty and
	// reports whether this call did it.
	MarkEmailVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// UpdateOrderStatus moves the order from one status to another; it fails with
	// domain.IllegalTransitionError when the stored status is no longer from.
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus, at time.Time) error
}

// Tx is the unit of work of order placement. Every write made through a Tx is
// discarded unless the function passed to WithinTx returns nil.
type Tx interface {
	GetCart(ctx context.Context, id string) (*domain.Cart, error)
	// LockProductsForUpdate locks the product rows in ascending id order and
	// holds them until the transaction ends. Unknown ids are left out of the
	// result.
	LockProductsForUpdate(ctx context.Context, ids []int64) ([]*domain.Product, error)
	AdjustProductCounters(ctx context.Context, id int64, stockDelta, salesDelta int, revenueDelta decimal.Decimal) error
	// LockCouponForUpdate returns nil, nil when no coupon has the code.
	LockCouponForUpdate(ctx context.Context, code string) (*domain.Coupon, error)
	IncrementCouponUsage(ctx context.Context, id int64) error
	SaveCart(ctx context.Context, cart *domain.Cart) error
	DeleteCart(ctx context.Context, id string, version int64) error
	TrackingTokenExists(ctx context.Context, token string) (bool, error)
	CreateOrder(ctx context.Context, order *domain.Order) error
}

type Store interface {
	Catalog
	CartRepository
	OrderRepository
	// WithinTx runs fn in one atomic transaction. Lock waits are bounded; when
	// they run out the transaction is rolled back and domain.ErrLockTimeout is
	// returned.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}
