package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_checkout/internal/domain"
)

// CartCache is a read-through copy of persisted carts keyed by cart id. The
// store stays authoritative; entries are dropped after every mutation.
type CartCache interface {
	Get(ctx context.Context, cartID string) (*domain.Cart, error)
	// Set stores the cart unless a newer version was cached or invalidated
	// in the meantime, or the cart was evicted.
	Set(ctx context.Context, cart *domain.Cart) error
	// Invalidate drops the entry and refuses later writes of versions below
	// version.
	Invalidate(ctx context.Context, cartID string, version int64) error
	// Evict drops the entry of a deleted cart and refuses every later write.
	Evict(ctx context.Context, cartID string) error
}

var ErrCacheMiss = errors.New("cache miss")

// Noop is used when no Redis address is configured.
type Noop struct{}

func (Noop) Get(context.Context, string) (*domain.Cart, error) { return nil, ErrCacheMiss }
func (Noop) Set(context.Context, *domain.Cart) error { return nil }
func (Noop) Invalidate(context.Context, string, int64) error { return nil }
func (Noop) Evict(context.Context, string) error { return nil }
