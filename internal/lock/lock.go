package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotAcquired = errors.New("lock not acquired in time")

const DefaultWait = 2 * time.Second

// Locker serializes short read-modify-write sections on one key. The returned
// unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// CartLineKey names the lock guarding one product line of one cart.
func CartLineKey(cartID string, productID int64) string {
	return fmt.Sprintf("cart:%s:product:%d", cartID, productID)
}

// CartKey names the lock guarding cart-wide changes such as method selection.
func CartKey(cartID string) string {
	return fmt.Sprintf("cart:%s", cartID)
}
