package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
)

// rowLocks hands out one exclusive slot per row key. A slot is a buffered
// channel of size one: sending takes the lock, receiving releases it, which
// lets a waiter give up on a timer or a cancelled context. Slots are reference
// counted and dropped once nobody holds or waits for them.
type rowLocks struct {
	mu    sync.Mutex
	slots map[string]*rowSlot
}

type rowSlot struct {
	ch   chan struct{}
	refs int
}

func newRowLocks() *rowLocks {
	return &rowLocks{slots: make(map[string]*rowSlot)}
}

func (l *rowLocks) ref(key string) *rowSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.slots[key]
	if !ok {
		sl = &rowSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = sl
	}
	sl.refs++
	return sl
}

func (l *rowLocks) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.slots[key]
	if !ok {
		return
	}
	sl.refs--
	if sl.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *rowLocks) acquire(ctx context.Context, key string, timeout time.Duration) error {
	sl := l.ref(key)

	select {
	case sl.ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sl.ch <- struct{}{}:
		return nil
	case <-timer.C:
		l.unref(key)
		return fmt.Errorf("%w: row %s", domain.ErrLockTimeout, key)
	case <-ctx.Done():
		l.unref(key)
		return ctx.Err()
	}
}

// release must follow a successful acquire of the same key.
func (l *rowLocks) release(key string) {
	l.mu.Lock()
	sl := l.slots[key]
	l.mu.Unlock()
	<-sl.ch
	l.unref(key)
}

func (l *rowLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func productKey(id int64) string { return fmt.Sprintf("product:%d", id) }
func couponKey(code string) string { return "coupon:" + code }
func cartKey(id string) string { return "cart:" + id }
