package lock

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once nobody holds or waits for them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
	wait    time.Duration
}

func NewKeyedMutex(wait time.Duration) *KeyedMutex {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &KeyedMutex{entries: make(map[string]*entry), wait: wait}
}

func (m *KeyedMutex) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	e := m.ref(key)

	timer := time.NewTimer(m.wait)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
	case <-timer.C:
		m.unref(key, e)
		return nil, ErrNotAcquired
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.unref(key, e)
		})
	}, nil
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
