package session

import (
	"context"
	"sync"
)

const (
	SlotActiveDetails = "checkout_active_details"
	SlotOrderDetails  = "checkout_order_details"
	SlotMeta          = "checkout_meta"
	SlotCartID        = "cart_id"
)

// Bag is the key/value store attached to one caller session.
type Bag interface {
	Get(ctx context.Context, slot string) ([]byte, bool, error)
	Set(ctx context.Context, slot string, value []byte) error
	Delete(ctx context.Context, slots ...string) error
}

// Bags opens the Bag of a session key.
type Bags interface {
	Open(sessionKey string) Bag
}

type MemoryBags struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func NewMemoryBags() *MemoryBags {
	return &MemoryBags{data: make(map[string]map[string][]byte)}
}

func (m *MemoryBags) Open(sessionKey string) Bag {
	return &memoryBag{owner: m, key: sessionKey}
}

type memoryBag struct {
	owner *MemoryBags
	key   string
}

func (b *memoryBag) Get(_ context.Context, slot string) ([]byte, bool, error) {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	v, ok := b.owner.data[b.key][slot]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (b *memoryBag) Set(_ context.Context, slot string, value []byte) error {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	slots, ok := b.owner.data[b.key]
	if !ok {
		slots = make(map[string][]byte)
		b.owner.data[b.key] = slots
	}
	slots[slot] = append([]byte(nil), value...)
	return nil
}

func (b *memoryBag) Delete(_ context.Context, slots ...string) error {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	for _, s := range slots {
		delete(b.owner.data[b.key], s)
	}
	if len(b.owner.data[b.key]) == 0 {
		delete(b.owner.data, b.key)
	}
	return nil
}
