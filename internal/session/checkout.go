package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
)

const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultMaxLifetime = 2 * time.Hour
)

var ErrNoSnapshot = errors.New("no typed checkout details to restore")

type Meta struct {
	StartedAt      time.Time          `json:"started_ts"`
	LastActivityAt time.Time          `json:"last_activity_ts"`
	Mode           domain.DetailsMode `json:"mode"`
	// ExpiredAt marks a wiped session until the next Write.
	ExpiredAt *time.Time `json:"expired_at,omitempty"`
}

type State struct {
	ActiveDetails *domain.CheckoutDetails
	OrderDetails  *domain.CheckoutDetails
	Meta          *Meta
}

func (s State) IsEmpty() bool {
	return s.Meta == nil && s.ActiveDetails == nil
}

type ReadResult struct {
	State   State
	Expired bool
}

// Manager runs the checkout session state machine over a Bag. Expiry is
// evaluated lazily on every read.
type Manager struct {
	idle time.Duration
	max  time.Duration
	now  func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(idle, max time.Duration, opts ...Option) *Manager {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if max <= 0 {
		max = DefaultMaxLifetime
	}
	m := &Manager{idle: idle, max: max, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) expired(meta *Meta, now time.Time) bool {
	return now.Sub(meta.LastActivityAt) > m.idle || now.Sub(meta.StartedAt) > m.max
}

// Read returns the current state. An expired state is wiped and reported with
// Expired set; that is not an error. Later reads keep reporting it until the
// next Write starts a new session. With touch the idle timer restarts.
func (m *Manager) Read(ctx context.Context, bag Bag, touch bool) (ReadResult, error) {
	meta, err := m.loadMeta(ctx, bag)
	if err != nil {
		return ReadResult{}, err
	}
	now := m.now()

	if meta != nil && meta.ExpiredAt != nil {
		return ReadResult{Expired: true}, nil
	}
	if meta != nil && m.expired(meta, now) {
		if err := m.expire(ctx, bag, now); err != nil {
			return ReadResult{}, err
		}
		return ReadResult{Expired: true}, nil
	}

	var st State
	if st.ActiveDetails, err = loadDetails(ctx, bag, SlotActiveDetails); err != nil {
		return ReadResult{}, err
	}
	if st.OrderDetails, err = loadDetails(ctx, bag, SlotOrderDetails); err != nil {
		return ReadResult{}, err
	}

	if meta != nil && touch {
		meta.LastActivityAt = now
		if err := saveJSON(ctx, bag, SlotMeta, meta); err != nil {
			return ReadResult{}, err
		}
	}
	st.Meta = meta
	return ReadResult{State: st}, nil
}

// Write replaces the active details. The start stamp is set once per session,
// the activity stamp on every write. In order_session mode the details are
// also kept as the typed snapshot that Restore can bring back.
func (m *Manager) Write(ctx context.Context, bag Bag, details domain.CheckoutDetails, mode *domain.DetailsMode) (State, error) {
	res, err := m.Read(ctx, bag, false)
	if err != nil {
		return State{}, err
	}
	now := m.now()

	meta := res.State.Meta
	if meta == nil {
		meta = &Meta{StartedAt: now, Mode: domain.ModeOrderSession}
	}
	meta.LastActivityAt = now
	if mode != nil {
		if !mode.Valid() {
			return State{}, fmt.Errorf("unknown details mode %q", *mode)
		}
		meta.Mode = *mode
	}

	if err := saveJSON(ctx, bag, SlotActiveDetails, details); err != nil {
		return State{}, err
	}
	st := State{ActiveDetails: &details, OrderDetails: res.State.OrderDetails, Meta: meta}
	if meta.Mode == domain.ModeOrderSession {
		if err := saveJSON(ctx, bag, SlotOrderDetails, details); err != nil {
			return State{}, err
		}
		snap := details
		st.OrderDetails = &snap
	}
	if err := saveJSON(ctx, bag, SlotMeta, meta); err != nil {
		return State{}, err
	}
	return st, nil
}

// Restore makes the typed snapshot active again after the caller switched to
// a saved address.
func (m *Manager) Restore(ctx context.Context, bag Bag) (State, error) {
	res, err := m.Read(ctx, bag, true)
	if err != nil {
		return State{}, err
	}
	if res.Expired {
		return State{}, domain.ErrCheckoutExpired
	}
	if res.State.OrderDetails == nil {
		return State{}, ErrNoSnapshot
	}
	mode := domain.ModeOrderSession
	return m.Write(ctx, bag, *res.State.OrderDetails, &mode)
}

// expire drops the details and leaves only the expiry marker behind.
func (m *Manager) expire(ctx context.Context, bag Bag, now time.Time) error {
	if err := bag.Delete(ctx, SlotActiveDetails, SlotOrderDetails); err != nil {
		return fmt.Errorf("expire checkout state: %w", err)
	}
	return saveJSON(ctx, bag, SlotMeta, Meta{ExpiredAt: &now})
}

func (m *Manager) Clear(ctx context.Context, bag Bag) error {
	if err := bag.Delete(ctx, SlotActiveDetails, SlotOrderDetails, SlotMeta); err != nil {
		return fmt.Errorf("clear checkout state: %w", err)
	}
	return nil
}

func (m *Manager) CartPointer(ctx context.Context, bag Bag) (string, bool, error) {
	v, ok, err := bag.Get(ctx, SlotCartID)
	if err != nil || !ok {
		return "", false, err
	}
	return string(v), true, nil
}

func (m *Manager) SetCartPointer(ctx context.Context, bag Bag, cartID string) error {
	return bag.Set(ctx, SlotCartID, []byte(cartID))
}

func (m *Manager) ClearCartPointer(ctx context.Context, bag Bag) error {
	return bag.Delete(ctx, SlotCartID)
}

func (m *Manager) loadMeta(ctx context.Context, bag Bag) (*Meta, error) {
	raw, ok, err := bag.Get(ctx, SlotMeta)
	if err != nil {
		return nil, fmt.Errorf("load checkout meta: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode checkout meta: %w", err)
	}
	return &meta, nil
}

func loadDetails(ctx context.Context, bag Bag, slot string) (*domain.CheckoutDetails, error) {
	raw, ok, err := bag.Get(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", slot, err)
	}
	if !ok {
		return nil, nil
	}
	var d domain.CheckoutDetails
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", slot, err)
	}
	return &d, nil
}

func saveJSON(ctx context.Context, bag Bag, slot string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", slot, err)
	}
	if err := bag.Set(ctx, slot, raw); err != nil {
		return fmt.Errorf("store %s: %w", slot, err)
	}
	return nil
}
