package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionTo(t *testing.T) {
	assert.True(t, CanTransitionTo(OrderStatusPending, OrderStatusPaid))
	assert.True(t, CanTransitionTo(OrderStatusPending, OrderStatusCancelled))
	assert.True(t, CanTransitionTo(OrderStatusPaid, OrderStatusShipped))
	assert.True(t, CanTransitionTo(OrderStatusShipped, OrderStatusDelivered))

	assert.False(t, CanTransitionTo(OrderStatusPending, OrderStatusShipped))
	assert.False(t, CanTransitionTo(OrderStatusShipped, OrderStatusCancelled))
	assert.False(t, CanTransitionTo(OrderStatusDelivered, OrderStatusPending))
	assert.False(t, CanTransitionTo(OrderStatusCancelled, OrderStatusPaid))
}

func TestOrder_MarkEmailVerified_OnlyOnce(t *testing.T) {
	o := &Order{Status: OrderStatusPending}
	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	assert.True(t, o.MarkEmailVerified(first))
	assert.False(t, o.MarkEmailVerified(first.Add(time.Hour)))
	require.NotNil(t, o.EmailVerifiedAt)
	assert.Equal(t, first, *o.EmailVerifiedAt)
}

func TestOrder_TransitionTo(t *testing.T) {
	o := &Order{Status: OrderStatusPending}

	require.NoError(t, o.TransitionTo(OrderStatusPaid, time.Now()))
	assert.ErrorIs(t, o.TransitionTo(OrderStatusPending, time.Now()), IllegalTransitionError)
	assert.Equal(t, OrderStatusPaid, o.Status)
}
