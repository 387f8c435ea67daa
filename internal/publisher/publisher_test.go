package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/pkg/circuitbreaker"
	"github.com/fjod/go_checkout/pkg/logger"
	"github.com/google/uuid"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
)

type mockWriter struct {
	mu       sync.RWMutex
	messages []kafkaGo.Message
	err      error
}

func (m *mockWriter) WriteMessages(_ context.Context, msgs ...kafkaGo.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *mockWriter) Close() error { return nil }

type countingNotifier struct {
	mu    sync.RWMutex
	calls int
	err   error
}

func (c *countingNotifier) NotifyOrderPlaced(context.Context, OrderPlaced) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func testEvent() OrderPlaced {
	customer := "user-1"
	return OrderPlaced{
		Order: &domain.Order{
			ID:         uuid.MustParse("7f1b8a4e-3c51-4d38-9a3a-1f0d2f7c9b10"),
			CustomerID: &customer,
			Details:    domain.CheckoutDetails{FullName: "Ada", Email: "ada@example.com"},
			Total:      decimal.RequireFromString("42.50"),
			Currency:   "EUR",
			Lines: []domain.OrderLine{
				{ProductID: 3, ProductName: "Pen", Quantity: 1, UnitPrice: decimal.RequireFromString("42.50"), LineTotal: decimal.RequireFromString("42.50")},
			},
			CreatedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		},
		TrackingURL: "https://shop.example/orders/track/tok",
		PaymentURL:  "https://pay.example/tok",
	}
}

func TestKafkaPublisher_MessageShape(t *testing.T) {
	w := &mockWriter{}
	p := NewKafkaPublisher(w)

	require.NoError(t, p.NotifyOrderPlaced(context.Background(), testEvent()))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "7f1b8a4e-3c51-4d38-9a3a-1f0d2f7c9b10", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, EventOrderPlaced, string(msg.Headers[0].Value))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &payload))
	assert.Equal(t, "ada@example.com", payload["email"])
	assert.Equal(t, "42.5", payload["total"])
	assert.Equal(t, "https://pay.example/tok", payload["payment_url"])
	assert.Len(t, payload["lines"], 1)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &mockWriter{err: errors.New("broker down")}
	p := NewKafkaPublisher(w)

	err := p.NotifyOrderPlaced(context.Background(), testEvent())
	require.ErrorContains(t, err, "broker down")
}

func TestBreakerNotifier_OpensAfterConsecutiveFailures(t *testing.T) {
	next := &countingNotifier{err: errors.New("boom")}
	cfg := circuitbreaker.DefaultConfig("notify-test")
	cfg.ConsecutiveFails = 3
	b := NewBreakerNotifier(next, cfg, logger.Discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.NotifyOrderPlaced(ctx, testEvent()))
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.NotifyOrderPlaced(ctx, testEvent())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, next.calls, "open breaker must not reach the downstream notifier")
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(logger.Discard())
	assert.NoError(t, n.NotifyOrderPlaced(context.Background(), testEvent()))
}

func TestKafkaPublisher_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka container test in short mode")
	}
	ctx := context.Background()

	kafkaContainer, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	writer := NewKafkaWriter("orders-placed-test", brokers...)
	p := NewKafkaPublisher(writer)
	defer p.Close()

	require.Eventually(t, func() bool {
		return p.NotifyOrderPlaced(ctx, testEvent()) == nil
	}, 30*time.Second, 500*time.Millisecond)

	reader := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers:   brokers,
		Topic:     "orders-placed-test",
		Partition: 0,
		MaxWait:   time.Second,
	})
	defer reader.Close()

	readCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)
	assert.Equal(t, "7f1b8a4e-3c51-4d38-9a3a-1f0d2f7c9b10", string(msg.Key))
}
