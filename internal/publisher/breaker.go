package publisher

import (
	"context"
	"log/slog"

	"github.com/fjod/go_checkout/pkg/circuitbreaker"
	"github.com/sony/gobreaker/v2"
)

// BreakerNotifier stops calling a failing downstream notifier until the
// breaker half-opens again.
type BreakerNotifier struct {
	next Notifier
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerNotifier(next Notifier, cfg circuitbreaker.Config, log *slog.Logger) *BreakerNotifier {
	return &BreakerNotifier{
		next: next,
		cb:   circuitbreaker.New[struct{}](cfg, log),
	}
}

func (b *BreakerNotifier) NotifyOrderPlaced(ctx context.Context, ev OrderPlaced) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.NotifyOrderPlaced(ctx, ev)
	})
	return err
}

func (b *BreakerNotifier) State() gobreaker.State {
	return b.cb.State()
}
