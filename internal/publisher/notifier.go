package publisher

import (
	"context"
	"log/slog"

	"github.com/fjod/go_checkout/internal/domain"
)

// OrderPlaced is handed to the notifier once the placement transaction has
// committed. PaymentURL is empty for offline payment methods.
type OrderPlaced struct {
	Order       *domain.Order
	TrackingURL string
	PaymentURL  string
}

type Notifier interface {
	NotifyOrderPlaced(ctx context.Context, ev OrderPlaced) error
}

// LogNotifier only records the event. It is used when no broker is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyOrderPlaced(ctx context.Context, ev OrderPlaced) error {
	n.log.InfoContext(ctx, "order placed",
		slog.String("order_id", ev.Order.ID.String()),
		slog.String("email", ev.Order.Details.Email),
		slog.String("tracking_url", ev.TrackingURL),
		slog.Bool("online_payment", ev.PaymentURL != ""))
	return nil
}
