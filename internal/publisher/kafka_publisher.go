package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

const EventOrderPlaced = "order.placed"

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

type orderPlacedLine struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type orderPlacedPayload struct {
	OrderID     string            `json:"order_id"`
	CustomerID  *string           `json:"customer_id,omitempty"`
	Email       string            `json:"email"`
	FullName    string            `json:"full_name"`
	Total       decimal.Decimal   `json:"total"`
	Currency    string            `json:"currency"`
	Lines       []orderPlacedLine `json:"lines"`
	TrackingURL string            `json:"tracking_url"`
	PaymentURL  string            `json:"payment_url,omitempty"`
	PlacedAt    time.Time         `json:"placed_at"`
}

func (p *KafkaPublisher) NotifyOrderPlaced(ctx context.Context, ev OrderPlaced) error {
	o := ev.Order
	payload := orderPlacedPayload{
		OrderID:     o.ID.String(),
		CustomerID:  o.CustomerID,
		Email:       o.Details.Email,
		FullName:    o.Details.FullName,
		Total:       o.Total,
		Currency:    o.Currency,
		TrackingURL: ev.TrackingURL,
		PaymentURL:  ev.PaymentURL,
		PlacedAt:    o.CreatedAt,
	}
	for _, l := range o.Lines {
		payload.Lines = append(payload.Lines, orderPlacedLine{
			ProductID: l.ProductID,
			Name:      l.ProductName,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			LineTotal: l.LineTotal,
		})
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal order placed event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(payload.OrderID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventOrderPlaced)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish order placed: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
