package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
)

const (
	// EventTypePaymentSucceeded is emitted by out-of-band payment
	// observers (gateway webhook relays) and drives the realtime
	// completion trigger.
	EventTypePaymentSucceeded = "payment.succeeded"
	// EventTypeOrderCompleted is emitted by the guard once an order is
	// completed; seller notification fanout hangs off it.
	EventTypeOrderCompleted = "order.completed"
)

// Event is the envelope on the order-events topic.
type Event struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"order_id"`
	BuyerID    string    `json:"buyer_id"`
	Reference  string    `json:"reference"`
	Rail       string    `json:"rail"`
	TotalCents int64     `json:"total_cents"`
	Currency   string    `json:"currency"`
	SellerIDs  []string  `json:"seller_ids"`
	OccurredAt time.Time `json:"occurred_at"`
}

type eventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// TopicPublisher publishes events to the order-events topic and waits
// for the server ack.
type TopicPublisher struct {
	topic *pubsub.Publisher
}

// NewTopicPublisher wraps a Pub/Sub publisher handle.
func NewTopicPublisher(topic *pubsub.Publisher) (*TopicPublisher, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub publisher required")
	}
	return &TopicPublisher{topic: topic}, nil
}

func (p *TopicPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"type": event.Type},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}
	return nil
}
