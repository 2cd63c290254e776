package reconcile

import (
	"context"
	"encoding/json"
	"errors"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	pkgerrors "github.com/soundforge/beatmarket-backend/pkg/errors"
	"github.com/soundforge/beatmarket-backend/pkg/logger"
)

// Consumer drives the realtime completion trigger: payment.succeeded
// events on the order-events subscription are funneled into Complete.
type Consumer struct {
	sub  *pubsub.Subscriber
	svc  Service
	logg *logger.Logger
}

// NewConsumer builds the subscription consumer.
func NewConsumer(sub *pubsub.Subscriber, svc Service, logg *logger.Logger) (*Consumer, error) {
	if sub == nil {
		return nil, errors.New("subscriber required")
	}
	if svc == nil {
		return nil, errors.New("reconcile service required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &Consumer{sub: sub, svc: svc, logg: logg}, nil
}

// Run blocks receiving messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logg.Info(ctx, "reconcile consumer started")
	return c.sub.Receive(ctx, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg *pubsub.Message) {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		// Poison message; redelivery would never help.
		c.logg.Error(ctx, "decoding order event", err)
		msg.Ack()
		return
	}

	if event.Type != EventTypePaymentSucceeded {
		msg.Ack()
		return
	}

	logCtx := c.logg.WithFields(ctx, map[string]any{
		"order_id":  event.OrderID,
		"reference": event.Reference,
	})

	orderID, err := uuid.Parse(event.OrderID)
	if err != nil {
		c.logg.Error(logCtx, "event carries an invalid order id", err)
		msg.Ack()
		return
	}

	if err := c.svc.Complete(ctx, orderID, nil); err != nil {
		meta := pkgerrors.MetadataFor(pkgerrors.CodeOf(err))
		if meta.Retryable {
			c.logg.Warn(logCtx, "completion failed, redelivering")
			msg.Nack()
			return
		}
		c.logg.Error(logCtx, "completion failed terminally", err)
		msg.Ack()
		return
	}
	msg.Ack()
}
