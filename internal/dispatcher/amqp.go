// Package dispatcher publishes composed weather notifications to the
// downstream SSE delivery queue. Publishing is fire-and-forget: delivery to
// end users is the SSE service's problem.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mistervb/meli-climate-notifications/internal/domain"
)

// SSEQueue is the delivery queue consumed by the SSE fan-out service.
const SSEQueue = "sse-notification-queue"

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Publisher struct {
	ch  channel
	log *zap.Logger
}

func NewPublisher(ch *amqp.Channel, log *zap.Logger) *Publisher {
	return &Publisher{ch: ch, log: log}
}

// DeclareQueue ensures the delivery queue exists. Idempotent.
func DeclareQueue(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(SSEQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", SSEQueue, err)
	}
	return nil
}

// Publish sends the notification with the bearer token (when present) as an
// Authorization header on the message.
func (p *Publisher) Publish(ctx context.Context, n domain.WeatherNotification, bearerToken string) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	headers := amqp.Table{}
	if bearerToken != "" {
		headers["Authorization"] = bearerToken
	}

	err = p.ch.PublishWithContext(ctx, "", SSEQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", SSEQueue, err)
	}

	p.log.Debug("dispatcher: published",
		zap.String("notification_id", n.NotificationID.String()),
		zap.String("city", n.CityName))
	return nil
}
