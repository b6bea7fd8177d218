package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher sends persistent JSON messages and waits for broker confirms.
type Publisher struct {
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger

	// publishes and their confirms are serialized on the channel
	mu sync.Mutex
}

// NewPublisher opens a confirm-mode channel on conn.
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	logger.Info("rabbitmq publisher initialized", zap.String("exchange", exchange))

	return &Publisher{ch: ch, exchange: exchange, logger: logger}, nil
}

// Publish routes body through the exchange under routingKey.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	return p.publish(ctx, p.exchange, routingKey, body)
}

// PublishJSON encodes v and publishes it under routingKey.
func (p *Publisher) PublishJSON(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.Publish(ctx, routingKey, body)
}

// PublishToQueue sends body straight to a queue through the default exchange.
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, body []byte) error {
	return p.publish(ctx, "", queue, body)
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, body []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		p.logger.Error("failed to publish message",
			zap.Error(err),
			zap.String("exchange", exchange),
			zap.String("routing_key", key),
		)
		return fmt.Errorf("rabbitmq publish failed: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq confirm failed: %w", err)
	}
	if !acked {
		return fmt.Errorf("rabbitmq nacked message for %q", key)
	}
	return nil
}
