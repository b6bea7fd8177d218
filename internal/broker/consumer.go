package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrDeliveriesClosed is returned when the broker closes the delivery stream.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Delivery is one message handed to a Handler. Ack must be called at most
// once; a delivery that is never acked is redelivered after the channel closes.
type Delivery struct {
	Body        []byte
	Queue       string
	RoutingKey  string
	Redelivered bool

	ack func() error
}

// NewDelivery builds a Delivery whose Ack runs ack.
func NewDelivery(queue string, body []byte, ack func() error) Delivery {
	return Delivery{Body: body, Queue: queue, ack: ack}
}

// Ack acknowledges the delivery.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Handler processes a single delivery.
type Handler func(ctx context.Context, d Delivery)

// Consumer reads one queue with manual acknowledgements.
type Consumer struct {
	conn     *Connection
	queue    string
	prefetch int
	logger   *zap.Logger
}

// NewConsumer creates a consumer for queue. prefetch bounds both the
// unacknowledged window and the number of concurrent handlers.
func NewConsumer(conn *Connection, queue string, prefetch int, logger *zap.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{conn: conn, queue: queue, prefetch: prefetch, logger: logger}
}

// Run consumes until ctx is cancelled or the broker closes the stream. In both
// cases it waits for in-flight handlers before returning.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch on %s: %w", c.queue, err)
	}

	tag := "postal-" + c.queue
	deliveries, err := ch.Consume(c.queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetch),
	)

	var wg sync.WaitGroup
	sem := make(chan struct{}, c.prefetch)
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", zap.Error(err), zap.String("queue", c.queue))
			}
			c.logger.Info("consumer stopping", zap.String("queue", c.queue))
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: %s", ErrDeliveriesClosed, c.queue)
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// unacked; the broker redelivers it once the channel closes
				continue
			}

			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("handler panicked",
							zap.Any("panic", r),
							zap.String("queue", c.queue),
						)
					}
				}()

				h(ctx, Delivery{
					Body:        d.Body,
					Queue:       c.queue,
					RoutingKey:  d.RoutingKey,
					Redelivered: d.Redelivered,
					ack:         func() error { return d.Ack(false) },
				})
			}(d)
		}
	}
}
