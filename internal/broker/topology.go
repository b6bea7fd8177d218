package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// FailedRoutingKey routes dead-lettered messages to the failed queue.
const FailedRoutingKey = "failed"

// Binding ties a queue to the exchange under a routing key.
type Binding struct {
	Queue      string
	RoutingKey string
}

// Topology describes the exchange, the per-channel queues and the failed queue.
type Topology struct {
	Exchange    string
	Channels    []Binding
	FailedQueue string
}

// DefaultTopology returns the email/push/failed layout on a direct exchange.
func DefaultTopology(exchange, emailQueue, pushQueue, failedQueue string) Topology {
	return Topology{
		Exchange: exchange,
		Channels: []Binding{
			{Queue: emailQueue, RoutingKey: "email"},
			{Queue: pushQueue, RoutingKey: "push"},
		},
		FailedQueue: failedQueue,
	}
}

// QueueFor returns the queue bound to routingKey.
func (t Topology) QueueFor(routingKey string) (string, bool) {
	for _, b := range t.Channels {
		if b.RoutingKey == routingKey {
			return b.Queue, true
		}
	}
	return "", false
}

// Declarer is the subset of *amqp.Channel used to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates the durable exchange and queues and binds them. Channel
// queues dead-letter into the failed queue through the same exchange.
// Declaration is idempotent as long as arguments match what already exists.
func Declare(ch Declarer, t Topology) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}

	dlx := amqp.Table{
		"x-dead-letter-exchange":    t.Exchange,
		"x-dead-letter-routing-key": FailedRoutingKey,
	}
	for _, b := range t.Channels {
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, dlx); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.Queue, err)
		}
		if err := ch.QueueBind(b.Queue, b.RoutingKey, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", b.Queue, err)
		}
	}

	if _, err := ch.QueueDeclare(t.FailedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.FailedQueue, err)
	}
	if err := ch.QueueBind(t.FailedQueue, FailedRoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.FailedQueue, err)
	}
	return nil
}
