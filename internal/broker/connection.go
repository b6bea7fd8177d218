package broker

import (
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Config holds RabbitMQ configuration.
type Config struct {
	URL         string
	Exchange    string
	EmailQueue  string
	PushQueue   string
	FailedQueue string
	Prefetch    int
}

// Topology returns the queue layout described by the config.
func (c Config) Topology() Topology {
	return DefaultTopology(c.Exchange, c.EmailQueue, c.PushQueue, c.FailedQueue)
}

// Connection owns one AMQP connection and the channels opened on it.
type Connection struct {
	conn   *amqp.Connection
	logger *zap.Logger

	mu       sync.Mutex
	channels []*amqp.Channel
}

// Dial connects to the broker.
func Dial(url string, logger *zap.Logger) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	logger.Info("rabbitmq connected")

	return &Connection{conn: conn, logger: logger}, nil
}

// Channel opens a channel that is closed together with the connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()

	return ch, nil
}

// DeclareTopology declares t on a short-lived channel.
func (c *Connection) DeclareTopology(t Topology) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := Declare(ch, t); err != nil {
		return err
	}

	c.logger.Info("rabbitmq topology declared",
		zap.String("exchange", t.Exchange),
		zap.String("failed_queue", t.FailedQueue),
	)
	return nil
}

// NotifyClose reports when the underlying connection drops.
func (c *Connection) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes every channel and then the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
