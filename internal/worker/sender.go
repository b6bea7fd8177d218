package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channels handled by the worker.
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
)

// Outbound is a rendered notification ready for a provider. For email, To is
// an address and Subject the mail subject; for push, To is a device token and
// Subject the notification title.
type Outbound struct {
	NotificationID string
	Channel        string
	To             string
	From           string
	Subject        string
	Body           string
}

// Provider delivers outbound notifications on one channel.
type Provider interface {
	Send(ctx context.Context, msg Outbound) (messageID string, err error)
	Channel() string
}

// LogSender only logs what it would send (for testing/development).
type LogSender struct {
	channel string
	logger  *zap.Logger
}

func NewLogSender(channel string, logger *zap.Logger) *LogSender {
	return &LogSender{channel: channel, logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Outbound) (string, error) {
	if msg.To == "" {
		return "", fmt.Errorf("%s notification %s has no recipient", s.channel, msg.NotificationID)
	}

	id := uuid.NewString()
	s.logger.Info("logging notification (development mode)",
		zap.String("notification_id", msg.NotificationID),
		zap.String("channel", s.channel),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.Body)),
		zap.String("message_id", id),
	)
	return id, nil
}

func (s *LogSender) Channel() string {
	return s.channel
}
