package worker

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// SMTPError carries the server's reply code so retry classification can tell
// 4xx (transient) from 5xx (permanent) rejections. Code is 0 when the failure
// happened before the server replied.
type SMTPError struct {
	Code int
	Err  error
}

func (e *SMTPError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("smtp send failed: %v", e.Err)
	}
	return fmt.Sprintf("smtp send failed with code %d: %v", e.Code, e.Err)
}

func (e *SMTPError) Unwrap() error { return e.Err }

func (e *SMTPError) SMTPCode() int { return e.Code }

// SMTPClient is the part of *mail.Client the sender calls.
type SMTPClient interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration // defaults to 30s
}

// SMTPSender delivers email through a plain SMTP relay. STARTTLS is used
// when the server offers it.
type SMTPSender struct {
	client SMTPClient
	domain string
	logger *zap.Logger
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) (*SMTPSender, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	return NewSMTPSenderWithClient(client, cfg.Host, logger), nil
}

// NewSMTPSenderWithClient uses domain as the right-hand side of generated
// Message-IDs.
func NewSMTPSenderWithClient(client SMTPClient, domain string, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{client: client, domain: domain, logger: logger}
}

func (s *SMTPSender) Send(ctx context.Context, msg Outbound) (string, error) {
	if msg.To == "" {
		return "", fmt.Errorf("email notification %s has no recipient address", msg.NotificationID)
	}
	if msg.From == "" {
		return "", fmt.Errorf("email notification %s has no sender address", msg.NotificationID)
	}

	m := mail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return "", fmt.Errorf("invalid sender address %q: %w", msg.From, err)
	}
	if err := m.To(msg.To); err != nil {
		return "", fmt.Errorf("invalid recipient address %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.Body)

	messageID := uuid.NewString() + "@" + s.domain
	m.SetMessageIDWithValue(messageID)

	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return "", smtpError(err)
	}

	s.logger.Info("email sent via SMTP",
		zap.String("notification_id", msg.NotificationID),
		zap.String("message_id", messageID),
	)
	return messageID, nil
}

func (s *SMTPSender) Channel() string {
	return ChannelEmail
}

func smtpError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &SMTPError{Code: tpErr.Code, Err: err}
	}
	return &SMTPError{Err: err}
}
