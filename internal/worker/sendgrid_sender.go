package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"time"

	"go.uber.org/zap"
)

const defaultSendGridURL = "https://api.sendgrid.com/v3/mail/send"

// SendGridError is a non-2xx response from the SendGrid API.
type SendGridError struct {
	Code int
	Body string
}

func (e *SendGridError) Error() string {
	return fmt.Sprintf("sendgrid returned %d: %s", e.Code, e.Body)
}

func (e *SendGridError) StatusCode() int { return e.Code }

// SendGridSender sends email through the SendGrid v3 mail API
type SendGridSender struct {
	client   *http.Client
	apiKey   string
	endpoint string
	logger   *zap.Logger
}

type SendGridConfig struct {
	APIKey   string
	Endpoint string        // defaults to the public v3 mail/send URL
	Timeout  time.Duration // defaults to 30s
}

func NewSendGridSender(cfg SendGridConfig, logger *zap.Logger) *SendGridSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultSendGridURL
	}

	return &SendGridSender{
		client:   &http.Client{Timeout: timeout},
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		logger:   logger,
	}
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

// Send posts the email to SendGrid. The API answers 202 with the message id
// in the X-Message-Id header.
func (s *SendGridSender) Send(ctx context.Context, msg Outbound) (string, error) {
	if msg.To == "" {
		return "", fmt.Errorf("email notification %s has no recipient address", msg.NotificationID)
	}

	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return "", fmt.Errorf("invalid sender address %q: %w", msg.From, err)
	}

	body, err := json.Marshal(sendGridRequest{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: msg.To}}}},
		From:             sendGridAddress{Email: from.Address, Name: from.Name},
		Subject:          msg.Subject,
		Content:          []sendGridContent{{Type: "text/html", Value: msg.Body}},
		CustomArgs:       map[string]string{"notification_id": msg.NotificationID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal sendgrid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create sendgrid request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sendgrid request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &SendGridError{Code: resp.StatusCode, Body: string(preview)}
	}

	messageID := resp.Header.Get("X-Message-Id")
	s.logger.Info("email sent via SendGrid",
		zap.String("notification_id", msg.NotificationID),
		zap.String("message_id", messageID),
		zap.Int("status_code", resp.StatusCode),
	)

	return messageID, nil
}

func (s *SendGridSender) Channel() string {
	return ChannelEmail
}
