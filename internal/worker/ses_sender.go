package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESAPI is the part of the SES client the sender calls.
type SESAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	client SESAPI
	logger *zap.Logger
}

type SESConfig struct {
	Region string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESSenderWithClient(ses.NewFromConfig(awsCfg), logger), nil
}

func NewSESSenderWithClient(client SESAPI, logger *zap.Logger) *SESSender {
	return &SESSender{client: client, logger: logger}
}

// Send sends an HTML email via AWS SES
func (s *SESSender) Send(ctx context.Context, msg Outbound) (string, error) {
	if msg.To == "" {
		return "", fmt.Errorf("email notification %s has no recipient address", msg.NotificationID)
	}
	if msg.From == "" {
		return "", fmt.Errorf("email notification %s has no sender address", msg.NotificationID)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("notification_id", msg.NotificationID),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}

func (s *SESSender) Channel() string {
	return ChannelEmail
}
