package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSAPI is the part of the SNS client the sender calls.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPushSender sends push notifications to SNS platform endpoints. The
// recipient token is the endpoint ARN.
type SNSPushSender struct {
	client SNSAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSPushSender creates a new SNS sender for push notifications
func NewSNSPushSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSPushSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSNSPushSenderWithClient(sns.NewFromConfig(awsCfg), logger), nil
}

func NewSNSPushSenderWithClient(client SNSAPI, logger *zap.Logger) *SNSPushSender {
	return &SNSPushSender{client: client, logger: logger}
}

// Send publishes a platform-specific push payload to the device endpoint
func (s *SNSPushSender) Send(ctx context.Context, msg Outbound) (string, error) {
	if msg.To == "" {
		return "", fmt.Errorf("push notification %s has no device token", msg.NotificationID)
	}

	payload, err := pushPayload(msg)
	if err != nil {
		return "", err
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(msg.To),
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("push sent via SNS",
		zap.String("notification_id", msg.NotificationID),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}

func (s *SNSPushSender) Channel() string {
	return ChannelPush
}

// pushPayload builds the per-platform message map SNS expects when
// MessageStructure is "json". Platform values are themselves JSON strings.
func pushPayload(msg Outbound) (string, error) {
	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": msg.Subject, "body": msg.Body},
		"data":         map[string]string{"notification_id": msg.NotificationID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode gcm payload: %w", err)
	}

	apns, err := json.Marshal(map[string]any{
		"aps":             map[string]any{"alert": map[string]string{"title": msg.Subject, "body": msg.Body}},
		"notification_id": msg.NotificationID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode apns payload: %w", err)
	}

	out, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"GCM":          string(gcm),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode push payload: %w", err)
	}
	return string(out), nil
}
