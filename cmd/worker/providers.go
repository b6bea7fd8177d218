package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/postal/internal/circuitbreaker"
	"github.com/lalithlochan/postal/internal/config"
	"github.com/lalithlochan/postal/internal/observ"
	"github.com/lalithlochan/postal/internal/worker"
)

// newEmailProvider picks the email backend and wraps it in its own breaker.
func newEmailProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Provider, error) {
	var p worker.Provider
	switch cfg.EmailProvider {
	case "ses":
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{Region: cfg.AWSRegion}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		p = ses
	case "sendgrid":
		p = worker.NewSendGridSender(worker.SendGridConfig{APIKey: cfg.SendGridAPIKey}, logger)
	case "smtp":
		smtp, err := worker.NewSMTPSender(worker.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}, logger)
		if err != nil {
			return nil, err
		}
		p = smtp
	case "log":
		p = worker.NewLogSender(worker.ChannelEmail, logger)
	default:
		return nil, fmt.Errorf("unknown EMAIL_PROVIDER %q", cfg.EmailProvider)
	}
	return worker.NewProtectedProvider(p, circuitbreaker.New(observ.BreakerConfig("email-provider", cfg), logger)), nil
}

// newPushProvider picks the push backend and wraps it in its own breaker.
func newPushProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Provider, error) {
	var p worker.Provider
	switch cfg.PushProvider {
	case "sns":
		sns, err := worker.NewSNSPushSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS push sender: %w", err)
		}
		p = sns
	case "log":
		p = worker.NewLogSender(worker.ChannelPush, logger)
	default:
		return nil, fmt.Errorf("unknown PUSH_PROVIDER %q", cfg.PushProvider)
	}
	return worker.NewProtectedProvider(p, circuitbreaker.New(observ.BreakerConfig("push-provider", cfg), logger)), nil
}
