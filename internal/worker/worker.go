package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lalithlochan/postal/internal/broker"
	"github.com/lalithlochan/postal/internal/db"
	"github.com/lalithlochan/postal/internal/metrics"
	"github.com/lalithlochan/postal/internal/retry"
	"github.com/lalithlochan/postal/internal/template"
)

// Templates resolves and renders templates for delivery.
type Templates interface {
	GetTemplate(ctx context.Context, code string) (*db.Template, error)
	Render(t *db.Template, vars map[string]any) template.Rendered
}

// DeadLetterPublisher sends a payload straight to a queue.
type DeadLetterPublisher interface {
	PublishToQueue(ctx context.Context, queue string, body []byte) error
}

type Config struct {
	Queue       string // queue this processor consumes
	FailedQueue string
	FromEmail   string
	FromName    string
}

// Processor handles deliveries for one channel queue.
type Processor struct {
	templates   Templates
	provider    Provider
	retries     *retry.Coordinator
	deadLetters DeadLetterPublisher
	config      Config
	from        string
	logger      *zap.Logger
	now         func() time.Time
}

func NewProcessor(templates Templates, provider Provider, retries *retry.Coordinator, deadLetters DeadLetterPublisher, cfg Config, logger *zap.Logger) *Processor {
	from := cfg.FromEmail
	if cfg.FromName != "" && cfg.FromEmail != "" {
		from = (&mail.Address{Name: cfg.FromName, Address: cfg.FromEmail}).String()
	}

	return &Processor{
		templates:   templates,
		provider:    provider,
		retries:     retries,
		deadLetters: deadLetters,
		config:      cfg,
		from:        from,
		logger:      logger.With(zap.String("channel", provider.Channel()), zap.String("queue", cfg.Queue)),
		now:         time.Now,
	}
}

// Handle processes one delivery. Every outcome except shutdown ends in an ack:
// delivered messages directly, failed ones after dead-lettering. A delivery
// interrupted by shutdown is left unacked so the broker redelivers it.
func (p *Processor) Handle(ctx context.Context, d broker.Delivery) {
	defer metrics.InFlight(p.config.Queue)()

	channel := p.provider.Channel()
	ctx, span := otel.Tracer("postal/worker").Start(ctx, "worker.Handle",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", p.config.Queue),
		attribute.Bool("messaging.redelivered", d.Redelivered),
	)

	var msg broker.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		p.logger.Error("invalid message format", zap.Error(err))
		span.SetStatus(codes.Error, "decode failed")
		p.fail(ctx, d, fmt.Errorf("decode message: %w", err))
		return
	}

	log := p.logger.With(
		zap.String("notification_id", msg.ID),
		zap.String("template_code", msg.TemplateID),
	)
	span.SetAttributes(attribute.String("notification.id", msg.ID))

	err := p.retries.Execute(ctx, func(ctx context.Context, attempt int) error {
		return p.attempt(ctx, msg, attempt)
	})

	switch {
	case err == nil:
		if ackErr := d.Ack(); ackErr != nil {
			log.Error("failed to ack delivered message", zap.Error(ackErr))
		}
		metrics.RecordNotificationProcessed(channel, "delivered")
		if published, perr := time.Parse(time.RFC3339Nano, msg.PublishedAt); perr == nil {
			metrics.RecordNotificationLatency(channel, p.now().Sub(published))
		}
		log.Info("notification delivered")

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		log.Warn("shutdown interrupted delivery, leaving message for redelivery")
		span.SetStatus(codes.Error, "interrupted")

	default:
		log.Error("notification failed, dead-lettering", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.fail(ctx, d, err)
	}
}

// attempt is the retried unit: fetch, render, address and send. A panic in
// any step becomes the attempt's error.
func (p *Processor) attempt(ctx context.Context, msg broker.Message, attempt int) (err error) {
	defer func() {
		metrics.RecordDeliveryAttempt(p.provider.Channel(), err == nil)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during delivery: %v", r)
		}
	}()

	tmpl, err := p.templates.GetTemplate(ctx, msg.TemplateID)
	if err != nil {
		return err
	}

	rendered := p.templates.Render(tmpl, msg.Variables)

	out, err := p.outbound(msg, rendered)
	if err != nil {
		return err
	}

	messageID, err := p.provider.Send(ctx, out)
	if err != nil {
		return err
	}

	p.logger.Debug("provider accepted notification",
		zap.String("notification_id", msg.ID),
		zap.String("message_id", messageID),
		zap.Int("attempt", attempt),
	)
	return nil
}

func (p *Processor) outbound(msg broker.Message, r template.Rendered) (Outbound, error) {
	out := Outbound{
		NotificationID: msg.ID,
		Channel:        p.provider.Channel(),
		Subject:        r.Subject,
		Body:           r.Body,
	}

	contact := recipient(msg.Variables)
	switch out.Channel {
	case ChannelEmail:
		out.To = contact["email"]
		out.From = p.from
		if out.To == "" {
			return Outbound{}, fmt.Errorf("user %s has no email address", msg.UserID)
		}
	case ChannelPush:
		out.To = contact["push_token"]
		if out.To == "" {
			return Outbound{}, fmt.Errorf("user %s has no push token", msg.UserID)
		}
	default:
		return Outbound{}, fmt.Errorf("unsupported channel: %s", out.Channel)
	}
	return out, nil
}

// recipient reads the contact fields admission stored under __user.
func recipient(vars map[string]any) map[string]string {
	out := map[string]string{}
	user, ok := vars["__user"].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range user {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// fail dead-letters the delivery and acks it. A failed dead-letter publish is
// logged and the message is still acked.
func (p *Processor) fail(ctx context.Context, d broker.Delivery, cause error) {
	channel := p.provider.Channel()
	metrics.RecordNotificationProcessed(channel, "failed")

	body, err := broker.DeadLetterBody(d.Body, cause, p.config.Queue, p.now())
	if err != nil {
		p.logger.Error("failed to build dead-letter message", zap.Error(err))
	} else if err := p.deadLetters.PublishToQueue(ctx, p.config.FailedQueue, body); err != nil {
		p.logger.Error("failed to publish dead-letter message",
			zap.Error(err),
			zap.String("failed_queue", p.config.FailedQueue),
		)
	} else {
		metrics.RecordDeadLetter(p.config.Queue)
	}

	if err := d.Ack(); err != nil {
		p.logger.Error("failed to ack failed message", zap.Error(err))
	}
}
