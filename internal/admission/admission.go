// Package admission decides whether a notification request is dispatched,
// scheduled or rejected, and hands dispatched requests to the broker.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lalithlochan/postal/internal/broker"
	"github.com/lalithlochan/postal/internal/metrics"
	"github.com/lalithlochan/postal/internal/redis"
	"github.com/lalithlochan/postal/internal/users"
)

// Rejection reasons returned in Result.Reason.
const (
	ReasonUserNotFound = "user_not_found"
	ReasonOptOut       = "user_opt_out"
	ReasonDuplicate    = "duplicate"
)

// UserVariable is the variables key that carries recipient contact data.
const UserVariable = "__user"

// Request is one notification submitted for delivery.
type Request struct {
	ID          string
	UserID      string
	Channel     string
	TemplateID  string
	Variables   map[string]any
	Priority    string
	ScheduledAt string
	RetryCount  int
}

// Result is the admission decision. Rejections are results, not errors.
type Result struct {
	Enqueued  bool   `json:"enqueued"`
	Scheduled bool   `json:"scheduled,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*users.User, error)
}

type Claimer interface {
	Claim(ctx context.Context, notificationID string) (bool, error)
}

type StatusWriter interface {
	SetStatus(ctx context.Context, notificationID, status string) error
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Service runs the admission pipeline.
type Service struct {
	users     UserLookup
	claims    Claimer
	statuses  StatusWriter
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates an admission service.
func NewService(lookup UserLookup, claims Claimer, statuses StatusWriter, publisher Publisher, logger *zap.Logger) *Service {
	return &Service{
		users:     lookup,
		claims:    claims,
		statuses:  statuses,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Admit runs lookup, opt-out, claim, enrichment, scheduling and publish in
// that order, stopping at the first rejection. The id is claimed only after
// the recipient checks pass, so rejected requests can be resubmitted.
func (s *Service) Admit(ctx context.Context, req Request) (Result, error) {
	ctx, span := otel.Tracer("postal/admission").Start(ctx, "admission.Admit",
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.id", req.ID),
		attribute.String("notification.channel", req.Channel),
	)

	res, err := s.admit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Bool("admission.enqueued", res.Enqueued),
		attribute.String("admission.reason", res.Reason),
	)
	return res, nil
}

func (s *Service) admit(ctx context.Context, req Request) (Result, error) {
	log := s.logger.With(
		zap.String("notification_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.String("channel", req.Channel),
	)

	user, err := s.users.GetUser(ctx, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup user %s: %w", req.UserID, err)
	}
	if user == nil {
		if err := s.statuses.SetStatus(ctx, req.ID, redis.StatusFailedNoUser); err != nil {
			return Result{}, err
		}
		log.Info("notification rejected, user not found")
		metrics.RecordAdmission(req.Channel, ReasonUserNotFound)
		return Result{Reason: ReasonUserNotFound}, nil
	}

	if !user.Prefs().Allows(req.Channel) {
		if err := s.statuses.SetStatus(ctx, req.ID, redis.StatusSkippedOptOut); err != nil {
			return Result{}, err
		}
		log.Info("notification skipped, user opted out")
		metrics.RecordAdmission(req.Channel, ReasonOptOut)
		return Result{Reason: ReasonOptOut}, nil
	}

	claimed, err := s.claims.Claim(ctx, req.ID)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		log.Info("duplicate notification ignored")
		metrics.RecordDuplicate()
		return Result{Reason: ReasonDuplicate}, nil
	}

	vars := enrich(req.Variables, user)

	if at, ok := parseSchedule(req.ScheduledAt); ok && at.After(s.now()) {
		if err := s.statuses.SetStatus(ctx, req.ID, redis.StatusScheduled); err != nil {
			return Result{}, err
		}
		log.Info("notification scheduled", zap.Time("scheduled_at", at))
		metrics.RecordAdmission(req.Channel, redis.StatusScheduled)
		return Result{Enqueued: true, Scheduled: true}, nil
	}

	if err := s.statuses.SetStatus(ctx, req.ID, redis.StatusQueued); err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(broker.Message{
		ID:          req.ID,
		UserID:      req.UserID,
		Type:        req.Channel,
		TemplateID:  req.TemplateID,
		Variables:   vars,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		RetryCount:  req.RetryCount,
		PublishedAt: s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := s.publisher.Publish(ctx, req.Channel, body); err != nil {
		if serr := s.statuses.SetStatus(ctx, req.ID, redis.StatusFailedPublish); serr != nil {
			log.Error("failed to record publish failure", zap.Error(serr))
		}
		metrics.RecordAdmission(req.Channel, "publish_error")
		return Result{}, fmt.Errorf("publish notification %s: %w", req.ID, err)
	}

	log.Info("notification queued")
	metrics.RecordAdmission(req.Channel, redis.StatusQueued)
	return Result{Enqueued: true}, nil
}

// enrich returns a copy of vars with the recipient's contact data under __user.
func enrich(vars map[string]any, user *users.User) map[string]any {
	out := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		out[k] = v
	}
	out[UserVariable] = map[string]any{
		"id":         user.ID,
		"email":      user.Email,
		"push_token": user.ContactPushToken(),
	}
	return out
}

// parseSchedule accepts RFC 3339 timestamps with or without fractional seconds.
func parseSchedule(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
