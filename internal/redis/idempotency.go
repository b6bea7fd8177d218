package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultIdempotencyTTL is how long a claimed notification id stays reserved.
	DefaultIdempotencyTTL = time.Hour

	processingMarker = "processing"
)

// IdempotencyService reserves notification ids so each is admitted at most
// once per TTL window.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewIdempotencyService creates a new idempotency service. A non-positive ttl
// falls back to DefaultIdempotencyTTL.
func NewIdempotencyService(client *Client, logger *zap.Logger, ttl time.Duration) *IdempotencyService {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyService{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

func idempotencyKey(notificationID string) string {
	return "idempotency:" + notificationID
}

// Claim atomically reserves the notification id with SET NX EX.
// Returns true only for the caller that created the key. Store errors are
// returned, never treated as a successful claim.
func (s *IdempotencyService) Claim(ctx context.Context, notificationID string) (bool, error) {
	return s.ClaimWithTTL(ctx, notificationID, s.ttl)
}

// ClaimWithTTL is Claim with an explicit expiry.
func (s *IdempotencyService) ClaimWithTTL(ctx context.Context, notificationID string, ttl time.Duration) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, idempotencyKey(notificationID), processingMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	if !set {
		s.logger.Debug("idempotency key already claimed",
			zap.String("notification_id", notificationID),
		)
	}

	return set, nil
}
