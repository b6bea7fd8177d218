package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Status values written during admission.
const (
	StatusQueued        = "queued"
	StatusScheduled     = "scheduled"
	StatusSkippedOptOut = "skipped:user_opt_out"
	StatusFailedNoUser  = "failed:user_not_found"
	StatusFailedPublish = "failed:publish_error"
)

const (
	statusFieldStatus    = "status"
	statusFieldUpdatedAt = "updated_at"
)

// ErrStatusNotFound is returned when no status hash exists for an id.
var ErrStatusNotFound = errors.New("notification status not found")

// NotificationStatus is the last status recorded for a notification.
type NotificationStatus struct {
	NotificationID string    `json:"notification_id"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StatusStore keeps the latest admission status per notification in a hash.
type StatusStore struct {
	client *Client
	logger *zap.Logger
	now    func() time.Time
}

// NewStatusStore creates a status store.
func NewStatusStore(client *Client, logger *zap.Logger) *StatusStore {
	return &StatusStore{client: client, logger: logger, now: time.Now}
}

func statusKey(notificationID string) string {
	return "notif:" + notificationID
}

// SetStatus overwrites the status and updated_at fields.
func (s *StatusStore) SetStatus(ctx context.Context, notificationID, status string) error {
	err := s.client.rdb.HSet(ctx, statusKey(notificationID),
		statusFieldStatus, status,
		statusFieldUpdatedAt, s.now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}

	s.logger.Debug("notification status updated",
		zap.String("notification_id", notificationID),
		zap.String("status", status),
	)
	return nil
}

// GetStatus reads the status hash.
func (s *StatusStore) GetStatus(ctx context.Context, notificationID string) (*NotificationStatus, error) {
	fields, err := s.client.rdb.HGetAll(ctx, statusKey(notificationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrStatusNotFound
	}

	st := &NotificationStatus{
		NotificationID: notificationID,
		Status:         fields[statusFieldStatus],
	}
	if raw := fields[statusFieldUpdatedAt]; raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			st.UpdatedAt = ts
		}
	}
	return st, nil
}
