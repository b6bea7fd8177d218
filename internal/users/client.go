package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/postal/internal/redis"
	"github.com/lalithlochan/postal/internal/retry"
)

const (
	// CacheTTL is how long a fetched user is cached in Redis.
	CacheTTL = 5 * time.Minute

	requestTimeout = 5 * time.Second
)

// JSONCache is the slice of the Redis client the user client needs.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dst any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("user service returned %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

// Client looks users up in the Redis cache first and the user service second.
type Client struct {
	baseURL string
	http    *http.Client
	cache   JSONCache
	breaker *gobreaker.CircuitBreaker[*User]
	retries *retry.Coordinator
	logger  *zap.Logger
}

// NewClient creates a user-service client.
func NewClient(baseURL string, cache JSONCache, logger *zap.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker[*User](gobreaker.Settings{
		Name:        "user-service",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("user service breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		cache:   cache,
		breaker: breaker,
		retries: retry.NewCoordinator(retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			Jitter:       0.2,
			RetryIf:      retry.IsRetryable,
		}, logger),
		logger: logger,
	}
}

func cacheKey(userID string) string {
	return "usercache:" + userID
}

// GetUser returns the user or nil when the user service does not know it.
// Cache failures are logged and never fail the lookup.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	key := cacheKey(userID)

	var cached User
	err := c.cache.GetJSON(ctx, key, &cached)
	switch {
	case err == nil:
		return &cached, nil
	case !errors.Is(err, redis.ErrCacheMiss):
		c.logger.Warn("user cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	var user *User
	err = c.retries.Execute(ctx, func(ctx context.Context, attempt int) error {
		u, err := c.breaker.Execute(func() (*User, error) {
			return c.fetch(ctx, userID)
		})
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if user == nil {
		return nil, nil
	}

	if err := c.cache.SetJSON(ctx, key, user, CacheTTL); err != nil {
		c.logger.Warn("user cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
	return user, nil
}

func (c *Client) fetch(ctx context.Context, userID string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(userID)), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request user service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read user response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	return decodeUser(body)
}

// decodeUser accepts either {"data": {...}} or a bare user object.
func decodeUser(body []byte) (*User, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		body = envelope.Data
	}

	if string(body) == "null" {
		return nil, nil
	}

	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if u.ID == "" && u.Email == "" {
		return nil, nil
	}
	return &u, nil
}
