package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRateLimiter_Window(t *testing.T) {
	tests := []struct {
		name          string
		limit         int
		requests      int
		wantAllowed   int
		wantRemaining int
	}{
		{name: "under limit", limit: 5, requests: 3, wantAllowed: 3, wantRemaining: 2},
		{name: "exactly at limit", limit: 3, requests: 3, wantAllowed: 3, wantRemaining: 0},
		{name: "over limit", limit: 2, requests: 6, wantAllowed: 2, wantRemaining: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, cleanup := setupTestRedis(t)
			defer cleanup()

			limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: tt.limit, Window: time.Minute})
			ctx := context.Background()

			allowed := 0
			var last *RateLimitResult
			for i := 0; i < tt.requests; i++ {
				res, err := limiter.Allow(ctx, "10.0.0.1")
				require.NoError(t, err)
				if res.Allowed {
					allowed++
				}
				last = res
			}

			assert.Equal(t, tt.wantAllowed, allowed)
			assert.Equal(t, tt.wantRemaining, last.Remaining)
			assert.False(t, last.ResetAt.IsZero())
		})
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 1, Window: time.Minute})
	ctx := context.Background()

	res, err := limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = limiter.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a second client has its own window")

	assert.True(t, mr.Exists("throttle:10.0.0.1"))
	assert.True(t, mr.Exists("throttle:10.0.0.2"))
	assert.Equal(t, time.Minute+time.Second, mr.TTL("throttle:10.0.0.1"))
}

func TestRateLimiter_RejectionsDoNotExtendWindow(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 2, Window: 50 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "client")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
	}
	for i := 0; i < 5; i++ {
		res, err := limiter.Allow(ctx, "client")
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}

	// Scores are wall-clock nanoseconds, so real time has to pass.
	time.Sleep(60 * time.Millisecond)

	res, err := limiter.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestRateLimiter_StoreError(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 10, Window: time.Minute})
	assert.Equal(t, 10, limiter.Config().Limit)

	mr.SetError("LOADING")
	res, err := limiter.Allow(context.Background(), "client")
	require.Error(t, err)
	assert.Nil(t, res)
}
