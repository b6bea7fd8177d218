package observ

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/postal/internal/config"
)

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"production", "development"} {
		t.Run(env, func(t *testing.T) {
			logger, err := NewLogger(env, "debug")
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(-1), "debug should be enabled")
		})
	}
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("development", "chatty")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(0))
}

func TestBreakerConfig(t *testing.T) {
	cfg := &config.Config{
		BreakerThreshold:      7,
		BreakerResetTimeout:   10 * time.Second,
		BreakerHalfOpenTarget: 2,
	}

	bc := BreakerConfig("email-provider", cfg)
	assert.Equal(t, "email-provider", bc.Name)
	assert.Equal(t, 7, bc.MaxFailures)
	assert.Equal(t, 10*time.Second, bc.RecoveryTimeout)
	assert.Equal(t, 2, bc.HalfOpenSuccesses)
	assert.NotNil(t, bc.OnStateChange)

	defaults := BreakerConfig("template-store", &config.Config{})
	assert.Equal(t, 5, defaults.MaxFailures)
	assert.Equal(t, 30*time.Second, defaults.RecoveryTimeout)
	assert.Equal(t, 3, defaults.HalfOpenSuccesses)
}

func TestSetupTracing_NoEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "postal-test", "")
	require.NoError(t, err)
	assert.NoError(t, ShutdownTracing(shutdown))
	assert.NoError(t, ShutdownTracing(nil))
}
