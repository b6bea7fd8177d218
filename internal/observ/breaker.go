package observ

import (
	"github.com/lalithlochan/postal/internal/circuitbreaker"
	"github.com/lalithlochan/postal/internal/config"
	"github.com/lalithlochan/postal/internal/metrics"
)

// BreakerConfig builds a breaker configuration from the service settings.
// State changes are exported on the breaker state gauge.
func BreakerConfig(name string, cfg *config.Config) circuitbreaker.Config {
	bc := circuitbreaker.DefaultConfig(name)
	if cfg.BreakerThreshold > 0 {
		bc.MaxFailures = cfg.BreakerThreshold
	}
	if cfg.BreakerResetTimeout > 0 {
		bc.RecoveryTimeout = cfg.BreakerResetTimeout
	}
	if cfg.BreakerHalfOpenTarget > 0 {
		bc.HalfOpenSuccesses = cfg.BreakerHalfOpenTarget
	}
	bc.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	metrics.SetBreakerState(name, int(circuitbreaker.StateClosed))
	return bc
}
