package worker

import (
	"context"

	"github.com/lalithlochan/postal/internal/circuitbreaker"
)

// ProtectedProvider routes every send through a circuit breaker. An open
// breaker fails the attempt with circuitbreaker.ErrCircuitOpen without
// calling the provider.
type ProtectedProvider struct {
	provider Provider
	breaker  *circuitbreaker.CircuitBreaker
}

func NewProtectedProvider(p Provider, breaker *circuitbreaker.CircuitBreaker) *ProtectedProvider {
	return &ProtectedProvider{provider: p, breaker: breaker}
}

func (p *ProtectedProvider) Send(ctx context.Context, msg Outbound) (string, error) {
	return circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (string, error) {
		return p.provider.Send(ctx, msg)
	})
}

func (p *ProtectedProvider) Channel() string {
	return p.provider.Channel()
}

// Breaker exposes the breaker for health reporting.
func (p *ProtectedProvider) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
