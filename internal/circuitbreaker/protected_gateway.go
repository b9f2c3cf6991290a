package circuitbreaker

import (
	"context"
	"fmt"

	"github.com/nudgeworks/nudge/internal/sms"
)

// ProtectedGateway wraps an sms.Gateway with a circuit breaker. A rejected
// send surfaces as an ordinary gateway failure, so the reminder is marked
// failed with a generic code and the series keeps advancing.
type ProtectedGateway struct {
	gateway sms.Gateway
	breaker *CircuitBreaker
}

// Protect wraps gateway with breaker.
func Protect(gateway sms.Gateway, breaker *CircuitBreaker) *ProtectedGateway {
	return &ProtectedGateway{gateway: gateway, breaker: breaker}
}

func (p *ProtectedGateway) Send(ctx context.Context, toE164, body string) error {
	if !p.breaker.Allow() {
		return fmt.Errorf("sms gateway unavailable: %w", ErrCircuitOpen)
	}

	err := p.gateway.Send(ctx, toE164, body)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}
