package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: 1 * time.Second}, zap.NewNop())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject while open")
	}
}

func TestCircuitBreaker_HalfOpenProbeAndRecovery(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after successful probe, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset the failure count")
	}
}

type stubGateway struct {
	err   error
	calls int
}

func (s *stubGateway) Send(ctx context.Context, toE164, body string) error {
	s.calls++
	return s.err
}

func TestProtectedGateway_PassesThrough(t *testing.T) {
	gw := &stubGateway{}
	p := Protect(gw, New(DefaultConfig("sms"), zap.NewNop()))

	if err := p.Send(context.Background(), "+15551234567", "hi"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if gw.calls != 1 {
		t.Errorf("expected 1 call, got %d", gw.calls)
	}
}

func TestProtectedGateway_FailsFastWhenOpen(t *testing.T) {
	gw := &stubGateway{err: errors.New("provider down")}
	p := Protect(gw, New(Config{Name: "sms", MaxFailures: 2, RecoveryTimeout: time.Minute}, zap.NewNop()))

	ctx := context.Background()
	p.Send(ctx, "+15551234567", "hi")
	p.Send(ctx, "+15551234567", "hi")

	err := p.Send(ctx, "+15551234567", "hi")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if gw.calls != 2 {
		t.Errorf("expected breaker to stop the third call, gateway saw %d", gw.calls)
	}
}
