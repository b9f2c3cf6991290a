package sms

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

func TestErrorCode_SendError(t *testing.T) {
	err := &SendError{Code: "30003", Message: "unreachable destination"}
	if got := ErrorCode(err); got != "30003" {
		t.Errorf("expected 30003, got %s", got)
	}
}

func TestErrorCode_WrappedSendError(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", &SendError{Code: "21211", Message: "invalid number"})
	if got := ErrorCode(err); got != "21211" {
		t.Errorf("expected 21211, got %s", got)
	}
}

func TestErrorCode_ProviderAPIError(t *testing.T) {
	err := fmt.Errorf("sns publish failed: %w", &smithy.GenericAPIError{
		Code:    "Throttled",
		Message: "rate exceeded",
	})
	if got := ErrorCode(err); got != "Throttled" {
		t.Errorf("expected Throttled, got %s", got)
	}
}

func TestErrorCode_Timeout(t *testing.T) {
	err := fmt.Errorf("sns publish failed: %w", context.DeadlineExceeded)
	if got := ErrorCode(err); got != CodeGatewayTimeout {
		t.Errorf("expected %s, got %s", CodeGatewayTimeout, got)
	}
}

func TestErrorCode_Generic(t *testing.T) {
	if got := ErrorCode(errors.New("connection refused")); got != CodeGatewayError {
		t.Errorf("expected %s, got %s", CodeGatewayError, got)
	}
}

func TestErrorCode_Nil(t *testing.T) {
	if got := ErrorCode(nil); got != "" {
		t.Errorf("expected empty code for nil error, got %s", got)
	}
}

func TestLogGateway_Send(t *testing.T) {
	g := NewLogGateway(zap.NewNop())

	if err := g.Send(context.Background(), "+15551234567", "hello"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestLogGateway_MissingRecipient(t *testing.T) {
	g := NewLogGateway(zap.NewNop())

	err := g.Send(context.Background(), "", "hello")
	if err == nil {
		t.Fatal("expected error for missing recipient")
	}
	if got := ErrorCode(err); got != CodeGatewayError {
		t.Errorf("expected %s, got %s", CodeGatewayError, got)
	}
}
