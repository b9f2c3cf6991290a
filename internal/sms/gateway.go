// Package sms abstracts the outbound text-message gateway.
package sms

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// Generic error codes recorded when the provider gives us nothing better.
const (
	CodeGatewayError   = "gateway_error"
	CodeGatewayTimeout = "gateway_timeout"
)

// Gateway delivers a single text message. Implementations must respect ctx
// deadlines; the dispatcher bounds every send with a timeout.
type Gateway interface {
	Send(ctx context.Context, toE164, body string) error
}

// SendError is a delivery failure with a provider-reported cause.
type SendError struct {
	Code    string
	Message string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sms send failed (%s): %s", e.Code, e.Message)
}

// ErrorCode extracts the most specific failure code available from a send
// error: an explicit SendError code, a provider API error code, a timeout
// marker, or the generic fallback.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) && sendErr.Code != "" {
		return sendErr.Code
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() != "" {
		return apiErr.ErrorCode()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeGatewayTimeout
	}

	return CodeGatewayError
}
