package sms

import (
	"context"

	"go.uber.org/zap"
)

// LogGateway is a gateway that only logs, for development and tests.
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, toE164, body string) error {
	if toE164 == "" {
		return &SendError{Code: CodeGatewayError, Message: "missing recipient phone number"}
	}

	g.logger.Info("sms logged (development mode)",
		zap.String("phone_number", toE164),
		zap.String("body", body),
	)
	return nil
}
