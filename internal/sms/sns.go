package sms

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSGateway sends text messages via AWS SNS direct publish
type SNSGateway struct {
	client *sns.Client
	sender string
	logger *zap.Logger
}

type SNSConfig struct {
	Region   string
	SenderID string // optional alphanumeric sender ID, where carriers allow it
}

// NewSNSGateway creates an SNS-backed SMS gateway
func NewSNSGateway(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSGateway, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSGateway{
		client: sns.NewFromConfig(awsCfg),
		sender: cfg.SenderID,
		logger: logger,
	}, nil
}

// Send publishes one SMS. Provider failures come back as smithy API errors,
// which ErrorCode turns into the code stamped on the reminder.
func (g *SNSGateway) Send(ctx context.Context, toE164, body string) error {
	if toE164 == "" {
		return &SendError{Code: CodeGatewayError, Message: "missing recipient phone number"}
	}
	if body == "" {
		return &SendError{Code: CodeGatewayError, Message: "missing message body"}
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(toE164),
		Message:     aws.String(body),
	}
	if g.sender != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SenderID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(g.sender),
			},
		}
	}

	result, err := g.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	g.logger.Info("SMS sent via SNS",
		zap.String("phone_number", toE164),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
