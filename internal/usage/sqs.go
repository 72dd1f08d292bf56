package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/edupro/ai-gateway/internal/domain"
)

// SQSSink mirrors usage entries onto the billing queue. Content fields
// (system prompt, input, output) are redacted before publish; billing
// consumers only read the accounting columns.
type SQSSink struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSSink(ctx context.Context, region, queueURL string) (*SQSSink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSSink{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSSinkWithConfig(cfg aws.Config, queueURL string) *SQSSink {
	return &SQSSink{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (s *SQSSink) Record(ctx context.Context, entry domain.UsageLogEntry) error {
	// Billing consumers only need accounting fields.
	entry.SystemPrompt = ""
	entry.Input = ""
	entry.Output = ""

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal usage entry: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Feature": {
				DataType:    aws.String("String"),
				StringValue: aws.String(entry.Feature),
			},
		},
	}
	if entry.TenantID != "" {
		input.MessageAttributes["TenantID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(entry.TenantID),
		}
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage message: %w", err)
	}

	return nil
}
