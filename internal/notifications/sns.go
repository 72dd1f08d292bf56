// Package notifications delivers operational alerts (quota thresholds,
// provider outages) to an SNS topic, with an in-memory variant for tests
// and local runs.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type Level string

const (
	LevelQuotaWarning  Level = "quota_warning"
	LevelQuotaCritical Level = "quota_critical"
	LevelQuotaExceeded Level = "quota_exceeded"
	LevelProviderDown  Level = "provider_down"
)

type Notification struct {
	Level    Level                  `json:"level"`
	TenantID string                 `json:"tenant_id,omitempty"`
	Message  string                 `json:"message"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Level": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Level)),
			},
		},
	}
	if notification.TenantID != "" {
		input.MessageAttributes["TenantID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.TenantID),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent", "level", notification.Level, "tenant_id", notification.TenantID)
	return nil
}

// InMemoryNotifier collects notifications for inspection in tests.
type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.notifications))
	copy(out, n.notifications)
	return out
}
