// Package secrets loads the provider credential from AWS Secrets Manager
// so deployments do not have to pass the API key through the environment.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type AWSSecretsManager struct {
	client *secretsmanager.Client
	mu     sync.RWMutex
	cache  map[string]cachedSecret
	ttl    time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]cachedSecret),
		ttl:    5 * time.Minute,
	}, nil
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if c, ok := s.cache[name]; ok && time.Now().Before(c.expiresAt) {
		s.mu.RUnlock()
		return c.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := ""
	if result.SecretString != nil {
		value = *result.SecretString
	}

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

// ProviderCredential resolves the provider API key from a secret that is
// either the key itself or a JSON object with an "api_key" field.
func ProviderCredential(ctx context.Context, store Store, name string) (string, error) {
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}

	var payload struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err == nil && payload.APIKey != "" {
		return payload.APIKey, nil
	}
	return raw, nil
}
