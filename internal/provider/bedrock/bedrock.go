// Package bedrock relays exchanges to Anthropic models hosted on AWS
// Bedrock. It serves as the fallback backend when the direct Anthropic
// relay is unavailable.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/edupro/ai-gateway/internal/domain"
	"github.com/edupro/ai-gateway/internal/provider"
)

const (
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096
)

// modelIDs maps Anthropic API model ids to their Bedrock counterparts.
var modelIDs = map[string]string{
	"claude-3-5-haiku-20241022":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-5-sonnet-20241022": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-opus-20240229":     "anthropic.claude-3-opus-20240229-v1:0",
}

type Relay struct {
	client *bedrockruntime.Client
	region string
}

func New(ctx context.Context, region string) (*Relay, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Relay {
	return &Relay{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func (r *Relay) ID() string {
	return "bedrock"
}

func (r *Relay) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := r.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(mapModelID(req.Model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(output.Body, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return parseResponse(wire), nil
}

func (r *Relay) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, <-chan error) {
	events := make(chan provider.StreamEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		body, err := json.Marshal(toWireRequest(req))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		output, err := r.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(mapModelID(req.Model)),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			errs <- fmt.Errorf("invoke model stream: %w", err)
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		var accumulated strings.Builder
		var usage *domain.TokenUsage

		emitFinal := func() {
			select {
			case events <- provider.StreamEvent{
				Type:  provider.EventFinal,
				Text:  accumulated.String(),
				Usage: usage,
			}:
			case <-ctx.Done():
			}
		}

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var wire wireStreamEvent
			if err := json.Unmarshal(chunk.Value.Bytes, &wire); err != nil {
				continue
			}

			switch wire.Type {
			case "message_start":
				if wire.Message != nil {
					usage = &domain.TokenUsage{
						InputTokens:  wire.Message.Usage.InputTokens,
						OutputTokens: wire.Message.Usage.OutputTokens,
					}
				}
			case "content_block_delta":
				if wire.Delta == nil || wire.Delta.Text == "" {
					continue
				}
				accumulated.WriteString(wire.Delta.Text)
				select {
				case events <- provider.StreamEvent{Type: provider.EventDelta, Text: wire.Delta.Text}:
				case <-ctx.Done():
					return
				}
			case "message_delta":
				if usage != nil && wire.Usage != nil {
					usage.OutputTokens = wire.Usage.OutputTokens
				}
			case "message_stop":
				emitFinal()
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("stream error: %w", err)
			return
		}
		emitFinal()
	}()

	return events, errs
}

type wireRequest struct {
	AnthropicVersion string                  `json:"anthropic_version"`
	MaxTokens        int                     `json:"max_tokens"`
	Messages         []domain.Message        `json:"messages"`
	System           string                  `json:"system,omitempty"`
	Temperature      *float64                `json:"temperature,omitempty"`
	Tools            []domain.ToolDefinition `json:"tools,omitempty"`
	ToolChoice       json.RawMessage         `json:"tool_choice,omitempty"`
}

type wireResponse struct {
	ID         string                `json:"id"`
	Content    []domain.ContentBlock `json:"content"`
	StopReason string                `json:"stop_reason"`
	Usage      wireUsage             `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireStreamEvent struct {
	Type    string           `json:"type"`
	Message *wireStreamStart `json:"message,omitempty"`
	Delta   *wireStreamDelta `json:"delta,omitempty"`
	Usage   *wireUsage       `json:"usage,omitempty"`
}

type wireStreamStart struct {
	Usage wireUsage `json:"usage"`
}

type wireStreamDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func toWireRequest(req provider.Request) wireRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return wireRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         req.Messages,
		System:           req.System,
		Temperature:      req.Temperature,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
	}
}

func parseResponse(wire wireResponse) *provider.Response {
	var content strings.Builder
	var toolCalls []domain.ToolCall

	for _, block := range wire.Content {
		switch block.Type {
		case domain.BlockText:
			content.WriteString(block.Text)
		case domain.BlockToolUse:
			toolCalls = append(toolCalls, domain.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}

	return &provider.Response{
		Content:    content.String(),
		RawContent: wire.Content,
		ToolCalls:  toolCalls,
		Usage: domain.TokenUsage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
		StopReason: wire.StopReason,
	}
}

func mapModelID(model string) string {
	if id, ok := modelIDs[model]; ok {
		return id
	}
	return model
}
