// Package anthropic relays exchanges to the Anthropic Messages API.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/edupro/ai-gateway/internal/domain"
	"github.com/edupro/ai-gateway/internal/httputil"
	"github.com/edupro/ai-gateway/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type Relay struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*Relay)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(r *Relay) { r.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient overrides the outbound client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) { r.client = c }
}

func New(apiKey string, opts ...Option) *Relay {
	r := &Relay{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  httputil.DefaultClient(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) ID() string {
	return "anthropic"
}

func (r *Relay) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	resp, err := r.post(ctx, toWireRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
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

		resp, err := r.post(ctx, toWireRequest(req, true))
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

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

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				emitFinal()
				return
			}

			var event wireStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					usage = &domain.TokenUsage{
						InputTokens:  event.Message.Usage.InputTokens,
						OutputTokens: event.Message.Usage.OutputTokens,
					}
				}
			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					continue
				}
				accumulated.WriteString(event.Delta.Text)
				select {
				case events <- provider.StreamEvent{Type: provider.EventDelta, Text: event.Delta.Text}:
				case <-ctx.Done():
					return
				}
			case "message_delta":
				if usage != nil && event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				emitFinal()
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("scan stream: %w", err)
			return
		}
		// Upstream closed without message_stop; the text gathered so far
		// still reaches the caller.
		emitFinal()
	}()

	return events, errs
}

func (r *Relay) post(ctx context.Context, wire wireRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", r.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if wire.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &provider.Error{
			Relay:      "anthropic",
			StatusCode: resp.StatusCode,
			Body:       string(bodyBytes),
		}
	}
	return resp, nil
}

type wireRequest struct {
	Model       string                  `json:"model"`
	Messages    []domain.Message        `json:"messages"`
	MaxTokens   int                     `json:"max_tokens"`
	System      string                  `json:"system,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
	Stream      bool                    `json:"stream,omitempty"`
	Tools       []domain.ToolDefinition `json:"tools,omitempty"`
	ToolChoice  json.RawMessage         `json:"tool_choice,omitempty"`
}

type wireResponse struct {
	ID         string                `json:"id"`
	Type       string                `json:"type"`
	Role       string                `json:"role"`
	Content    []domain.ContentBlock `json:"content"`
	Model      string                `json:"model"`
	StopReason string                `json:"stop_reason"`
	Usage      wireUsage             `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireStreamEvent struct {
	Type    string           `json:"type"`
	Index   int              `json:"index,omitempty"`
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

func toWireRequest(req provider.Request, stream bool) wireRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return wireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Stream:      stream,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}
}

// parseResponse flattens the content block list: text blocks concatenate
// into Content, tool_use blocks become ToolCalls, and the untouched list
// is kept so callers can echo it back on a tool continuation.
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
