// Package provider defines the relay contract upstream model backends
// implement.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edupro/ai-gateway/internal/domain"
)

// Request is a normalized upstream call. Model carries the concrete
// provider model id; policy resolution happens before a request reaches
// a relay.
type Request struct {
	Model       string
	System      string
	Messages    []domain.Message
	MaxTokens   int
	Temperature *float64
	Tools       []domain.ToolDefinition
	ToolChoice  json.RawMessage
}

// Response is the parsed provider reply for a buffered call.
type Response struct {
	Content    string
	RawContent []domain.ContentBlock
	ToolCalls  []domain.ToolCall
	Usage      domain.TokenUsage
	StopReason string
}

// Stream event types. A completed stream carries any number of delta
// events followed by exactly one final event holding the accumulated text.
const (
	EventDelta = "delta"
	EventFinal = "final"
)

// StreamEvent is one pull from a streaming relay.
type StreamEvent struct {
	Type  string
	Text  string
	Usage *domain.TokenUsage
}

// Relay is one upstream backend. Stream closes both channels when the
// stream ends; at most one error is sent on errs.
type Relay interface {
	ID() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, <-chan error)
}

// Error is a non-2xx provider reply, preserved for logging and for
// deciding whether a failure should trip the circuit breaker.
type Error struct {
	Relay      string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Relay, e.StatusCode, e.Body)
}
