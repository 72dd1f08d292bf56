package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tier is a subscription level. Tiers are totally ordered: a tier grants
// every capability of the tiers below it.
type Tier int

const (
	TierFree Tier = iota
	TierStarter
	TierPremium
	TierEnterprise
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierStarter:
		return "starter"
	case TierPremium:
		return "premium"
	case TierEnterprise:
		return "enterprise"
	default:
		return "unknown"
	}
}

// ParseTier maps a canonical tier name to a Tier. Unknown names resolve
// to TierFree.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "starter":
		return TierStarter
	case "premium":
		return TierPremium
	case "enterprise":
		return TierEnterprise
	default:
		return TierFree
	}
}

// Action discriminates the exchange payload kinds accepted by the gateway.
type Action string

const (
	ActionLessonGeneration  Action = "lesson_generation"
	ActionHomeworkHelp      Action = "homework_help"
	ActionGrading           Action = "grading_assistance"
	ActionGradingStream     Action = "grading_assistance_stream"
	ActionGeneralAssistance Action = "general_assistance"
	ActionHealth            Action = "health"
)

// KnownAction reports whether a is one of the closed set of actions.
func KnownAction(a Action) bool {
	switch a {
	case ActionLessonGeneration, ActionHomeworkHelp, ActionGrading,
		ActionGradingStream, ActionGeneralAssistance, ActionHealth:
		return true
	}
	return false
}

// ExchangeRequest is one caller invocation, decoded once at the HTTP
// boundary. Only the fields relevant to the tagged action are consulted.
type ExchangeRequest struct {
	Action      Action   `json:"action"`
	Model       string   `json:"model,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	// lesson_generation
	Topic      string   `json:"topic,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	GradeLevel int      `json:"gradeLevel,omitempty"`
	Duration   int      `json:"duration,omitempty"`
	Objectives []string `json:"objectives,omitempty"`

	// homework_help
	Question string `json:"question,omitempty"`
	Context  string `json:"context,omitempty"`

	// grading_assistance
	Submission string `json:"submission,omitempty"`
	Rubric     string `json:"rubric,omitempty"`

	// general_assistance
	Content  string    `json:"content,omitempty"`
	Messages []Message `json:"messages,omitempty"`

	// tool calling
	Tools               []ToolDefinition `json:"tools,omitempty"`
	ToolChoice          json.RawMessage  `json:"tool_choice,omitempty"`
	ToolResults         []ToolResult     `json:"tool_results,omitempty"`
	AssistantRawContent []ContentBlock   `json:"assistant_raw_content,omitempty"`
}

// Validate rejects unknown actions and payloads missing the fields the
// tagged action requires.
func (r *ExchangeRequest) Validate() error {
	if !KnownAction(r.Action) {
		return ErrUnknownAction
	}
	switch r.Action {
	case ActionLessonGeneration:
		if r.Topic == "" {
			return fmt.Errorf("%w: lesson_generation requires topic", ErrInvalidRequest)
		}
	case ActionHomeworkHelp:
		if r.Question == "" {
			return fmt.Errorf("%w: homework_help requires question", ErrInvalidRequest)
		}
	case ActionGrading, ActionGradingStream:
		if r.Submission == "" {
			return fmt.Errorf("%w: grading requires submission", ErrInvalidRequest)
		}
	}
	return nil
}

// WantStream reports whether the exchange must be relayed in streaming mode.
func (r *ExchangeRequest) WantStream() bool {
	return r.Stream || r.Action == ActionGradingStream
}

// Message is a provider-neutral conversation turn. Content is either plain
// text or a list of typed blocks; both forms are accepted on the wire.
type Message struct {
	Role   string
	Text   string
	Blocks []ContentBlock
}

type messageWire struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	if len(w.Content) == 0 {
		return nil
	}
	if w.Content[0] == '[' {
		return json.Unmarshal(w.Content, &m.Blocks)
	}
	return json.Unmarshal(w.Content, &m.Text)
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Blocks != nil {
		return json.Marshal(struct {
			Role    string         `json:"role"`
			Content []ContentBlock `json:"content"`
		}{m.Role, m.Blocks})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Text})
}

// ContentBlock is one element of a provider content list. The closed set of
// types this gateway understands is text, tool_use and tool_result; fields
// not used by a given type stay zero.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ToolDefinition is a caller-declared function the model may invoke.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolCall is one model-requested function invocation, extracted from a
// provider response and returned to the caller for client-side execution.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the caller's answer to a prior ToolCall.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TokenUsage is provider-reported token accounting.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ExchangeResponse is the buffered wire envelope returned to callers.
// Cost is always null on the wire; internal cost accounting lives in the
// usage log only.
type ExchangeResponse struct {
	Content       string         `json:"content"`
	Usage         *TokenUsage    `json:"usage"`
	Cost          *float64       `json:"cost"`
	ToolCalls     []ToolCall     `json:"tool_calls,omitempty"`
	RawContent    []ContentBlock `json:"raw_content,omitempty"`
	StopReason    string         `json:"stop_reason,omitempty"`
	ProviderError bool           `json:"provider_error,omitempty"`
}

// Exchange statuses recorded on usage log entries.
const (
	StatusSuccess       = "success"
	StatusProviderError = "provider_error"
)

// UsageLogEntry is the write-once record of one completed exchange.
type UsageLogEntry struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id,omitempty"`
	UserID       string    `json:"user_id"`
	Feature      string    `json:"feature"`
	Model        string    `json:"model"` // concrete provider model id
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Input        string    `json:"input,omitempty"`
	Output       string    `json:"output,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}
