// Package prompt transforms high-level action payloads into the
// provider-neutral message list and system instruction the relay sends
// upstream.
package prompt

import (
	"fmt"
	"strings"

	"github.com/edupro/ai-gateway/internal/domain"
)

// Exchange is a normalized request: one system instruction plus the
// conversation turns.
type Exchange struct {
	System   string
	Messages []domain.Message
}

// Build normalizes one exchange request. The request must already be
// validated; Build never fails for a known action, it degrades instead
// (a malformed tool continuation becomes a fresh general turn).
func Build(req *domain.ExchangeRequest) Exchange {
	if msgs, ok := continuationMessages(req); ok {
		return Exchange{System: SystemPrompt(domain.ActionGeneralAssistance), Messages: msgs}
	}

	switch req.Action {
	case domain.ActionLessonGeneration:
		return Exchange{
			System:   SystemPrompt(req.Action),
			Messages: []domain.Message{userText(lessonMessage(req))},
		}
	case domain.ActionHomeworkHelp:
		return Exchange{
			System:   SystemPrompt(req.Action),
			Messages: []domain.Message{userText(homeworkMessage(req))},
		}
	case domain.ActionGrading, domain.ActionGradingStream:
		return Exchange{
			System:   SystemPrompt(req.Action),
			Messages: []domain.Message{userText(gradingMessage(req))},
		}
	default:
		return generalExchange(req)
	}
}

func lessonMessage(req *domain.ExchangeRequest) string {
	var b strings.Builder

	duration := req.Duration
	if duration <= 0 {
		duration = 45
	}
	fmt.Fprintf(&b, "Create a %d minute lesson plan", duration)
	if req.GradeLevel > 0 {
		fmt.Fprintf(&b, " for Grade %d", req.GradeLevel)
	}
	if req.Subject != "" {
		fmt.Fprintf(&b, " %s", req.Subject)
	}
	fmt.Fprintf(&b, " on the topic %q.", req.Topic)

	if len(req.Objectives) > 0 {
		fmt.Fprintf(&b, "\n\nLearning objectives:\n")
		for _, obj := range req.Objectives {
			fmt.Fprintf(&b, "- %s\n", obj)
		}
	} else {
		b.WriteString("\n\nDerive reasonable learning objectives from the topic.")
	}

	b.WriteString("\n\nInclude: learning objectives, timed activities, and an assessment.")
	return b.String()
}

func homeworkMessage(req *domain.ExchangeRequest) string {
	var b strings.Builder

	b.WriteString("Explain step by step how to approach this question. ")
	b.WriteString("Do not just give the final answer.\n\n")
	fmt.Fprintf(&b, "Question: %s", req.Question)
	if req.GradeLevel > 0 {
		fmt.Fprintf(&b, "\n\nThe student is in Grade %d; pitch the explanation accordingly.", req.GradeLevel)
	}
	if req.Context != "" {
		fmt.Fprintf(&b, "\n\nAdditional context: %s", req.Context)
	}
	return b.String()
}

func gradingMessage(req *domain.ExchangeRequest) string {
	rubric := req.Rubric
	if rubric == "" {
		rubric = defaultRubric
	}

	var b strings.Builder
	b.WriteString("Grade the following student submission.\n\n")
	fmt.Fprintf(&b, "Rubric: %s\n\n", rubric)
	fmt.Fprintf(&b, "Submission:\n%s\n\n", req.Submission)
	b.WriteString("Give a numeric score against the rubric and constructive feedback.")
	return b.String()
}

func generalExchange(req *domain.ExchangeRequest) Exchange {
	system := SystemPrompt(domain.ActionGeneralAssistance)

	if len(req.Messages) > 0 {
		msgs := make([]domain.Message, 0, len(req.Messages))
		for _, m := range req.Messages {
			// System turns are gateway-owned; caller-supplied ones are dropped.
			if m.Role == "system" {
				continue
			}
			msgs = append(msgs, m)
		}
		if len(msgs) > 0 {
			return Exchange{System: system, Messages: msgs}
		}
	}

	content := req.Content
	if content == "" {
		content = req.Question
	}
	return Exchange{System: system, Messages: []domain.Message{userText(content)}}
}

// continuationMessages reconstructs a tool-result turn:
// [...history, assistant(raw blocks), user(tool_result blocks)].
// Correlation ids must line up; any inconsistency makes the request fall
// back to a fresh general turn.
func continuationMessages(req *domain.ExchangeRequest) ([]domain.Message, bool) {
	if len(req.ToolResults) == 0 || len(req.AssistantRawContent) == 0 {
		return nil, false
	}

	toolUseIDs := make(map[string]bool)
	for _, block := range req.AssistantRawContent {
		if block.Type == domain.BlockToolUse && block.ID != "" {
			toolUseIDs[block.ID] = true
		}
	}
	if len(toolUseIDs) == 0 {
		return nil, false
	}

	resultBlocks := make([]domain.ContentBlock, 0, len(req.ToolResults))
	for _, result := range req.ToolResults {
		if !toolUseIDs[result.ToolUseID] {
			return nil, false
		}
		resultBlocks = append(resultBlocks, domain.ContentBlock{
			Type:      domain.BlockToolResult,
			ToolUseID: result.ToolUseID,
			Content:   result.Content,
		})
	}

	var msgs []domain.Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs,
		domain.Message{Role: "assistant", Blocks: req.AssistantRawContent},
		domain.Message{Role: "user", Blocks: resultBlocks},
	)
	return msgs, true
}

func userText(text string) domain.Message {
	return domain.Message{Role: "user", Text: text}
}
