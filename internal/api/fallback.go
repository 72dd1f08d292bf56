package api

import "github.com/edupro/ai-gateway/internal/domain"

// fallbackContent is the caller-safe text substituted when every relay
// has failed on a buffered exchange. The caller still receives a usable
// response body; the provider_error flag tells the client it is canned.
func fallbackContent(action domain.Action) string {
	switch action {
	case domain.ActionLessonGeneration:
		return "The lesson planner is temporarily unavailable. Please try again in a few minutes."
	case domain.ActionHomeworkHelp:
		return "The tutor is temporarily unavailable and cannot walk through this question right now. " +
			"Please try again in a few minutes."
	case domain.ActionGrading, domain.ActionGradingStream:
		return "Automatic grading is temporarily unavailable. No score was produced for this " +
			"submission; please retry or grade it manually."
	default:
		return "The assistant is temporarily unavailable. Please try again in a few minutes."
	}
}
