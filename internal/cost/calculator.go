// Package cost estimates the provider cost of an exchange from reported
// token counts. Estimates feed the usage log for analytics; they are never
// exposed to callers.
package cost

import "github.com/edupro/ai-gateway/internal/domain"

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

var defaultPricing = map[string]ModelPricing{
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
}

type Calculator struct {
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	return &Calculator{pricing: defaultPricing}
}

// Estimate returns the USD cost for usage on a provider model id. Unknown
// models and missing usage estimate to zero.
func (c *Calculator) Estimate(providerModelID string, usage *domain.TokenUsage) float64 {
	if usage == nil {
		return 0
	}
	pricing, ok := c.pricing[providerModelID]
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1000*pricing.InputPer1K +
		float64(usage.OutputTokens)/1000*pricing.OutputPer1K
}
