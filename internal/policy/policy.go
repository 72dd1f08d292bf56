// Package policy decides which models a resolved subscription tier may use.
// The check runs strictly before any provider call; client-declared tiers
// or models are never trusted on their own.
package policy

import (
	"github.com/edupro/ai-gateway/internal/catalog"
	"github.com/edupro/ai-gateway/internal/domain"
)

type Policy struct {
	catalog *catalog.Catalog
}

func New(c *catalog.Catalog) *Policy {
	return &Policy{catalog: c}
}

// CanAccessModel reports whether a tier may use a canonical model id.
// Access is monotonic over the tier ordering: every model accessible at a
// tier is accessible at all higher tiers.
func (p *Policy) CanAccessModel(tier domain.Tier, modelID string) bool {
	min, ok := p.catalog.MinTier(modelID)
	if !ok {
		return false
	}
	return tier >= min
}

// EffectiveModel resolves the model an exchange will actually use.
// An empty request takes the tier default. A recognized-but-denied request
// also resolves to the tier default, with downgraded=true so the dispatcher
// can reject explicit requests instead of silently substituting.
func (p *Policy) EffectiveModel(tier domain.Tier, requested string) (modelID string, downgraded bool) {
	if requested == "" {
		return p.catalog.TierDefault(tier), false
	}
	id := p.catalog.Normalize(requested)
	if p.CanAccessModel(tier, id) {
		return id, false
	}
	return p.catalog.TierDefault(tier), true
}
