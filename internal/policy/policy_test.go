package policy

import (
	"testing"

	"github.com/edupro/ai-gateway/internal/catalog"
	"github.com/edupro/ai-gateway/internal/domain"
)

var allTiers = []domain.Tier{
	domain.TierFree,
	domain.TierStarter,
	domain.TierPremium,
	domain.TierEnterprise,
}

func TestCanAccessModel(t *testing.T) {
	p := New(catalog.Default())

	tests := []struct {
		name  string
		tier  domain.Tier
		model string
		want  bool
	}{
		{"free fast", domain.TierFree, catalog.ModelFast, true},
		{"free balanced", domain.TierFree, catalog.ModelBalanced, false},
		{"free advanced", domain.TierFree, catalog.ModelAdvanced, false},
		{"starter balanced", domain.TierStarter, catalog.ModelBalanced, true},
		{"starter advanced", domain.TierStarter, catalog.ModelAdvanced, false},
		{"premium advanced", domain.TierPremium, catalog.ModelAdvanced, true},
		{"enterprise advanced", domain.TierEnterprise, catalog.ModelAdvanced, true},
		{"unknown model", domain.TierEnterprise, "no-such-model", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.CanAccessModel(tt.tier, tt.model); got != tt.want {
				t.Errorf("CanAccessModel(%v, %q) = %v, want %v", tt.tier, tt.model, got, tt.want)
			}
		})
	}
}

// Access must be monotonic: everything a tier can use, every higher tier
// can use too.
func TestAccessMonotonicOverTiers(t *testing.T) {
	c := catalog.Default()
	p := New(c)

	for i, lower := range allTiers {
		for _, higher := range allTiers[i:] {
			for _, model := range c.Models() {
				if p.CanAccessModel(lower, model) && !p.CanAccessModel(higher, model) {
					t.Errorf("model %q accessible at %v but not at higher tier %v", model, lower, higher)
				}
			}
		}
	}
}

func TestEffectiveModel(t *testing.T) {
	p := New(catalog.Default())

	t.Run("empty request takes tier default", func(t *testing.T) {
		model, downgraded := p.EffectiveModel(domain.TierFree, "")
		if model != catalog.ModelFast || downgraded {
			t.Errorf("EffectiveModel(free, \"\") = (%q, %v)", model, downgraded)
		}
	})

	t.Run("allowed request passes through", func(t *testing.T) {
		model, downgraded := p.EffectiveModel(domain.TierStarter, "balanced")
		if model != catalog.ModelBalanced || downgraded {
			t.Errorf("EffectiveModel(starter, balanced) = (%q, %v)", model, downgraded)
		}
	})

	t.Run("denied request downgrades to tier default", func(t *testing.T) {
		model, downgraded := p.EffectiveModel(domain.TierStarter, "advanced")
		if model != catalog.ModelFast || !downgraded {
			t.Errorf("EffectiveModel(starter, advanced) = (%q, %v)", model, downgraded)
		}
	})

	t.Run("unrecognized spelling normalizes before the check", func(t *testing.T) {
		model, downgraded := p.EffectiveModel(domain.TierPremium, "claude-3-opus-latest")
		if model != catalog.ModelAdvanced || downgraded {
			t.Errorf("EffectiveModel(premium, versioned opus) = (%q, %v)", model, downgraded)
		}
	})
}

// The resolved effective model must always be accessible to the tier that
// resolved it, whatever was requested.
func TestEffectiveModelAlwaysAccessible(t *testing.T) {
	p := New(catalog.Default())

	requests := []string{"", "fast", "balanced", "advanced", "opus", "gpt-4", "garbage"}
	for _, tier := range allTiers {
		for _, req := range requests {
			model, _ := p.EffectiveModel(tier, req)
			if !p.CanAccessModel(tier, model) {
				t.Errorf("EffectiveModel(%v, %q) = %q, which %v cannot access", tier, req, model, tier)
			}
		}
	}
}
