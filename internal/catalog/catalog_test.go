package catalog

import (
	"testing"

	"github.com/edupro/ai-gateway/internal/domain"
)

func TestNormalize(t *testing.T) {
	c := Default()

	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{"exact fast", "fast", ModelFast},
		{"exact balanced", "balanced", ModelBalanced},
		{"exact advanced", "advanced", ModelAdvanced},
		{"alias haiku", "haiku", ModelFast},
		{"alias opus", "opus", ModelAdvanced},
		{"alias default", "default", ModelBalanced},
		{"provider id", "claude-3-5-sonnet-20241022", ModelBalanced},
		{"versioned spelling", "claude-3-opus-latest", ModelAdvanced},
		{"mixed case", "FAST", ModelFast},
		{"whitespace", "  balanced  ", ModelBalanced},
		{"unknown falls back", "gpt-4", ModelFast},
		{"empty falls back", "", ModelFast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Normalize(tt.requested); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.requested, got, tt.want)
			}
		})
	}
}

func TestProviderID(t *testing.T) {
	c := Default()

	if got := c.ProviderID(ModelAdvanced); got != "claude-3-opus-20240229" {
		t.Errorf("ProviderID(advanced) = %q", got)
	}

	// Unknown ids route through the fallback family.
	if got := c.ProviderID("no-such-model"); got != "claude-3-5-haiku-20241022" {
		t.Errorf("ProviderID(unknown) = %q, want fallback provider id", got)
	}
}

func TestTierDefaultAccessible(t *testing.T) {
	c := Default()

	tiers := []domain.Tier{domain.TierFree, domain.TierStarter, domain.TierPremium, domain.TierEnterprise}
	for _, tier := range tiers {
		def := c.TierDefault(tier)
		min, ok := c.MinTier(def)
		if !ok {
			t.Fatalf("tier %s default %q not in catalog", tier, def)
		}
		if min > tier {
			t.Errorf("tier %s default %q requires higher tier %s", tier, def, min)
		}
	}
}

func TestMinTierMapping(t *testing.T) {
	c := Default()

	tests := []struct {
		model string
		want  domain.Tier
	}{
		{ModelFast, domain.TierFree},
		{ModelBalanced, domain.TierStarter},
		{ModelAdvanced, domain.TierPremium},
	}

	for _, tt := range tests {
		got, ok := c.MinTier(tt.model)
		if !ok {
			t.Fatalf("MinTier(%q) not found", tt.model)
		}
		if got != tt.want {
			t.Errorf("MinTier(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}
