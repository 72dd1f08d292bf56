// Package catalog maps abstract model identifiers to concrete provider
// model IDs and to the minimum subscription tier each model requires.
// The catalog is immutable after construction; alternate policies are
// supplied by constructing a different catalog, not by mutating this one.
package catalog

import (
	"strings"

	"github.com/edupro/ai-gateway/internal/domain"
)

// Abstract model identifiers exposed to callers.
const (
	ModelFast     = "fast"
	ModelBalanced = "balanced"
	ModelAdvanced = "advanced"
)

// Entry binds one abstract model id to its provider model and minimum tier.
type Entry struct {
	ID         string
	ProviderID string
	MinTier    domain.Tier
}

type Catalog struct {
	entries      map[string]Entry
	tierDefaults map[domain.Tier]string
	aliases      map[string]string
	fallback     string
}

// Config describes a catalog. All maps are copied on construction.
type Config struct {
	Entries      []Entry
	TierDefaults map[domain.Tier]string
	Aliases      map[string]string
	Fallback     string
}

func New(cfg Config) *Catalog {
	c := &Catalog{
		entries:      make(map[string]Entry, len(cfg.Entries)),
		tierDefaults: make(map[domain.Tier]string, len(cfg.TierDefaults)),
		aliases:      make(map[string]string, len(cfg.Aliases)),
		fallback:     cfg.Fallback,
	}
	for _, e := range cfg.Entries {
		c.entries[e.ID] = e
	}
	for t, id := range cfg.TierDefaults {
		c.tierDefaults[t] = id
	}
	for alias, id := range cfg.Aliases {
		c.aliases[strings.ToLower(alias)] = id
	}
	return c
}

// Default returns the production catalog: three Claude families, each
// gated by the cheapest tier entitled to it.
func Default() *Catalog {
	return DefaultWithFallback(ModelFast)
}

// DefaultWithFallback is Default with the unrecognized-model fallback
// family replaced. An unknown fallback id degrades to the fast family.
func DefaultWithFallback(fallback string) *Catalog {
	switch fallback {
	case ModelFast, ModelBalanced, ModelAdvanced:
	default:
		fallback = ModelFast
	}
	return defaultCatalog(fallback)
}

func defaultCatalog(fallback string) *Catalog {
	return New(Config{
		Entries: []Entry{
			{ID: ModelFast, ProviderID: "claude-3-5-haiku-20241022", MinTier: domain.TierFree},
			{ID: ModelBalanced, ProviderID: "claude-3-5-sonnet-20241022", MinTier: domain.TierStarter},
			{ID: ModelAdvanced, ProviderID: "claude-3-opus-20240229", MinTier: domain.TierPremium},
		},
		TierDefaults: map[domain.Tier]string{
			domain.TierFree:       ModelFast,
			domain.TierStarter:    ModelFast,
			domain.TierPremium:    ModelBalanced,
			domain.TierEnterprise: ModelBalanced,
		},
		Aliases: map[string]string{
			"haiku":    ModelFast,
			"cheap":    ModelFast,
			"quick":    ModelFast,
			"sonnet":   ModelBalanced,
			"default":  ModelBalanced,
			"standard": ModelBalanced,
			"opus":     ModelAdvanced,
			"best":     ModelAdvanced,
			"smart":    ModelAdvanced,
		},
		Fallback: fallback,
	})
}

// Lookup returns the entry for a canonical model id.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// ProviderID returns the concrete provider model id for a canonical model.
// Unknown ids resolve through the fallback family so the relay never
// receives an unmapped model.
func (c *Catalog) ProviderID(id string) string {
	if e, ok := c.entries[id]; ok {
		return e.ProviderID
	}
	return c.entries[c.fallback].ProviderID
}

// MinTier returns the minimum tier required for a canonical model id.
func (c *Catalog) MinTier(id string) (domain.Tier, bool) {
	e, ok := c.entries[id]
	return e.MinTier, ok
}

// TierDefault returns the default model configured for a tier. The default
// is always a model the tier itself can access.
func (c *Catalog) TierDefault(t domain.Tier) string {
	if id, ok := c.tierDefaults[t]; ok {
		return id
	}
	return c.fallback
}

// Normalize collapses a caller-supplied model string onto a canonical
// catalog id. Matching is liberal: exact ids, configured aliases, and
// provider-versioned spellings all resolve; anything unrecognized falls
// back to the default family. Tier enforcement happens after this step.
func (c *Catalog) Normalize(requested string) string {
	s := strings.ToLower(strings.TrimSpace(requested))
	if s == "" {
		return c.fallback
	}
	if _, ok := c.entries[s]; ok {
		return s
	}
	if id, ok := c.aliases[s]; ok {
		return id
	}
	for id, e := range c.entries {
		if strings.EqualFold(e.ProviderID, s) {
			return id
		}
	}
	// Versioned provider spellings like "claude-3-opus-latest".
	switch {
	case strings.Contains(s, "haiku"):
		return ModelFast
	case strings.Contains(s, "sonnet"):
		return ModelBalanced
	case strings.Contains(s, "opus"):
		return ModelAdvanced
	}
	return c.fallback
}

// Models lists the canonical model ids in the catalog.
func (c *Catalog) Models() []string {
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}
