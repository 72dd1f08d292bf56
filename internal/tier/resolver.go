// Package tier resolves a tenant's current subscription tier. The gateway
// only reads subscription state; billing mutations live elsewhere.
package tier

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edupro/ai-gateway/internal/cache"
	"github.com/edupro/ai-gateway/internal/domain"
)

// Subscription is the slice of a billing record the resolver cares about.
type Subscription struct {
	Plan      string
	Status    string
	CreatedAt time.Time
}

// Store exposes the two lookups the gateway needs from the billing side:
// the tenant's most recent active subscription, and the legacy tier column
// on the tenant record itself.
type Store interface {
	// ActiveSubscription returns domain.ErrNoSubscription when the tenant
	// has no subscription with status "active".
	ActiveSubscription(ctx context.Context, tenantID string) (*Subscription, error)

	// LegacyTier returns the tenant record's tier field, or "" when unset.
	// Returns domain.ErrTenantNotFound for unknown tenants.
	LegacyTier(ctx context.Context, tenantID string) (string, error)
}

// planTiers collapses historical and legacy plan labels onto the four
// canonical tiers. Unlisted labels resolve to free.
var planTiers = map[string]domain.Tier{
	"free":            domain.TierFree,
	"trial":           domain.TierFree,
	"starter":         domain.TierStarter,
	"basic":           domain.TierStarter,
	"standard":        domain.TierStarter,
	"classroom":       domain.TierStarter,
	"premium":         domain.TierPremium,
	"pro":             domain.TierPremium,
	"plus":            domain.TierPremium,
	"premium_annual":  domain.TierPremium,
	"enterprise":      domain.TierEnterprise,
	"school":          domain.TierEnterprise,
	"district":        domain.TierEnterprise,
	"campus":          domain.TierEnterprise,
}

// PlanTier normalizes a plan label to a tier.
func PlanTier(plan string) domain.Tier {
	if t, ok := planTiers[strings.ToLower(strings.TrimSpace(plan))]; ok {
		return t
	}
	return domain.TierFree
}

type Resolver struct {
	store    Store
	cache    cache.TierCache
	cacheTTL time.Duration
}

// NewResolver builds a resolver. The cache may be nil, in which case every
// resolution hits the store.
func NewResolver(store Store, tierCache cache.TierCache, cacheTTL time.Duration) *Resolver {
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Resolver{store: store, cache: tierCache, cacheTTL: cacheTTL}
}

// Resolve determines the tenant's current tier. Callers without a tenant
// (individual accounts) resolve to free. Resolution never fails: store
// errors and missing records all degrade to the free tier.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) domain.Tier {
	if tenantID == "" {
		return domain.TierFree
	}

	if r.cache != nil {
		if tier, ok := r.cache.Get(ctx, tenantID); ok {
			return tier
		}
	}

	tier := r.resolveFromStore(ctx, tenantID)

	if r.cache != nil {
		r.cache.Set(ctx, tenantID, tier, r.cacheTTL)
	}
	return tier
}

func (r *Resolver) resolveFromStore(ctx context.Context, tenantID string) domain.Tier {
	sub, err := r.store.ActiveSubscription(ctx, tenantID)
	if err == nil {
		return PlanTier(sub.Plan)
	}
	if !errors.Is(err, domain.ErrNoSubscription) {
		slog.Warn("subscription lookup failed, falling back to legacy tier",
			"tenant_id", tenantID, "error", err)
	}

	legacy, err := r.store.LegacyTier(ctx, tenantID)
	if err != nil || legacy == "" {
		return domain.TierFree
	}
	// Legacy columns carry the same historical labels as plans.
	return PlanTier(legacy)
}

// InMemoryStore is a Store backed by maps, used in tests and local runs.
type InMemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[string][]Subscription
	legacyTiers   map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		subscriptions: make(map[string][]Subscription),
		legacyTiers:   make(map[string]string),
	}
}

func (s *InMemoryStore) AddSubscription(tenantID string, sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[tenantID] = append(s.subscriptions[tenantID], sub)
}

func (s *InMemoryStore) SetLegacyTier(tenantID, tier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacyTiers[tenantID] = tier
}

func (s *InMemoryStore) ActiveSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Subscription
	for i := range s.subscriptions[tenantID] {
		sub := s.subscriptions[tenantID][i]
		if sub.Status != "active" {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = &sub
		}
	}
	if latest == nil {
		return nil, domain.ErrNoSubscription
	}
	return latest, nil
}

func (s *InMemoryStore) LegacyTier(ctx context.Context, tenantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tier, ok := s.legacyTiers[tenantID]
	if !ok {
		return "", domain.ErrTenantNotFound
	}
	return tier, nil
}
