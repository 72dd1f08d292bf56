package cache

import (
	"context"
	"testing"
	"time"

	"github.com/edupro/ai-gateway/internal/domain"
)

func TestInMemoryTierCache_SetGet(t *testing.T) {
	c := NewInMemoryTierCache()
	ctx := context.Background()

	if _, ok := c.Get(ctx, "org-1"); ok {
		t.Error("Get() on empty cache should miss")
	}

	c.Set(ctx, "org-1", domain.TierPremium, time.Minute)

	tier, ok := c.Get(ctx, "org-1")
	if !ok {
		t.Fatal("Get() after Set() should hit")
	}
	if tier != domain.TierPremium {
		t.Errorf("Get() = %v, want %v", tier, domain.TierPremium)
	}
}

func TestInMemoryTierCache_Expiry(t *testing.T) {
	c := NewInMemoryTierCache()
	ctx := context.Background()

	c.Set(ctx, "org-1", domain.TierStarter, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(ctx, "org-1"); ok {
		t.Error("Get() after TTL should miss")
	}
}

func TestInMemoryTierCache_Overwrite(t *testing.T) {
	c := NewInMemoryTierCache()
	ctx := context.Background()

	c.Set(ctx, "org-1", domain.TierFree, time.Minute)
	c.Set(ctx, "org-1", domain.TierEnterprise, time.Minute)

	tier, ok := c.Get(ctx, "org-1")
	if !ok || tier != domain.TierEnterprise {
		t.Errorf("Get() = (%v, %v), want (enterprise, true)", tier, ok)
	}
}
