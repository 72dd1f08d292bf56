// Package quota enforces per-tenant monthly request allowances. Usage is
// derived by counting usage-log entries in the current UTC calendar month,
// so the ledger resets itself at the month boundary and cannot drift from
// the log.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/edupro/ai-gateway/internal/domain"
)

// Unlimited marks a tier with no monthly allowance.
const Unlimited = -1

// Limits holds the per-tier monthly allowance (per feature) and the
// requests-per-minute ceiling. Injected at startup; immutable afterwards.
type Limits struct {
	Monthly map[domain.Tier]int
	RPM     map[domain.Tier]int
}

func DefaultLimits() Limits {
	return Limits{
		Monthly: map[domain.Tier]int{
			domain.TierFree:       50,
			domain.TierStarter:    500,
			domain.TierPremium:    2000,
			domain.TierEnterprise: Unlimited,
		},
		RPM: map[domain.Tier]int{
			domain.TierFree:       5,
			domain.TierStarter:    20,
			domain.TierPremium:    60,
			domain.TierEnterprise: 120,
		},
	}
}

// RPMLimit returns the requests-per-minute ceiling for a tier.
func (l Limits) RPMLimit(t domain.Tier) int {
	if rpm, ok := l.RPM[t]; ok {
		return rpm
	}
	return l.RPM[domain.TierFree]
}

// Counter is the slice of the usage store the ledger reads.
type Counter interface {
	CountSince(ctx context.Context, tenantID, feature string, since time.Time) (int, error)
}

// Decision is the outcome of a quota check. Used and Limit are only
// meaningful when a finite allowance was consulted.
type Decision struct {
	Allowed bool
	Used    int
	Limit   int
}

type Ledger struct {
	counter Counter
	limits  Limits
	devMode bool
	now     func() time.Time
}

// NewLedger builds a quota ledger. devMode lifts the free-tier monthly
// allowance for local testing and must stay off in production.
func NewLedger(counter Counter, limits Limits, devMode bool) *Ledger {
	return &Ledger{counter: counter, limits: limits, devMode: devMode, now: time.Now}
}

// Check decides whether one more (tenant, feature) request fits in the
// current month. Callers without a tenant always pass: monthly allowances
// bill organizations, and individuals are bounded by the RPM ceiling
// alone. A failing counter also passes; the ledger is an accounting
// control, not a capacity limiter, and must fail open.
func (l *Ledger) Check(ctx context.Context, tenantID, feature string, tier domain.Tier) Decision {
	if tenantID == "" {
		return Decision{Allowed: true}
	}

	limit, ok := l.limits.Monthly[tier]
	if !ok || limit == Unlimited {
		return Decision{Allowed: true, Limit: Unlimited}
	}
	if l.devMode && tier == domain.TierFree {
		return Decision{Allowed: true, Limit: Unlimited}
	}

	used, err := l.counter.CountSince(ctx, tenantID, feature, monthStart(l.now()))
	if err != nil {
		slog.Warn("quota count failed, allowing request",
			"tenant_id", tenantID, "feature", feature, "error", err)
		return Decision{Allowed: true, Limit: limit}
	}

	return Decision{Allowed: used < limit, Used: used, Limit: limit}
}

// monthStart is the first instant of the current UTC calendar month.
func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
