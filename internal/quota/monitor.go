package quota

import (
	"context"
	"sync"
	"time"

	"github.com/edupro/ai-gateway/internal/domain"
	"github.com/edupro/ai-gateway/internal/notifications"
)

// Monitor raises a notification as a tenant approaches its monthly
// allowance. Each level fires once per tenant until consumption drops
// back below the warning threshold (a new month, in practice).
type Monitor struct {
	mu         sync.Mutex
	counter    Counter
	limits     Limits
	notifier   notifications.Notifier
	thresholds Thresholds
	lastLevels map[string]notifications.Level
	now        func() time.Time
}

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.8, Critical: 0.95}
}

func NewMonitor(counter Counter, limits Limits, notifier notifications.Notifier, thresholds Thresholds) *Monitor {
	return &Monitor{
		counter:    counter,
		limits:     limits,
		notifier:   notifier,
		thresholds: thresholds,
		lastLevels: make(map[string]notifications.Level),
		now:        time.Now,
	}
}

// Observe checks a tenant's consumption for a feature after an exchange
// and notifies on threshold crossings. Errors are swallowed; alerting is
// best-effort.
func (m *Monitor) Observe(ctx context.Context, tenantID, feature string, tier domain.Tier) {
	if tenantID == "" || m.notifier == nil {
		return
	}

	limit, ok := m.limits.Monthly[tier]
	if !ok || limit == Unlimited {
		return
	}

	used, err := m.counter.CountSince(ctx, tenantID, feature, monthStart(m.now()))
	if err != nil {
		return
	}

	ratio := float64(used) / float64(limit)

	var level notifications.Level
	switch {
	case ratio >= 1.0:
		level = notifications.LevelQuotaExceeded
	case ratio >= m.thresholds.Critical:
		level = notifications.LevelQuotaCritical
	case ratio >= m.thresholds.Warning:
		level = notifications.LevelQuotaWarning
	default:
		m.mu.Lock()
		delete(m.lastLevels, tenantID+"/"+feature)
		m.mu.Unlock()
		return
	}

	key := tenantID + "/" + feature
	m.mu.Lock()
	if m.lastLevels[key] == level {
		m.mu.Unlock()
		return
	}
	m.lastLevels[key] = level
	m.mu.Unlock()

	m.notifier.Send(ctx, notifications.Notification{
		Level:    level,
		TenantID: tenantID,
		Message:  "monthly AI request allowance threshold crossed",
		Data: map[string]interface{}{
			"feature": feature,
			"tier":    tier.String(),
			"used":    used,
			"limit":   limit,
		},
	})
}
