// Package usage persists one immutable record per completed exchange and
// answers the monthly counts the quota ledger needs. The log is the single
// source of truth for per-tenant usage; there is no separate counter to
// drift from it.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/edupro/ai-gateway/internal/domain"
)

// Store is the durable backend for usage records.
type Store interface {
	Record(ctx context.Context, entry domain.UsageLogEntry) error

	// CountSince counts entries for (tenant, feature) created at or after
	// since. Used to derive the current calendar-month quota consumption.
	CountSince(ctx context.Context, tenantID, feature string, since time.Time) (int, error)
}

// A Sink receives a copy of every recorded entry. Sinks are best-effort
// side channels (billing queue, analytics); their failures never propagate.
type Sink interface {
	Record(ctx context.Context, entry domain.UsageLogEntry) error
}

// InMemoryStore keeps entries in a slice. Used by tests and keyless local
// runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []domain.UsageLogEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Record(ctx context.Context, entry domain.UsageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *InMemoryStore) CountSince(ctx context.Context, tenantID, feature string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.entries {
		if e.TenantID == tenantID && e.Feature == feature && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// Entries returns a copy of everything recorded so far.
func (s *InMemoryStore) Entries() []domain.UsageLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UsageLogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
