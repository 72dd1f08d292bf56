package tier

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edupro/ai-gateway/internal/domain"
)

// PostgresStore reads subscriptions and tenant records from the billing
// database. Both tables are owned by the management application; this
// store never writes them.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ActiveSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	query := `
		SELECT plan, status, created_at
		FROM subscriptions
		WHERE tenant_id = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`

	var sub Subscription
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&sub.Plan, &sub.Status, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}

	return &sub, nil
}

func (s *PostgresStore) LegacyTier(ctx context.Context, tenantID string) (string, error) {
	query := `SELECT tier FROM tenants WHERE id = $1`

	var tier sql.NullString
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&tier)
	if err == sql.ErrNoRows {
		return "", domain.ErrTenantNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query tenant: %w", err)
	}

	if !tier.Valid {
		return "", nil
	}
	return tier.String, nil
}
