package auth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edupro/ai-gateway/internal/domain"
)

// PostgresVerifier looks up API keys in the api_keys table.
type PostgresVerifier struct {
	db *sql.DB
}

func NewPostgresVerifier(db *sql.DB) *PostgresVerifier {
	return &PostgresVerifier{db: db}
}

func (v *PostgresVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	id, secret, ok := splitToken(token)
	if !ok {
		return nil, domain.ErrUnauthorized
	}

	query := `
		SELECT id, user_id, tenant_id, secret_hash, enabled
		FROM api_keys
		WHERE id = $1
	`

	var key APIKey
	var tenant sql.NullString
	err := v.db.QueryRowContext(ctx, query, id).Scan(
		&key.ID, &key.UserID, &tenant, &key.SecretHash, &key.Enabled,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	key.TenantID = tenant.String

	return verifyKey(&key, secret)
}
