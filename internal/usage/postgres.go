package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/edupro/ai-gateway/internal/crypto"
	"github.com/edupro/ai-gateway/internal/domain"
)

// PostgresStore writes usage records to the ai_usage_logs table. When an
// encryptor is configured the serialized input and output columns are
// stored as ciphertext; student work never sits in the database in the
// clear.
type PostgresStore struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
}

func NewPostgresStore(db *sql.DB, encryptor *crypto.Encryptor) *PostgresStore {
	return &PostgresStore{db: db, encryptor: encryptor}
}

func (s *PostgresStore) Record(ctx context.Context, entry domain.UsageLogEntry) error {
	input, output := entry.Input, entry.Output
	if s.encryptor != nil {
		var err error
		if input, err = s.encryptor.Encrypt(input); err != nil {
			return fmt.Errorf("encrypt input: %w", err)
		}
		if output, err = s.encryptor.Encrypt(output); err != nil {
			return fmt.Errorf("encrypt output: %w", err)
		}
	}

	query := `
		INSERT INTO ai_usage_logs
			(id, tenant_id, user_id, feature, model, system_prompt, input, output,
			 input_tokens, output_tokens, cost_usd, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		nullString(entry.TenantID),
		entry.UserID,
		entry.Feature,
		entry.Model,
		entry.SystemPrompt,
		input,
		output,
		entry.InputTokens,
		entry.OutputTokens,
		entry.CostUSD,
		entry.Status,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}

	return nil
}

func (s *PostgresStore) CountSince(ctx context.Context, tenantID, feature string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM ai_usage_logs
		WHERE tenant_id = $1 AND feature = $2 AND created_at >= $3
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, tenantID, feature, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count usage logs: %w", err)
	}

	return count, nil
}

// TenantEntries returns decrypted records for a tenant since a point in
// time, newest first. Serves billing exports and operator tooling.
func (s *PostgresStore) TenantEntries(ctx context.Context, tenantID string, since time.Time) ([]domain.UsageLogEntry, error) {
	query := `
		SELECT id, tenant_id, user_id, feature, model, system_prompt, input, output,
		       input_tokens, output_tokens, cost_usd, status, created_at
		FROM ai_usage_logs
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.UsageLogEntry
	for rows.Next() {
		var e domain.UsageLogEntry
		var tenant sql.NullString
		err := rows.Scan(&e.ID, &tenant, &e.UserID, &e.Feature, &e.Model, &e.SystemPrompt,
			&e.Input, &e.Output, &e.InputTokens, &e.OutputTokens, &e.CostUSD, &e.Status, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan usage log: %w", err)
		}
		e.TenantID = tenant.String
		if s.encryptor != nil {
			if input, err := s.encryptor.Decrypt(e.Input); err == nil {
				e.Input = input
			}
			if output, err := s.encryptor.Decrypt(e.Output); err == nil {
				e.Output = output
			}
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
