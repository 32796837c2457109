package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zemipay/zemi-escrow/internal/audit/domain"
)

// Store writes webhook_logs on its own pool connection, deliberately
// outside the orchestrator's transaction boundary.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func (s *Store) Insert(ctx context.Context, entry *domain.LogEntry) error {
	headers := entry.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_logs (id, webhook_type, payload, headers, processed, created_at)
		VALUES ($1,$2,$3,$4,false,$5)`,
		entry.ID, entry.WebhookType, []byte(entry.Payload), headers, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID, transactionID, processingError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_logs
		SET processed=true, transaction_id=$2, processing_error=$3
		WHERE id=$1`,
		id, transactionID, processingError,
	)
	if err != nil {
		return fmt.Errorf("update webhook log: %w", err)
	}
	return nil
}
