// Package application implements the webhook ingress log. It is audit
// trail only: it never drives orchestration decisions, and its failures
// must never abort an otherwise-valid money-state transition.
package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zemipay/zemi-escrow/internal/audit/domain"
)

type Store interface {
	Insert(ctx context.Context, entry *domain.LogEntry) error
	MarkProcessed(ctx context.Context, id uuid.UUID, transactionID, processingError *string) error
}

type Service struct {
	log   *slog.Logger
	store Store
}

func NewService(log *slog.Logger, store Store) *Service {
	return &Service{log: log, store: store}
}

// Record writes the raw callback before anything parses it, so malformed
// or adversarial payloads are never lost.
func (s *Service) Record(ctx context.Context, webhookType string, payload json.RawMessage, headers map[string]string) (*domain.LogEntry, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		// Keep unparseable bodies anyway, wrapped so the column stays JSON.
		wrapped, _ := json.Marshal(map[string]string{"raw": string(payload)})
		payload = wrapped
	}
	entry := &domain.LogEntry{
		ID:          uuid.New(),
		WebhookType: webhookType,
		Payload:     payload,
		Headers:     headers,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, entry); err != nil {
		s.log.Error("webhook log write failed", "type", webhookType, "err", err)
		return nil, err
	}
	return entry, nil
}

// MarkProcessed sets the post-handling fields. transactionID correlates
// the entry to a payment record when one could be extracted.
func (s *Service) MarkProcessed(ctx context.Context, id uuid.UUID, transactionID, processingError *string) error {
	if err := s.store.MarkProcessed(ctx, id, transactionID, processingError); err != nil {
		s.log.Error("webhook log update failed", "entry_id", id, "err", err)
		return err
	}
	return nil
}
