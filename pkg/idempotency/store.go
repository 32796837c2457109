// Package idempotency deduplicates deliveries that may legitimately
// arrive more than once: provider webhooks and kafka messages. It is a
// best-effort fast path; money-state correctness never depends on it.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// MessageKey identifies a kafka delivery by its coordinates.
func (s *Store) MessageKey(topic string, partition int, offset int64) string {
	return fmt.Sprintf("idem:%s:%d:%d", topic, partition, offset)
}

// WebhookKey identifies an inbound provider callback, e.g. by its
// CheckoutRequestID.
func (s *Store) WebhookKey(webhookType, providerID string) string {
	return fmt.Sprintf("idem:webhook:%s:%s", webhookType, providerID)
}

// Seen marks key as handled and reports whether it had been seen before.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
