package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zemipay/zemi-escrow/internal/escrow/domain"
	"github.com/zemipay/zemi-escrow/internal/provider/mpesa"
	"github.com/zemipay/zemi-escrow/pkg/tracing"
)

// SellerDirectory resolves the disbursement MSISDN for an order. Only
// phone hashes are persisted, so the plaintext number has to come from
// the seller-onboarding collaborator.
type SellerDirectory interface {
	SellerMSISDN(ctx context.Context, orderReference string) (string, error)
}

// Disburser initiates the provider-side B2C payment.
type Disburser interface {
	B2CPayment(ctx context.Context, in mpesa.B2CRequest) (*mpesa.B2CResponse, error)
}

// PayoutService mutates payout state around disbursement initiation.
type PayoutService interface {
	StartDisbursement(ctx context.Context, payoutID uuid.UUID, providerRef string) error
	FailDisbursement(ctx context.Context, payoutID uuid.UUID, reason string) error
}

// SeenStore deduplicates redelivered messages.
type SeenStore interface {
	MessageKey(topic string, partition int, offset int64) string
	Seen(ctx context.Context, key string) (bool, error)
}

// DisbursementConsumer reads PayoutRequested events and hands each payout
// to the provider. It runs outside any row lock: the payout record in
// pending state is the durable intent it works from.
type DisbursementConsumer struct {
	log      *slog.Logger
	reader   *kafka.Reader
	svc      PayoutService
	sellers  SellerDirectory
	provider Disburser
	seen     SeenStore
	tracer   trace.Tracer
}

func NewDisbursementConsumer(log *slog.Logger, brokers []string, topic, group string,
	svc PayoutService, sellers SellerDirectory, provider Disburser, seen SeenStore) *DisbursementConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &DisbursementConsumer{
		log:      log,
		reader:   r,
		svc:      svc,
		sellers:  sellers,
		provider: provider,
		seen:     seen,
		tracer:   otel.Tracer("disbursement-consumer"),
	}
}

func (c *DisbursementConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.processMessage(ctx, msg); err != nil {
			c.log.Error("disbursement processing failed", "offset", msg.Offset, "err", err)
		}
		_ = c.reader.CommitMessages(ctx, msg)
	}
}

func (c *DisbursementConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	if headerValue(msg.Headers, "event_type") != domain.EventPayoutRequested {
		return nil
	}

	key := c.seen.MessageKey(msg.Topic, msg.Partition, msg.Offset)
	seen, err := c.seen.Seen(ctx, key)
	if err != nil {
		c.log.Error("idempotency check failed", "err", err)
	} else if seen {
		c.log.Info("duplicate message skipped", "key", key)
		return nil
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "InitiateDisbursement")
	defer span.End()

	var event domain.PayoutRequested
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("unmarshal payout request: %w", err)
	}
	payoutID, err := uuid.Parse(event.PayoutID)
	if err != nil {
		return fmt.Errorf("parse payout id %q: %w", event.PayoutID, err)
	}

	msisdn, err := c.sellers.SellerMSISDN(msgCtx, event.Reference)
	if err != nil {
		return c.fail(msgCtx, payoutID, fmt.Sprintf("seller lookup failed: %v", err))
	}

	resp, err := c.provider.B2CPayment(msgCtx, mpesa.B2CRequest{
		PhoneNumber: msisdn,
		Amount:      event.Amount,
		Remarks:     "Escrow release " + event.Reference,
		Occasion:    event.Reference,
	})
	if err != nil {
		return c.fail(msgCtx, payoutID, fmt.Sprintf("b2c initiation failed: %v", err))
	}

	if err := c.svc.StartDisbursement(msgCtx, payoutID, resp.ConversationID); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Another consumer instance already took this payout forward.
			c.log.Info("payout already in progress", "payout_id", payoutID)
			return nil
		}
		return err
	}

	c.log.Info("disbursement initiated", "payout_id", payoutID,
		"reference", event.Reference, "conversation_id", resp.ConversationID)
	return nil
}

func (c *DisbursementConsumer) fail(ctx context.Context, payoutID uuid.UUID, reason string) error {
	if err := c.svc.FailDisbursement(ctx, payoutID, reason); err != nil {
		return fmt.Errorf("mark payout failed: %w", err)
	}
	c.log.Warn("payout marked failed", "payout_id", payoutID, "reason", reason)
	return nil
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
