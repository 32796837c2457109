package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/zemipay/zemi-escrow/internal/escrow/domain"
	"github.com/zemipay/zemi-escrow/internal/provider/mpesa"
)

type fakePayoutService struct {
	started  map[uuid.UUID]string
	failed   map[uuid.UUID]string
	startErr error
}

func (f *fakePayoutService) StartDisbursement(_ context.Context, payoutID uuid.UUID, providerRef string) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.started == nil {
		f.started = map[uuid.UUID]string{}
	}
	f.started[payoutID] = providerRef
	return nil
}

func (f *fakePayoutService) FailDisbursement(_ context.Context, payoutID uuid.UUID, reason string) error {
	if f.failed == nil {
		f.failed = map[uuid.UUID]string{}
	}
	f.failed[payoutID] = reason
	return nil
}

type fakeDirectory struct {
	msisdn string
	err    error
}

func (f *fakeDirectory) SellerMSISDN(context.Context, string) (string, error) {
	return f.msisdn, f.err
}

type fakeDisburser struct {
	got  *mpesa.B2CRequest
	resp *mpesa.B2CResponse
	err  error
}

func (f *fakeDisburser) B2CPayment(_ context.Context, in mpesa.B2CRequest) (*mpesa.B2CResponse, error) {
	f.got = &in
	return f.resp, f.err
}

type fakeSeen struct{ keys map[string]bool }

func (f *fakeSeen) MessageKey(topic string, partition int, offset int64) string {
	return fmt.Sprintf("%s:%d:%d", topic, partition, offset)
}

func (f *fakeSeen) Seen(_ context.Context, key string) (bool, error) {
	if f.keys[key] {
		return true, nil
	}
	if f.keys == nil {
		f.keys = map[string]bool{}
	}
	f.keys[key] = true
	return false, nil
}

type consumerFixture struct {
	consumer *DisbursementConsumer
	svc      *fakePayoutService
	sellers  *fakeDirectory
	provider *fakeDisburser
	seen     *fakeSeen
}

func newConsumerFixture() *consumerFixture {
	f := &consumerFixture{
		svc:      &fakePayoutService{},
		sellers:  &fakeDirectory{msisdn: "254722000111"},
		provider: &fakeDisburser{resp: &mpesa.B2CResponse{ConversationID: "AG_1", ResponseCode: "0"}},
		seen:     &fakeSeen{keys: map[string]bool{}},
	}
	f.consumer = &DisbursementConsumer{
		log:      slog.Default(),
		svc:      f.svc,
		sellers:  f.sellers,
		provider: f.provider,
		seen:     f.seen,
		tracer:   otel.Tracer("disbursement-consumer-test"),
	}
	return f
}

func payoutRequestedMessage(t *testing.T, payoutID uuid.UUID, offset int64) kafka.Message {
	t.Helper()
	payload, err := json.Marshal(domain.PayoutRequested{
		PayoutID:         payoutID.String(),
		Reference:        "ZEM-7KQ2F9",
		Amount:           decimal.RequireFromString("1500.00"),
		SellerPhoneLast4: "0111",
	})
	require.NoError(t, err)
	return kafka.Message{
		Topic:     "escrow.events",
		Partition: 0,
		Offset:    offset,
		Key:       []byte("ZEM-7KQ2F9"),
		Value:     payload,
		Headers:   []kafka.Header{{Key: "event_type", Value: []byte(domain.EventPayoutRequested)}},
	}
}

func TestProcessMessage(t *testing.T) {
	f := newConsumerFixture()
	payoutID := uuid.New()

	err := f.consumer.processMessage(context.Background(), payoutRequestedMessage(t, payoutID, 1))
	require.NoError(t, err)

	require.NotNil(t, f.provider.got)
	assert.Equal(t, "254722000111", f.provider.got.PhoneNumber)
	assert.True(t, f.provider.got.Amount.Equal(decimal.RequireFromString("1500.00")))
	assert.Equal(t, "Escrow release ZEM-7KQ2F9", f.provider.got.Remarks)

	assert.Equal(t, "AG_1", f.svc.started[payoutID])
	assert.Empty(t, f.svc.failed)
}

func TestProcessMessageIgnoresOtherEvents(t *testing.T) {
	f := newConsumerFixture()

	msg := kafka.Message{
		Topic:   "escrow.events",
		Value:   []byte(`{"reference":"ZEM-7KQ2F9"}`),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(domain.EventOrderPaid)}},
	}
	require.NoError(t, f.consumer.processMessage(context.Background(), msg))
	assert.Nil(t, f.provider.got)
}

func TestProcessMessageDuplicateSkipped(t *testing.T) {
	f := newConsumerFixture()
	payoutID := uuid.New()
	msg := payoutRequestedMessage(t, payoutID, 7)

	require.NoError(t, f.consumer.processMessage(context.Background(), msg))
	require.NoError(t, f.consumer.processMessage(context.Background(), msg))

	// Redelivery of the same offset initiates exactly one payment.
	assert.Len(t, f.svc.started, 1)
}

func TestProcessMessageSellerLookupFails(t *testing.T) {
	f := newConsumerFixture()
	f.sellers.err = errors.New("directory unavailable")
	payoutID := uuid.New()

	err := f.consumer.processMessage(context.Background(), payoutRequestedMessage(t, payoutID, 2))
	require.NoError(t, err)

	assert.Nil(t, f.provider.got)
	assert.Contains(t, f.svc.failed[payoutID], "seller lookup failed")
}

func TestProcessMessageProviderFails(t *testing.T) {
	f := newConsumerFixture()
	f.provider.err = errors.New("daraja timeout")
	payoutID := uuid.New()

	err := f.consumer.processMessage(context.Background(), payoutRequestedMessage(t, payoutID, 3))
	require.NoError(t, err)

	assert.Empty(t, f.svc.started)
	assert.Contains(t, f.svc.failed[payoutID], "b2c initiation failed")
}

func TestProcessMessageAlreadyInProgress(t *testing.T) {
	f := newConsumerFixture()
	f.svc.startErr = domain.ErrInvalidTransition
	payoutID := uuid.New()

	// A competing consumer won the race; that is not an error here.
	err := f.consumer.processMessage(context.Background(), payoutRequestedMessage(t, payoutID, 4))
	require.NoError(t, err)
	assert.Empty(t, f.svc.failed)
}

func TestProcessMessageBadPayload(t *testing.T) {
	f := newConsumerFixture()

	msg := kafka.Message{
		Topic:   "escrow.events",
		Offset:  5,
		Value:   []byte(`{broken`),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(domain.EventPayoutRequested)}},
	}
	err := f.consumer.processMessage(context.Background(), msg)
	require.Error(t, err)
}
