package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/zemipay/zemi-escrow/internal/escrow/domain"
)

const (
	minDescriptionLen = 5
	maxDescriptionLen = 1000
)

var deliveryCodePattern = regexp.MustCompile(`^\d{6}$`)

type Config struct {
	// MaxOrderAmount caps a single order; zero means the 500000 default.
	MaxOrderAmount decimal.Decimal
	// ReferenceAttempts bounds retries on reference collision.
	ReferenceAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxOrderAmount.IsZero() {
		c.MaxOrderAmount = decimal.NewFromInt(500000)
	}
	if c.ReferenceAttempts <= 0 {
		c.ReferenceAttempts = 5
	}
	return c
}

// Service is the escrow orchestrator. Each operation runs inside a single
// unit of work; the row lock on the order is the only serialization
// mechanism between concurrent callers.
type Service struct {
	log    *slog.Logger
	uow    UnitOfWork
	reader OrderReader
	hasher SecretHasher
	cfg    Config
}

func NewService(log *slog.Logger, uow UnitOfWork, reader OrderReader, hasher SecretHasher, cfg Config) *Service {
	return &Service{
		log:    log,
		uow:    uow,
		reader: reader,
		hasher: hasher,
		cfg:    cfg.withDefaults(),
	}
}

type CreateOrderInput struct {
	BuyerPhone         string
	SellerPhone        string
	Amount             decimal.Decimal
	ProductDescription string
}

type CreateOrderResult struct {
	Order *domain.Order
	// DeliveryCode is returned in plaintext exactly once; only its hash
	// is persisted.
	DeliveryCode string
}

func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	if !in.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if in.Amount.GreaterThan(s.cfg.MaxOrderAmount) {
		return nil, domain.ErrAmountLimitExceeded
	}
	if n := len(in.ProductDescription); n < minDescriptionLen || n > maxDescriptionLen {
		return nil, domain.ErrInvalidDescription
	}

	buyerPhone, err := domain.NormalizePhone(in.BuyerPhone)
	if err != nil {
		return nil, err
	}
	sellerPhone, err := domain.NormalizePhone(in.SellerPhone)
	if err != nil {
		return nil, err
	}

	code := domain.NewDeliveryCode()

	buyerHash, err := s.hasher.Hash(buyerPhone)
	if err != nil {
		return nil, fmt.Errorf("hash buyer phone: %w", err)
	}
	sellerHash, err := s.hasher.Hash(sellerPhone)
	if err != nil {
		return nil, fmt.Errorf("hash seller phone: %w", err)
	}
	codeHash, err := s.hasher.Hash(code)
	if err != nil {
		return nil, fmt.Errorf("hash delivery code: %w", err)
	}

	for attempt := 0; attempt < s.cfg.ReferenceAttempts; attempt++ {
		now := time.Now().UTC()
		order := &domain.Order{
			ID:                 uuid.New(),
			Reference:          domain.NewOrderReference(),
			BuyerPhoneHash:     buyerHash,
			BuyerPhoneLast4:    domain.PhoneLast4(buyerPhone),
			SellerPhoneHash:    sellerHash,
			SellerPhoneLast4:   domain.PhoneLast4(sellerPhone),
			Amount:             in.Amount,
			ProductDescription: in.ProductDescription,
			DeliveryCodeHash:   codeHash,
			Status:             domain.StatusAwaitingPayment,
			CreatedAt:          now,
			UpdatedAt:          now,
		}

		err := s.uow.Do(ctx, func(ctx context.Context, st Stores) error {
			if err := st.CreateOrder(ctx, order); err != nil {
				return err
			}
			return s.appendEvent(ctx, st, domain.EventOrderCreated, order.Reference, domain.OrderCreated{
				Reference:          order.Reference,
				Amount:             order.Amount,
				ProductDescription: order.ProductDescription,
			})
		})
		if errors.Is(err, domain.ErrDuplicateReference) {
			s.log.Warn("order reference collision, retrying", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}

		s.log.Info("order created", "reference", order.Reference, "amount", order.Amount)
		return &CreateOrderResult{Order: order, DeliveryCode: code}, nil
	}
	return nil, domain.ErrDuplicateReference
}

type ConfirmPaymentInput struct {
	OrderReference string
	TransactionID  string
	Amount         decimal.Decimal
	Method         domain.PaymentMethod
	PayerPhone     string
	Metadata       map[string]any
}

// ConfirmPayment moves an order to paid exactly once. Transition and
// amount are validated before the unique insert so the row lock is not
// held through an avoidable failure path; the storage-level uniqueness
// constraint on the transaction id remains the race-closing guard.
func (s *Service) ConfirmPayment(ctx context.Context, in ConfirmPaymentInput) (*domain.Order, error) {
	if in.TransactionID == "" {
		return nil, domain.ErrMissingTransactionID
	}
	if !in.Method.Valid() {
		return nil, domain.ErrInvalidPaymentMethod
	}

	var payerHash, payerLast4 string
	if in.PayerPhone != "" {
		phone, err := domain.NormalizePhone(in.PayerPhone)
		if err != nil {
			return nil, err
		}
		payerHash, err = s.hasher.Hash(phone)
		if err != nil {
			return nil, fmt.Errorf("hash payer phone: %w", err)
		}
		payerLast4 = domain.PhoneLast4(phone)
	}

	var order *domain.Order
	err := s.uow.Do(ctx, func(ctx context.Context, st Stores) error {
		var err error
		order, err = st.LockOrderByReference(ctx, in.OrderReference)
		if err != nil {
			return err
		}

		exists, err := st.TransactionIDExists(ctx, in.TransactionID)
		if err != nil {
			return err
		}
		if exists {
			return domain.ErrDuplicateTransactionID
		}
		if !order.Status.CanTransitionTo(domain.StatusPaid) {
			return domain.ErrInvalidTransition
		}
		if !order.Amount.Equal(in.Amount) {
			return domain.ErrAmountMismatch
		}

		now := time.Now().UTC()
		payment := &domain.Payment{
			ID:              uuid.New(),
			OrderID:         order.ID,
			Method:          in.Method,
			Amount:          in.Amount,
			TransactionID:   in.TransactionID,
			PayerPhoneHash:  payerHash,
			PayerPhoneLast4: payerLast4,
			Status:          domain.PaymentCompleted,
			Metadata:        in.Metadata,
			CreatedAt:       now,
			UpdatedAt:       now,
			CompletedAt:     &now,
		}
		if err := st.CreatePayment(ctx, payment); err != nil {
			return err
		}

		order.Status = domain.StatusPaid
		order.PaidAt = &now
		order.UpdatedAt = now
		if err := st.SaveOrder(ctx, order); err != nil {
			return err
		}

		return s.appendEvent(ctx, st, domain.EventOrderPaid, order.Reference, domain.OrderPaid{
			Reference:     order.Reference,
			TransactionID: payment.TransactionID,
			Amount:        payment.Amount,
			Method:        payment.Method,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment confirmed", "reference", order.Reference, "transaction_id", in.TransactionID)
	return order, nil
}

type ConfirmDeliveryResult struct {
	Order  *domain.Order
	Payout *domain.Payout
}

// ConfirmDelivery completes the order and creates the pending payout in
// one transaction. Fund disbursement runs after commit, never inside it.
func (s *Service) ConfirmDelivery(ctx context.Context, orderReference, deliveryCode string) (*ConfirmDeliveryResult, error) {
	if !deliveryCodePattern.MatchString(deliveryCode) {
		return nil, domain.ErrInvalidDeliveryCodeFormat
	}

	var result ConfirmDeliveryResult
	err := s.uow.Do(ctx, func(ctx context.Context, st Stores) error {
		order, err := st.LockOrderByReference(ctx, orderReference)
		if err != nil {
			return err
		}
		if !order.Status.CanTransitionTo(domain.StatusCompleted) {
			return domain.ErrInvalidTransition
		}
		if !s.hasher.Verify(deliveryCode, order.DeliveryCodeHash) {
			return domain.ErrInvalidDeliveryCode
		}

		// The state machine implies a payment exists, but only the row does.
		payment, err := st.CompletedPaymentForOrder(ctx, order.ID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		payout := &domain.Payout{
			ID:               uuid.New(),
			OrderID:          order.ID,
			PaymentID:        payment.ID,
			Amount:           order.Amount,
			SellerPhoneHash:  order.SellerPhoneHash,
			SellerPhoneLast4: order.SellerPhoneLast4,
			Status:           domain.PayoutPending,
			Metadata:         map[string]any{"initiated_by": "delivery_confirmation"},
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := st.CreatePayout(ctx, payout); err != nil {
			return err
		}

		order.Status = domain.StatusCompleted
		order.CompletedAt = &now
		order.UpdatedAt = now
		if err := st.SaveOrder(ctx, order); err != nil {
			return err
		}

		if err := s.appendEvent(ctx, st, domain.EventOrderCompleted, order.Reference, domain.OrderCompleted{
			Reference:   order.Reference,
			CompletedAt: now,
		}); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, st, domain.EventPayoutRequested, order.Reference, domain.PayoutRequested{
			PayoutID:         payout.ID.String(),
			Reference:        order.Reference,
			Amount:           payout.Amount,
			SellerPhoneLast4: payout.SellerPhoneLast4,
		}); err != nil {
			return err
		}

		result.Order = order
		result.Payout = payout
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("delivery confirmed", "reference", result.Order.Reference, "payout_id", result.Payout.ID)
	return &result, nil
}

// MaskedOrder is the outward view: last-4 phones only, no hashes, and
// the delivery code is never retrievable after creation.
type MaskedOrder struct {
	Reference          string             `json:"order_reference"`
	BuyerPhoneMasked   string             `json:"buyer_phone_masked"`
	SellerPhoneMasked  string             `json:"seller_phone_masked"`
	Amount             decimal.Decimal    `json:"amount"`
	ProductDescription string             `json:"product_description"`
	Status             domain.OrderStatus `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	PaidAt             *time.Time         `json:"paid_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
}

func (s *Service) GetOrder(ctx context.Context, reference string) (*MaskedOrder, error) {
	order, err := s.reader.OrderByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return &MaskedOrder{
		Reference:          order.Reference,
		BuyerPhoneMasked:   domain.MaskPhone(order.BuyerPhoneLast4),
		SellerPhoneMasked:  domain.MaskPhone(order.SellerPhoneLast4),
		Amount:             order.Amount,
		ProductDescription: order.ProductDescription,
		Status:             order.Status,
		CreatedAt:          order.CreatedAt,
		UpdatedAt:          order.UpdatedAt,
		PaidAt:             order.PaidAt,
		CompletedAt:        order.CompletedAt,
	}, nil
}

// StartDisbursement marks a pending payout as processing once the
// disbursement request has been handed to the provider.
func (s *Service) StartDisbursement(ctx context.Context, payoutID uuid.UUID, providerRef string) error {
	return s.uow.Do(ctx, func(ctx context.Context, st Stores) error {
		payout, err := st.LockPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if payout.Status != domain.PayoutPending {
			return domain.ErrInvalidTransition
		}
		payout.Status = domain.PayoutProcessing
		payout.ProviderReference = providerRef
		payout.UpdatedAt = time.Now().UTC()
		return st.SavePayout(ctx, payout)
	})
}

// FailDisbursement records a provider-side initiation failure.
func (s *Service) FailDisbursement(ctx context.Context, payoutID uuid.UUID, reason string) error {
	return s.uow.Do(ctx, func(ctx context.Context, st Stores) error {
		payout, err := st.LockPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if payout.Status != domain.PayoutPending && payout.Status != domain.PayoutProcessing {
			return domain.ErrInvalidTransition
		}
		payout.Status = domain.PayoutFailed
		payout.FailureReason = &reason
		payout.UpdatedAt = time.Now().UTC()
		return st.SavePayout(ctx, payout)
	})
}

// HandleDisbursementResult applies the provider's async result to the
// payout matched by provider reference.
func (s *Service) HandleDisbursementResult(ctx context.Context, providerRef, transactionID string, ok bool, reason string) error {
	return s.uow.Do(ctx, func(ctx context.Context, st Stores) error {
		payout, err := st.LockPayoutByProviderReference(ctx, providerRef)
		if err != nil {
			return err
		}
		if payout.Status != domain.PayoutProcessing {
			return domain.ErrInvalidTransition
		}
		now := time.Now().UTC()
		if ok {
			payout.Status = domain.PayoutCompleted
			payout.TransactionID = &transactionID
			payout.CompletedAt = &now
		} else {
			payout.Status = domain.PayoutFailed
			payout.FailureReason = &reason
		}
		payout.UpdatedAt = now
		return st.SavePayout(ctx, payout)
	})
}

func (s *Service) appendEvent(ctx context.Context, st Stores, eventType, aggregateID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return st.AppendEvent(ctx, eventType, aggregateID, body, traceparentFrom(ctx))
}

func traceparentFrom(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier["traceparent"]
}
