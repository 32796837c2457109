package application

import (
	"context"

	"github.com/google/uuid"

	"github.com/zemipay/zemi-escrow/internal/escrow/domain"
)

// Stores is the storage surface visible inside one transaction. Every
// mutation made through it commits or rolls back together.
type Stores interface {
	CreateOrder(ctx context.Context, o *domain.Order) error
	// LockOrderByReference acquires an exclusive row lock held until the
	// enclosing transaction ends.
	LockOrderByReference(ctx context.Context, reference string) (*domain.Order, error)
	SaveOrder(ctx context.Context, o *domain.Order) error

	CreatePayment(ctx context.Context, p *domain.Payment) error
	TransactionIDExists(ctx context.Context, transactionID string) (bool, error)
	CompletedPaymentForOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error)

	CreatePayout(ctx context.Context, p *domain.Payout) error
	LockPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error)
	LockPayoutByProviderReference(ctx context.Context, providerRef string) (*domain.Payout, error)
	SavePayout(ctx context.Context, p *domain.Payout) error

	// AppendEvent queues an outbox event in the same transaction.
	AppendEvent(ctx context.Context, eventType, aggregateID string, payload []byte, traceparent string) error
}

// UnitOfWork runs fn inside a single transaction: commit on nil return,
// full rollback on any error, original error propagated.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

// OrderReader serves lock-free reads outside any transaction.
type OrderReader interface {
	OrderByReference(ctx context.Context, reference string) (*domain.Order, error)
}

// SecretHasher is the one-way hashing capability shared by phone numbers
// and delivery codes. Verify must be constant-time with respect to the
// secret and tolerate hash-format evolution.
type SecretHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, hash string) bool
}
