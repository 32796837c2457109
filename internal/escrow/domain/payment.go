package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	MethodMpesa  PaymentMethod = "mpesa"
	MethodStripe PaymentMethod = "stripe"
	MethodVisa   PaymentMethod = "visa"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMpesa, MethodStripe, MethodVisa:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment records one payment attempt against an order. TransactionID is
// externally supplied and globally unique; its uniqueness constraint is
// the idempotency guard for repeated webhook delivery.
type Payment struct {
	ID                uuid.UUID
	OrderID           uuid.UUID
	Method            PaymentMethod
	Amount            decimal.Decimal
	TransactionID     string
	ProviderReference string
	PayerPhoneHash    string
	PayerPhoneLast4   string
	Status            PaymentStatus
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}
