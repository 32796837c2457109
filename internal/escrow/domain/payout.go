package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Payout is the durable intent to release funds to the seller. It is
// created atomically with the order's transition to completed; execution
// happens after that transaction commits.
type Payout struct {
	ID                uuid.UUID
	OrderID           uuid.UUID
	PaymentID         uuid.UUID
	Amount            decimal.Decimal
	SellerPhoneHash   string
	SellerPhoneLast4  string
	TransactionID     *string
	ProviderReference string
	Status            PayoutStatus
	FailureReason     *string
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}
