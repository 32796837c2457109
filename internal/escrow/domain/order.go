package domain

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusAwaitingPayment OrderStatus = "awaiting_payment"
	StatusPaid            OrderStatus = "paid"
	StatusCompleted       OrderStatus = "completed"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRefunded        OrderStatus = "refunded"
)

// validTransitions is the full lifecycle table. Terminal statuses map to
// an empty set; there is no administrative bypass.
var validTransitions = map[OrderStatus][]OrderStatus{
	StatusAwaitingPayment: {StatusPaid, StatusCancelled},
	StatusPaid:            {StatusCompleted, StatusRefunded, StatusCancelled},
	StatusCompleted:       {},
	StatusCancelled:       {},
	StatusRefunded:        {},
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Order is the aggregate root. Phone numbers and the delivery code are
// persisted as hashes only; the last-4 fields exist for display.
type Order struct {
	ID                 uuid.UUID
	Reference          string
	BuyerPhoneHash     string
	BuyerPhoneLast4    string
	SellerPhoneHash    string
	SellerPhoneLast4   string
	Amount             decimal.Decimal
	ProductDescription string
	DeliveryCodeHash   string
	Status             OrderStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
	PaidAt             *time.Time
	CompletedAt        *time.Time
}

const (
	referencePrefix   = "ZEM-"
	referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referenceLength   = 6
	deliveryCodeLen   = 6
)

// NewOrderReference returns a human-shareable reference like ZEM-7KQ2F9.
// Uniqueness is enforced by the store; callers retry on collision.
func NewOrderReference() string {
	return referencePrefix + randomString(referenceAlphabet, referenceLength)
}

// NewDeliveryCode returns a 6-digit code from a cryptographic source.
func NewDeliveryCode() string {
	return randomString("0123456789", deliveryCodeLen)
}

func randomString(alphabet string, n int) string {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the process cannot mint secrets at all.
			panic(err)
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b)
}
