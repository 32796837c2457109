package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outbox event payloads. Published in the same transaction as the state
// change they describe and relayed to the escrow.events topic. They carry
// no hashes and no plaintext secrets.

type OrderCreated struct {
	Reference          string          `json:"reference"`
	Amount             decimal.Decimal `json:"amount"`
	ProductDescription string          `json:"product_description"`
}

type OrderPaid struct {
	Reference     string          `json:"reference"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        PaymentMethod   `json:"method"`
}

type OrderCompleted struct {
	Reference   string    `json:"reference"`
	CompletedAt time.Time `json:"completed_at"`
}

type PayoutRequested struct {
	PayoutID         string          `json:"payout_id"`
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount"`
	SellerPhoneLast4 string          `json:"seller_phone_last4"`
}

const (
	EventOrderCreated    = "OrderCreated"
	EventOrderPaid       = "OrderPaid"
	EventOrderCompleted  = "OrderCompleted"
	EventPayoutRequested = "PayoutRequested"
)
