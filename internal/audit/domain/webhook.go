package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LogEntry is one inbound provider callback, recorded verbatim before
// any interpretation of the payload is attempted. Write-once except for
// the processed/error/correlation fields set after handling.
type LogEntry struct {
	ID              uuid.UUID
	WebhookType     string
	Payload         json.RawMessage
	Headers         map[string]string
	Processed       bool
	ProcessingError *string
	OrderReference  *string
	TransactionID   *string
	CreatedAt       time.Time
}

const (
	TypeMpesaSTK       = "mpesa_stk"
	TypeMpesaB2CResult = "mpesa_b2c_result"
	TypePaymentWebhook = "payment"
)
