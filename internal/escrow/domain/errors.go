package domain

import "errors"

// Validation errors, rejected before any storage access.
var (
	ErrInvalidPhoneFormat        = errors.New("invalid phone number format")
	ErrInvalidAmount             = errors.New("amount must be greater than zero")
	ErrAmountLimitExceeded       = errors.New("amount exceeds maximum limit")
	ErrInvalidDescription        = errors.New("product description must be 5 to 1000 characters")
	ErrInvalidPaymentMethod      = errors.New("unsupported payment method")
	ErrMissingTransactionID      = errors.New("transaction id is required")
	ErrInvalidDeliveryCodeFormat = errors.New("delivery code must be 6 digits")
)

// Conflict errors, business-rule violations surfaced to the caller.
var (
	ErrInvalidTransition      = errors.New("invalid order status transition")
	ErrDuplicateTransactionID = errors.New("transaction id already processed")
	ErrDuplicateReference     = errors.New("order reference already exists")
	ErrAmountMismatch         = errors.New("payment amount does not match order amount")
)

// Not-found errors.
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrPayoutNotFound     = errors.New("payout not found")
	ErrNoCompletedPayment = errors.New("no completed payment found for order")
)

// ErrInvalidDeliveryCode is reported generically: the response must not
// reveal more than "the code did not match".
var ErrInvalidDeliveryCode = errors.New("invalid delivery code")

// ErrLockTimeout surfaces the storage layer's lock/statement timeout.
var ErrLockTimeout = errors.New("lock acquisition timed out")
