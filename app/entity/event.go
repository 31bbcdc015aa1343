package entity

import "time"

// ProcessedEvent records a provider event id that has already been applied.
// Rows are kept at least as long as the longest provider retry window.
type ProcessedEvent struct {
	ID uint64

	Provider int32
	EventID  string

	SeenAt time.Time
}

// ParkedEvent holds a verified webhook whose ledger rows did not exist yet,
// typically because the delivery raced the checkout-creation transaction.
type ParkedEvent struct {
	ID uint64

	Provider int32
	EventID  string

	EventKind       int32
	PaymentRef      *string
	SubscriptionRef *string
	CorrelationKey  *string
	AmountCents     int64
	Currency        string
	PayloadJSON     string

	Attempts    int32
	NextRetryAt time.Time
	LastError   *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
