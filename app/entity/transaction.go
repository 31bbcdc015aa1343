package entity

import "time"

const (
	TransactionStatusPending    int32 = 1
	TransactionStatusSuccessful int32 = 2
	TransactionStatusFailed     int32 = 3
)

type Transaction struct {
	ID uint64

	UserID uint64
	PlanID uint64

	// OrderID is nil for recurring subscription charges, which have no
	// checkout order of their own.
	OrderID *uint64

	Provider int32

	// ProviderPaymentRef is the provider-side payment/session/invoice
	// identifier. At most one transaction per ref ever reaches successful.
	ProviderPaymentRef *string

	AmountCents int64
	Currency    string
	Status      int32

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func TransactionStatusTerminal(status int32) bool {
	return status == TransactionStatusSuccessful || status == TransactionStatusFailed
}
