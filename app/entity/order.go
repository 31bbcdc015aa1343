package entity

import "time"

const (
	OrderStatusPending   int32 = 1
	OrderStatusPaid      int32 = 2
	OrderStatusFailed    int32 = 3
	OrderStatusCancelled int32 = 4
	OrderStatusFulfilled int32 = 5
)

type Order struct {
	ID uint64

	UserID uint64
	PlanID uint64

	FacilityID *uint64
	MinerID    *uint64

	// CorrelationKey is minted at checkout time and handed to the provider so
	// webhook deliveries can be joined back to this row. At most one
	// non-terminal order may hold a given key.
	CorrelationKey string

	Provider          int32
	ProviderSessionID *string
	CheckoutURL       *string

	AmountCents int64
	Currency    string
	Status      int32

	CreatedAt time.Time
	UpdatedAt time.Time
}

func OrderStatusTerminal(status int32) bool {
	switch status {
	case OrderStatusFailed, OrderStatusCancelled, OrderStatusFulfilled:
		return true
	default:
		return false
	}
}
