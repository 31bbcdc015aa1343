package entity

import "time"

const (
	SubscriptionStatusActive    int32 = 1
	SubscriptionStatusPastDue   int32 = 2
	SubscriptionStatusCancelled int32 = 3
)

type Subscription struct {
	ID uint64

	UserID uint64
	PlanID uint64

	Provider               int32
	ProviderSubscriptionID string

	Status            int32
	CancelAtPeriodEnd bool

	// ConsecutiveFailures counts recurring charges that failed since the last
	// successful one. Crossing the configured limit cancels the subscription.
	ConsecutiveFailures int32

	CreatedAt time.Time
	UpdatedAt time.Time
}
