package entity

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID uint64

	// ExternalID is the identity-provider subject. It is the only join key
	// for identity lifecycle events and is unique across users.
	ExternalID string

	Email string
	Role  string

	StripeCustomerID *string
	PayoutAddress    *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
