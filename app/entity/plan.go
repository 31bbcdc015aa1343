package entity

import "time"

// Plan is the hashrate-plan catalog entry. The catalog is managed elsewhere;
// this service only reads it to price and provision orders.
type Plan struct {
	ID uint64

	Code         string
	Name         string
	PriceCents   int64
	Currency     string
	HashrateTHS  float64
	TermDays     int32
	Recurring    bool
	IntervalUnit string
	IntervalN    int32

	CreatedAt time.Time
	UpdatedAt time.Time
}
