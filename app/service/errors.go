package service

import "errors"

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrCheckoutInProgress   = errors.New("a pending checkout already exists for this plan")
	ErrSubscriptionExists   = errors.New("an active subscription already exists for this plan")
	ErrProviderUnsupported  = errors.New("provider is not supported")
	ErrProviderUnavailable  = errors.New("payment provider is unavailable")
	ErrWebhookRejected      = errors.New("webhook rejected")
	ErrInvalidStatus        = errors.New("invalid status")
)

// errCorrelationNotFound signals that a verified event arrived before the
// ledger rows it references; the event is parked, never failed.
var errCorrelationNotFound = errors.New("correlated ledger row not found yet")
