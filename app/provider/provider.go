package provider

import "context"

const (
	CodeStripe      int32 = 1
	CodeNOWPayments int32 = 2
)

// PaymentStatus is the normalized provider-side payment state used by the
// polling reconcile job.
type PaymentStatus int32

const (
	StatusUnknown   PaymentStatus = 0
	StatusPending   PaymentStatus = 1
	StatusCompleted PaymentStatus = 2
	StatusFailed    PaymentStatus = 3
	StatusExpired   PaymentStatus = 4
)

// EventKind is the tagged variant a verified webhook payload normalizes to.
// Payload shapes the adapters do not understand map to EventUnrecognized,
// which the reconcile engine records and ignores.
type EventKind int32

const (
	EventUnrecognized          EventKind = 0
	EventPaymentCompleted      EventKind = 1
	EventPaymentFailed         EventKind = 2
	EventPaymentExpired        EventKind = 3
	EventChargeSucceeded       EventKind = 4
	EventChargeFailed          EventKind = 5
	EventSubscriptionCancelled EventKind = 6
)

type CheckoutInput struct {
	CorrelationKey string

	PlanCode string
	PlanName string

	AmountCents int64
	Currency    string

	Recurring    bool
	IntervalUnit string
	IntervalN    int32

	CustomerEmail    string
	StripeCustomerID *string

	SuccessURL string
	CancelURL  string
}

type CheckoutOutput struct {
	// SessionID is the provider payment/session/invoice reference that later
	// webhook deliveries will carry.
	SessionID *string

	CheckoutURL    *string
	PaymentAddress *string
	SubscriptionID *string
}

type SubscriptionInput struct {
	CorrelationKey string
	PlanName       string
	AmountCents    int64
	Currency       string
	IntervalUnit   string
	IntervalN      int32
	CustomerEmail  string
}

type SubscriptionOutput struct {
	ProviderSubscriptionID string
}

// WebhookEvent is a verified, normalized provider callback. EventID is the
// provider's own delivery id and is the dedup key; PaymentRef and
// SubscriptionRef correlate the event to ledger rows.
type WebhookEvent struct {
	Provider int32
	EventID  string
	Kind     EventKind

	PaymentRef      string
	SubscriptionRef string
	CorrelationKey  string

	AmountCents int64
	Currency    string
}

type Provider interface {
	Code() int32
	Name() string

	CreateCheckout(ctx context.Context, input *CheckoutInput) (*CheckoutOutput, error)

	// VerifyAndParseWebhook authenticates the raw payload against the
	// signature header and normalizes it. It never touches storage and fails
	// closed on any signature or timestamp problem.
	VerifyAndParseWebhook(ctx context.Context, payload []byte, signature string) (*WebhookEvent, error)

	GetPaymentStatus(ctx context.Context, providerPaymentRef string) (PaymentStatus, error)

	CreateSubscription(ctx context.Context, input *SubscriptionInput) (*SubscriptionOutput, error)
	CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error
}
