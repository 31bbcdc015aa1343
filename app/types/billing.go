package types

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	PaymentMethodCard   = "card"
	PaymentMethodCrypto = "crypto"
)

type CreateCheckoutRequest struct {
	PlanID        uint64  `json:"plan_id"`
	FacilityID    *uint64 `json:"facility_id,omitempty"`
	MinerID       *uint64 `json:"miner_id,omitempty"`
	PaymentMethod string  `json:"payment_method"`
}

func NewCreateCheckoutRequestFromContext(ctx echo.Context) (*CreateCheckoutRequest, error) {
	var body CreateCheckoutRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.PaymentMethod = strings.ToLower(strings.TrimSpace(body.PaymentMethod))
	return &body, nil
}

func (r *CreateCheckoutRequest) Validate() error {
	if r.PlanID == 0 {
		return errors.New("plan_id is required")
	}
	if r.PaymentMethod != PaymentMethodCard && r.PaymentMethod != PaymentMethodCrypto {
		return errors.New("payment_method must be card or crypto")
	}
	return nil
}

type CancelSubscriptionRequest struct {
	ID                uint64 `json:"-"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

func NewCancelSubscriptionRequestFromContext(ctx echo.Context) (*CancelSubscriptionRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}

	var body CancelSubscriptionRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.ID = id
	return &body, nil
}

func (r *CancelSubscriptionRequest) Validate() error {
	if r.ID == 0 {
		return errors.New("invalid subscription id")
	}
	return nil
}

type ListRequest struct {
	Limit  int32
	Offset int32
}

func NewListRequestFromContext(ctx echo.Context) (*ListRequest, error) {
	req := &ListRequest{Limit: 100, Offset: 0}

	if limitRaw := strings.TrimSpace(ctx.QueryParam("limit")); limitRaw != "" {
		limit, err := strconv.ParseInt(limitRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Limit = int32(limit)
	}
	if offsetRaw := strings.TrimSpace(ctx.QueryParam("offset")); offsetRaw != "" {
		offset, err := strconv.ParseInt(offsetRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Offset = int32(offset)
	}

	return req, nil
}

func (r *ListRequest) Validate() error {
	if r.Limit <= 0 || r.Limit > 500 {
		return errors.New("limit must be between 1 and 500")
	}
	if r.Offset < 0 {
		return errors.New("offset must be >= 0")
	}
	return nil
}

type CheckoutResponse struct {
	OrderID        uint64 `json:"order_id"`
	CorrelationKey string `json:"correlation_key"`
	CheckoutURL    string `json:"checkout_url,omitempty"`
	PaymentAddress string `json:"payment_address,omitempty"`
}

type Order struct {
	ID             uint64 `json:"id"`
	PlanID         uint64 `json:"plan_id"`
	FacilityID     uint64 `json:"facility_id,omitempty"`
	MinerID        uint64 `json:"miner_id,omitempty"`
	CorrelationKey string `json:"correlation_key"`
	Provider       string `json:"provider"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type Subscription struct {
	ID                     uint64 `json:"id"`
	PlanID                 uint64 `json:"plan_id"`
	Provider               string `json:"provider"`
	ProviderSubscriptionID string `json:"provider_subscription_id"`
	Status                 string `json:"status"`
	CancelAtPeriodEnd      bool   `json:"cancel_at_period_end"`
	CreatedAt              string `json:"created_at"`
	UpdatedAt              string `json:"updated_at"`
}

type ParkedEvent struct {
	ID             uint64 `json:"id"`
	Provider       string `json:"provider"`
	EventID        string `json:"event_id"`
	PaymentRef     string `json:"payment_ref,omitempty"`
	CorrelationKey string `json:"correlation_key,omitempty"`
	Attempts       int32  `json:"attempts"`
	NextRetryAt    string `json:"next_retry_at"`
	LastError      string `json:"last_error,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type ListOrdersResponse struct {
	Orders []*Order `json:"orders"`
}

type ListSubscriptionsResponse struct {
	Subscriptions []*Subscription `json:"subscriptions"`
}

type ListParkedEventsResponse struct {
	ParkedEvents []*ParkedEvent `json:"parked_events"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
