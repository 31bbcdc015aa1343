package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type NOWPaymentsConfig struct {
	APIKey         string
	IPNSecret      string
	IPNCallbackURL string
	HTTPTimeout    time.Duration
}

type NOWPaymentsProvider struct {
	cfg     NOWPaymentsConfig
	client  *http.Client
	baseURL string
}

func NewNOWPaymentsProvider(cfg NOWPaymentsConfig) *NOWPaymentsProvider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NOWPaymentsProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		baseURL: "https://api.nowpayments.io",
	}
}

func (p *NOWPaymentsProvider) Code() int32 {
	return CodeNOWPayments
}

func (p *NOWPaymentsProvider) Name() string {
	return "nowpayments"
}

func (p *NOWPaymentsProvider) CreateCheckout(ctx context.Context, input *CheckoutInput) (*CheckoutOutput, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New("nowpayments api key is not configured")
	}

	request := map[string]interface{}{
		"price_amount":      centsToAmount(input.AmountCents),
		"price_currency":    strings.ToLower(input.Currency),
		"order_id":          input.CorrelationKey,
		"order_description": input.PlanName,
		"ipn_callback_url":  p.cfg.IPNCallbackURL,
		"success_url":       input.SuccessURL,
		"cancel_url":        input.CancelURL,
	}

	body, err := p.postJSON(ctx, "/v1/invoice", request)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID         json.Number `json:"id"`
		InvoiceURL string      `json:"invoice_url"`
		PayAddress string      `json:"pay_address"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	result := &CheckoutOutput{}
	if s := strings.TrimSpace(payload.ID.String()); s != "" {
		result.SessionID = &s
	}
	if s := strings.TrimSpace(payload.InvoiceURL); s != "" {
		result.CheckoutURL = &s
	}
	if s := strings.TrimSpace(payload.PayAddress); s != "" {
		result.PaymentAddress = &s
	}

	return result, nil
}

func (p *NOWPaymentsProvider) GetPaymentStatus(ctx context.Context, providerPaymentRef string) (PaymentStatus, error) {
	providerPaymentRef = strings.TrimSpace(providerPaymentRef)
	if providerPaymentRef == "" {
		return StatusUnknown, nil
	}

	// The stored reference is the invoice id from checkout, not a payment id,
	// so resolve the latest payment attached to that invoice.
	query := url.Values{}
	query.Set("invoiceId", providerPaymentRef)
	query.Set("limit", "1")
	query.Set("sortBy", "created_at")
	query.Set("orderBy", "desc")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/payment/?"+query.Encode(), nil)
	if err != nil {
		return StatusUnknown, err
	}
	req.Header.Set("x-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return StatusUnknown, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusUnknown, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return StatusUnknown, nil
	}
	if resp.StatusCode >= 400 {
		return StatusUnknown, fmt.Errorf("nowpayments list payments failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var payload struct {
		Data []struct {
			PaymentStatus string `json:"payment_status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return StatusUnknown, err
	}
	if len(payload.Data) == 0 {
		return StatusUnknown, nil
	}

	return mapNOWPaymentsStatus(payload.Data[0].PaymentStatus), nil
}

func (p *NOWPaymentsProvider) VerifyAndParseWebhook(_ context.Context, payload []byte, signature string) (*WebhookEvent, error) {
	if strings.TrimSpace(p.cfg.IPNSecret) == "" {
		return nil, errors.New("nowpayments ipn secret is not configured")
	}
	if !verifyNOWPaymentsSignature(payload, signature, p.cfg.IPNSecret) {
		return nil, errors.New("invalid nowpayments signature")
	}

	var ipn struct {
		PaymentID     json.Number `json:"payment_id"`
		InvoiceID     json.Number `json:"invoice_id"`
		PaymentStatus string      `json:"payment_status"`
		OrderID       string      `json:"order_id"`
		PriceAmount   float64     `json:"price_amount"`
		PriceCurrency string      `json:"price_currency"`
	}
	if err := json.Unmarshal(payload, &ipn); err != nil {
		return nil, err
	}

	paymentID := strings.TrimSpace(ipn.PaymentID.String())
	if paymentID == "" {
		return nil, errors.New("nowpayments payment id is missing")
	}
	status := strings.ToLower(strings.TrimSpace(ipn.PaymentStatus))

	result := &WebhookEvent{
		Provider: CodeNOWPayments,
		// IPN deliveries carry no event id of their own; payment id plus
		// status is stable across redeliveries of the same notification.
		EventID:        "ipn-" + paymentID + "-" + status,
		Kind:           EventUnrecognized,
		CorrelationKey: strings.TrimSpace(ipn.OrderID),
		AmountCents:    amountToCents(ipn.PriceAmount),
		Currency:       strings.ToUpper(strings.TrimSpace(ipn.PriceCurrency)),
	}

	result.PaymentRef = strings.TrimSpace(ipn.InvoiceID.String())
	if result.PaymentRef == "" {
		result.PaymentRef = paymentID
	}

	switch status {
	case "finished", "confirmed":
		result.Kind = EventPaymentCompleted
	case "failed", "refunded":
		result.Kind = EventPaymentFailed
	case "expired":
		result.Kind = EventPaymentExpired
	}

	return result, nil
}

func (p *NOWPaymentsProvider) CreateSubscription(ctx context.Context, input *SubscriptionInput) (*SubscriptionOutput, error) {
	planBody, err := p.postJSON(ctx, "/v1/subscriptions/plans", map[string]interface{}{
		"title":        input.PlanName,
		"interval_day": intervalDays(input.IntervalUnit, input.IntervalN),
		"amount":       centsToAmount(input.AmountCents),
		"currency":     strings.ToLower(input.Currency),
	})
	if err != nil {
		return nil, err
	}

	var plan struct {
		Result struct {
			ID json.Number `json:"id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(planBody, &plan); err != nil {
		return nil, err
	}
	planID := strings.TrimSpace(plan.Result.ID.String())
	if planID == "" {
		return nil, errors.New("nowpayments plan id missing")
	}

	subBody, err := p.postJSON(ctx, "/v1/subscriptions", map[string]interface{}{
		"subscription_plan_id": planID,
		"email":                input.CustomerEmail,
	})
	if err != nil {
		return nil, err
	}

	var sub struct {
		Result []struct {
			ID json.Number `json:"id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(subBody, &sub); err != nil {
		return nil, err
	}
	if len(sub.Result) == 0 || strings.TrimSpace(sub.Result[0].ID.String()) == "" {
		return nil, errors.New("nowpayments subscription id missing")
	}

	return &SubscriptionOutput{ProviderSubscriptionID: strings.TrimSpace(sub.Result[0].ID.String())}, nil
}

func (p *NOWPaymentsProvider) CancelSubscription(ctx context.Context, providerSubscriptionID string, _ bool) error {
	providerSubscriptionID = strings.TrimSpace(providerSubscriptionID)
	if providerSubscriptionID == "" {
		return errors.New("nowpayments subscription id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/v1/subscriptions/"+url.PathEscape(providerSubscriptionID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("nowpayments cancel subscription failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return nil
}

func (p *NOWPaymentsProvider) postJSON(ctx context.Context, path string, request map[string]interface{}) ([]byte, error) {
	encoded, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("nowpayments request failed: path=%s status=%d body=%s", path, resp.StatusCode, string(body))
	}

	return body, nil
}

// verifyNOWPaymentsSignature recomputes the IPN signature: HMAC-SHA512 of the
// payload re-serialized with lexicographically sorted keys. json.Number keeps
// numeric fields byte-identical through the round trip.
func verifyNOWPaymentsSignature(payload []byte, signature string, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var parsed map[string]interface{}
	if decoder.Decode(&parsed) != nil {
		return false
	}

	sorted, err := json.Marshal(parsed)
	if err != nil {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secret))
	_, _ = mac.Write(sorted)
	expected := mac.Sum(nil)

	candidate, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(candidate, expected)
}

func mapNOWPaymentsStatus(status string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "finished", "confirmed":
		return StatusCompleted
	case "failed", "refunded":
		return StatusFailed
	case "expired":
		return StatusExpired
	case "waiting", "confirming", "sending", "partially_paid":
		return StatusPending
	default:
		return StatusUnknown
	}
}

func centsToAmount(cents int64) float64 {
	return float64(cents) / 100
}

func amountToCents(amount float64) int64 {
	return int64(amount*100 + 0.5)
}

func intervalDays(unit string, count int32) int32 {
	if count <= 0 {
		count = 1
	}
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "day":
		return count
	case "week":
		return count * 7
	case "year":
		return count * 365
	default:
		return count * 30
	}
}
