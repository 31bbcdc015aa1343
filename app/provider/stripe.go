package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type StripeProvider struct {
	cfg    StripeConfig
	client *http.Client
}

func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.SignatureToleranceSeconds <= 0 {
		cfg.SignatureToleranceSeconds = 300
	}

	return &StripeProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *StripeProvider) Code() int32 {
	return CodeStripe
}

func (p *StripeProvider) Name() string {
	return "stripe"
}

func (p *StripeProvider) CreateCheckout(ctx context.Context, input *CheckoutInput) (*CheckoutOutput, error) {
	if strings.TrimSpace(p.cfg.SecretKey) == "" {
		return nil, errors.New("stripe secret key is not configured")
	}

	values := url.Values{}
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", strings.ToLower(input.Currency))
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(input.AmountCents, 10))
	values.Set("line_items[0][price_data][product_data][name]", input.PlanName)

	if input.Recurring {
		values.Set("mode", "subscription")
		values.Set("line_items[0][price_data][recurring][interval]", input.IntervalUnit)
		values.Set("line_items[0][price_data][recurring][interval_count]", strconv.FormatInt(int64(input.IntervalN), 10))
	} else {
		values.Set("mode", "payment")
	}

	values.Set("success_url", input.SuccessURL)
	values.Set("cancel_url", input.CancelURL)
	values.Set("client_reference_id", input.CorrelationKey)
	values.Set("metadata[correlation_key]", input.CorrelationKey)
	values.Set("metadata[plan_code]", input.PlanCode)

	if input.StripeCustomerID != nil && strings.TrimSpace(*input.StripeCustomerID) != "" {
		values.Set("customer", strings.TrimSpace(*input.StripeCustomerID))
	} else if strings.TrimSpace(input.CustomerEmail) != "" {
		values.Set("customer_email", strings.TrimSpace(input.CustomerEmail))
	}

	body, err := p.postForm(ctx, "/v1/checkout/sessions", values)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID           string      `json:"id"`
		URL          string      `json:"url"`
		Subscription interface{} `json:"subscription"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	result := &CheckoutOutput{}
	if s := strings.TrimSpace(payload.ID); s != "" {
		result.SessionID = &s
	}
	if s := strings.TrimSpace(payload.URL); s != "" {
		result.CheckoutURL = &s
	}
	if s := parseStringish(payload.Subscription); s != "" {
		result.SubscriptionID = &s
	}

	return result, nil
}

func (p *StripeProvider) GetPaymentStatus(ctx context.Context, providerPaymentRef string) (PaymentStatus, error) {
	if strings.TrimSpace(providerPaymentRef) == "" {
		return StatusUnknown, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.stripe.com/v1/checkout/sessions/"+url.PathEscape(providerPaymentRef), nil)
	if err != nil {
		return StatusUnknown, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return StatusUnknown, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusUnknown, err
	}
	if resp.StatusCode >= 400 {
		return StatusUnknown, fmt.Errorf("stripe get checkout session failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var payload struct {
		Status        string `json:"status"`
		PaymentStatus string `json:"payment_status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return StatusUnknown, err
	}

	if payload.Status == "expired" {
		return StatusExpired, nil
	}

	switch payload.PaymentStatus {
	case "paid", "no_payment_required":
		return StatusCompleted, nil
	case "unpaid":
		return StatusPending, nil
	default:
		return StatusUnknown, nil
	}
}

func (p *StripeProvider) VerifyAndParseWebhook(_ context.Context, payload []byte, signature string) (*WebhookEvent, error) {
	if strings.TrimSpace(p.cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe webhook secret is not configured")
	}
	if !verifyStripeSignature(payload, signature, p.cfg.WebhookSecret, p.cfg.SignatureToleranceSeconds) {
		return nil, errors.New("invalid stripe signature")
	}

	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, errors.New("stripe event id is missing")
	}

	result := &WebhookEvent{
		Provider: CodeStripe,
		EventID:  strings.TrimSpace(event.ID),
		Kind:     EventUnrecognized,
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		result.Kind = EventPaymentCompleted
		assignCheckoutSessionFields(result, event.Data.Object)
	case "checkout.session.async_payment_failed":
		result.Kind = EventPaymentFailed
		assignCheckoutSessionFields(result, event.Data.Object)
	case "checkout.session.expired":
		result.Kind = EventPaymentExpired
		assignCheckoutSessionFields(result, event.Data.Object)
	case "invoice.paid":
		result.Kind = EventChargeSucceeded
		assignInvoiceFields(result, event.Data.Object)
	case "invoice.payment_failed":
		result.Kind = EventChargeFailed
		assignInvoiceFields(result, event.Data.Object)
	case "customer.subscription.deleted":
		result.Kind = EventSubscriptionCancelled
		assignSubscriptionFields(result, event.Data.Object)
	}

	return result, nil
}

// CreateSubscription is not used for stripe: recurring checkouts carry the
// subscription id in the checkout session itself.
func (p *StripeProvider) CreateSubscription(context.Context, *SubscriptionInput) (*SubscriptionOutput, error) {
	return nil, errors.New("stripe subscriptions are created through checkout sessions")
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error {
	providerSubscriptionID = strings.TrimSpace(providerSubscriptionID)
	if providerSubscriptionID == "" {
		return errors.New("stripe subscription id is required")
	}

	if atPeriodEnd {
		values := url.Values{}
		values.Set("cancel_at_period_end", "true")
		_, err := p.postForm(ctx, "/v1/subscriptions/"+url.PathEscape(providerSubscriptionID), values)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, "https://api.stripe.com/v1/subscriptions/"+url.PathEscape(providerSubscriptionID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)

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
		return fmt.Errorf("stripe cancel subscription failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return nil
}

func (p *StripeProvider) postForm(ctx context.Context, path string, values url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.stripe.com"+path, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

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
		return nil, fmt.Errorf("stripe request failed: path=%s status=%d body=%s", path, resp.StatusCode, string(body))
	}

	return body, nil
}

// verifyStripeSignature checks the t=...,v1=... header over the exact raw
// payload bytes. Timestamps outside the tolerance window are rejected to
// bound replays.
func verifyStripeSignature(payload []byte, signatureHeader string, webhookSecret string, toleranceSeconds int64) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" || strings.TrimSpace(webhookSecret) == "" {
		return false
	}

	parts := strings.Split(signatureHeader, ",")
	var ts string
	v1 := make([]string, 0, 1)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "t=") {
			ts = strings.TrimSpace(strings.TrimPrefix(part, "t="))
		}
		if strings.HasPrefix(part, "v1=") {
			v1 = append(v1, strings.TrimSpace(strings.TrimPrefix(part, "v1=")))
		}
	}
	if ts == "" || len(v1) == 0 {
		return false
	}

	tsUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now().Unix()
	if now-tsUnix > toleranceSeconds || tsUnix-now > toleranceSeconds {
		return false
	}

	signedPayload := []byte(ts + "." + string(payload))
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write(signedPayload)
	expected := mac.Sum(nil)

	for _, sig := range v1 {
		candidate, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(candidate, expected) {
			return true
		}
	}

	return false
}

func assignCheckoutSessionFields(event *WebhookEvent, payload json.RawMessage) {
	var object struct {
		ID                string      `json:"id"`
		ClientReferenceID string      `json:"client_reference_id"`
		AmountTotal       int64       `json:"amount_total"`
		Currency          string      `json:"currency"`
		Subscription      interface{} `json:"subscription"`
	}
	if json.Unmarshal(payload, &object) != nil {
		return
	}
	event.PaymentRef = strings.TrimSpace(object.ID)
	event.CorrelationKey = strings.TrimSpace(object.ClientReferenceID)
	event.SubscriptionRef = parseStringish(object.Subscription)
	event.AmountCents = object.AmountTotal
	event.Currency = strings.ToUpper(strings.TrimSpace(object.Currency))
}

func assignInvoiceFields(event *WebhookEvent, payload json.RawMessage) {
	var object struct {
		ID           string      `json:"id"`
		AmountPaid   int64       `json:"amount_paid"`
		AmountDue    int64       `json:"amount_due"`
		Currency     string      `json:"currency"`
		Subscription interface{} `json:"subscription"`
	}
	if json.Unmarshal(payload, &object) != nil {
		return
	}
	event.PaymentRef = strings.TrimSpace(object.ID)
	event.SubscriptionRef = parseStringish(object.Subscription)
	event.AmountCents = object.AmountPaid
	if event.AmountCents == 0 {
		event.AmountCents = object.AmountDue
	}
	event.Currency = strings.ToUpper(strings.TrimSpace(object.Currency))
}

func assignSubscriptionFields(event *WebhookEvent, payload json.RawMessage) {
	var object struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(payload, &object) != nil {
		return
	}
	event.SubscriptionRef = strings.TrimSpace(object.ID)
}

func parseStringish(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]interface{}:
		if raw, ok := t["id"]; ok {
			if s, ok := raw.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
