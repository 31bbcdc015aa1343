package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hashvault/ms-go-billing/app/auth"
	"github.com/hashvault/ms-go-billing/app/entity"
	"github.com/hashvault/ms-go-billing/app/provider"
	"github.com/hashvault/ms-go-billing/app/repository"
	"github.com/hashvault/ms-go-billing/app/service"
	"github.com/hashvault/ms-go-billing/app/types"
	"github.com/hashvault/ms-go-billing/config"
)

// controllerLedger satisfies the service's store with per-test hooks. Methods
// without a hook return zero values; the embedded interface panics on anything
// a test exercises without scripting first.
type controllerLedger struct {
	repository.Ledger

	upsertUserFn           func(ctx context.Context, user *entity.User) error
	findUserByExternalIDFn func(ctx context.Context, externalID string) (*entity.User, error)
	findPlanByIDFn         func(ctx context.Context, id uint64) (*entity.Plan, error)
	createOrderFn          func(ctx context.Context, order *entity.Order) error
	findOrderByIDFn        func(ctx context.Context, id uint64) (*entity.Order, error)
	listOrdersByUserFn     func(ctx context.Context, userID uint64, limit, offset int32) ([]*entity.Order, error)
	findSubscriptionByIDFn func(ctx context.Context, id uint64) (*entity.Subscription, error)
	listSubscriptionsFn    func(ctx context.Context, userID uint64) ([]*entity.Subscription, error)
	listParkedEventsFn     func(ctx context.Context, limit int32) ([]*entity.ParkedEvent, error)

	lastOrder *entity.Order
}

func (l *controllerLedger) WithinTx(ctx context.Context, fn func(repository.Ledger) error) error {
	return fn(l)
}

func (l *controllerLedger) UpsertUser(ctx context.Context, user *entity.User) error {
	if l.upsertUserFn != nil {
		return l.upsertUserFn(ctx, user)
	}
	user.ID = 1
	return nil
}

func (l *controllerLedger) FindUserByExternalID(ctx context.Context, externalID string) (*entity.User, error) {
	if l.findUserByExternalIDFn != nil {
		return l.findUserByExternalIDFn(ctx, externalID)
	}
	return nil, nil
}

func (l *controllerLedger) FindPlanByID(ctx context.Context, id uint64) (*entity.Plan, error) {
	if l.findPlanByIDFn != nil {
		return l.findPlanByIDFn(ctx, id)
	}
	return nil, nil
}

func (l *controllerLedger) FindPendingOrderByUserAndPlan(context.Context, uint64, uint64) (*entity.Order, error) {
	return nil, nil
}

func (l *controllerLedger) FindSubscriptionByUserAndPlan(context.Context, uint64, uint64) (*entity.Subscription, error) {
	return nil, nil
}

func (l *controllerLedger) CreateOrder(ctx context.Context, order *entity.Order) error {
	l.lastOrder = order
	if l.createOrderFn != nil {
		return l.createOrderFn(ctx, order)
	}
	order.ID = 1
	return nil
}

func (l *controllerLedger) FindOrderByCorrelationKey(ctx context.Context, key string, lock bool) (*entity.Order, error) {
	if l.lastOrder != nil && l.lastOrder.CorrelationKey == key {
		return l.lastOrder, nil
	}
	return nil, nil
}

func (l *controllerLedger) FindTransactionByOrderID(context.Context, uint64) (*entity.Transaction, error) {
	return nil, nil
}

func (l *controllerLedger) UpdateOrder(context.Context, *entity.Order) error {
	return nil
}

func (l *controllerLedger) FindOrderByID(ctx context.Context, id uint64) (*entity.Order, error) {
	if l.findOrderByIDFn != nil {
		return l.findOrderByIDFn(ctx, id)
	}
	return nil, nil
}

func (l *controllerLedger) ListOrdersByUser(ctx context.Context, userID uint64, limit, offset int32) ([]*entity.Order, error) {
	if l.listOrdersByUserFn != nil {
		return l.listOrdersByUserFn(ctx, userID, limit, offset)
	}
	return []*entity.Order{}, nil
}

func (l *controllerLedger) CreateTransaction(ctx context.Context, txn *entity.Transaction) error {
	txn.ID = 1
	return nil
}

func (l *controllerLedger) UpdateTransaction(context.Context, *entity.Transaction) error {
	return nil
}

func (l *controllerLedger) FindSubscriptionByID(ctx context.Context, id uint64) (*entity.Subscription, error) {
	if l.findSubscriptionByIDFn != nil {
		return l.findSubscriptionByIDFn(ctx, id)
	}
	return nil, nil
}

func (l *controllerLedger) ListSubscriptionsByUser(ctx context.Context, userID uint64) ([]*entity.Subscription, error) {
	if l.listSubscriptionsFn != nil {
		return l.listSubscriptionsFn(ctx, userID)
	}
	return []*entity.Subscription{}, nil
}

func (l *controllerLedger) ListParkedEvents(ctx context.Context, limit int32) ([]*entity.ParkedEvent, error) {
	if l.listParkedEventsFn != nil {
		return l.listParkedEventsFn(ctx, limit)
	}
	return []*entity.ParkedEvent{}, nil
}

type controllerProvider struct {
	verifyErr error
}

func (p *controllerProvider) Code() int32  { return provider.CodeStripe }
func (p *controllerProvider) Name() string { return "stripe" }

func (p *controllerProvider) CreateCheckout(context.Context, *provider.CheckoutInput) (*provider.CheckoutOutput, error) {
	sessionID := "cs_test_123"
	url := "https://checkout.stripe.example/c/cs_test_123"
	return &provider.CheckoutOutput{SessionID: &sessionID, CheckoutURL: &url}, nil
}

func (p *controllerProvider) VerifyAndParseWebhook(context.Context, []byte, string) (*provider.WebhookEvent, error) {
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	return &provider.WebhookEvent{Provider: provider.CodeStripe, EventID: "evt_1", Kind: provider.EventUnrecognized}, nil
}

func (p *controllerProvider) GetPaymentStatus(context.Context, string) (provider.PaymentStatus, error) {
	return provider.StatusUnknown, nil
}

func (p *controllerProvider) CreateSubscription(context.Context, *provider.SubscriptionInput) (*provider.SubscriptionOutput, error) {
	return &provider.SubscriptionOutput{ProviderSubscriptionID: "sub_1"}, nil
}

func (p *controllerProvider) CancelSubscription(context.Context, string, bool) error {
	return nil
}

func newControllerForTest(ledger *controllerLedger, p provider.Provider) *BillingController {
	billingService := service.NewBillingService(
		ledger,
		provider.NewRegistry(p),
		config.BillingConfig{PendingTimeout: time.Hour, ReconcileStaleAfter: time.Minute, ParkedMaxAttempts: 3, SubscriptionFailureLimit: 3, JobBatchSize: 100},
		"identity-secret",
	)
	return NewBillingController(billingService)
}

func requestContext(method, target string, body string, principal *auth.Principal) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	if principal != nil {
		auth.SetPrincipal(ctx, principal)
	}
	return ctx, rec
}

func TestCreateCheckoutUnauthenticated(t *testing.T) {
	ctrl := newControllerForTest(&controllerLedger{}, &controllerProvider{})
	ctx, rec := requestContext(http.MethodPost, "/billing/checkout", `{"plan_id":1,"payment_method":"card"}`, nil)

	_ = ctrl.CreateCheckout(ctx)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateCheckoutBadBody(t *testing.T) {
	ctrl := newControllerForTest(&controllerLedger{}, &controllerProvider{})
	ctx, rec := requestContext(http.MethodPost, "/billing/checkout", "{bad", &auth.Principal{ExternalID: "kc-1", Email: "miner@example.com", Role: entity.RoleUser})

	_ = ctrl.CreateCheckout(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateCheckoutSuccess(t *testing.T) {
	ledger := &controllerLedger{
		findPlanByIDFn: func(context.Context, uint64) (*entity.Plan, error) {
			return &entity.Plan{ID: 3, Code: "th-120", Name: "120 TH/s", PriceCents: 25000, Currency: "USD"}, nil
		},
		createOrderFn: func(_ context.Context, order *entity.Order) error {
			order.ID = 22
			return nil
		},
	}
	ctrl := newControllerForTest(ledger, &controllerProvider{})
	ctx, rec := requestContext(http.MethodPost, "/billing/checkout", `{"plan_id":3,"payment_method":"card"}`, &auth.Principal{ExternalID: "kc-1", Email: "miner@example.com", Role: entity.RoleUser})

	_ = ctrl.CreateCheckout(ctx)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}

	var payload types.CheckoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if payload.OrderID != 22 {
		t.Fatalf("unexpected order id: %d", payload.OrderID)
	}
	if payload.CheckoutURL != "https://checkout.stripe.example/c/cs_test_123" {
		t.Fatalf("unexpected checkout url: %s", payload.CheckoutURL)
	}
	if payload.CorrelationKey == "" {
		t.Fatal("expected correlation key in response")
	}
}

func TestCreateCheckoutPlanNotFound(t *testing.T) {
	ctrl := newControllerForTest(&controllerLedger{}, &controllerProvider{})
	ctx, rec := requestContext(http.MethodPost, "/billing/checkout", `{"plan_id":9,"payment_method":"card"}`, &auth.Principal{ExternalID: "kc-1", Role: entity.RoleUser})

	_ = ctrl.CreateCheckout(ctx)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListOrdersSuccess(t *testing.T) {
	now := time.Now().UTC()
	ledger := &controllerLedger{
		findUserByExternalIDFn: func(context.Context, string) (*entity.User, error) {
			return &entity.User{ID: 7, ExternalID: "kc-1"}, nil
		},
		listOrdersByUserFn: func(context.Context, uint64, int32, int32) ([]*entity.Order, error) {
			return []*entity.Order{{
				ID:             1,
				UserID:         7,
				PlanID:         3,
				CorrelationKey: "corr-1",
				Provider:       provider.CodeStripe,
				AmountCents:    25000,
				Currency:       "USD",
				Status:         entity.OrderStatusPaid,
				CreatedAt:      now,
				UpdatedAt:      now,
			}}, nil
		},
	}
	ctrl := newControllerForTest(ledger, &controllerProvider{})
	ctx, rec := requestContext(http.MethodGet, "/billing/orders?limit=10&offset=0", "", &auth.Principal{ExternalID: "kc-1", Role: entity.RoleUser})

	_ = ctrl.ListOrders(ctx)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var payload types.ListOrdersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(payload.Orders) != 1 || payload.Orders[0].Status != "paid" || payload.Orders[0].Provider != "stripe" {
		t.Fatalf("unexpected orders payload: %+v", payload.Orders)
	}
}

func TestCancelSubscriptionNotFound(t *testing.T) {
	ledger := &controllerLedger{
		findUserByExternalIDFn: func(context.Context, string) (*entity.User, error) {
			return &entity.User{ID: 7, ExternalID: "kc-1"}, nil
		},
	}
	ctrl := newControllerForTest(ledger, &controllerProvider{})
	ctx, rec := requestContext(http.MethodPost, "/billing/subscriptions/4/cancel", `{"cancel_at_period_end":true}`, &auth.Principal{ExternalID: "kc-1", Role: entity.RoleUser})
	ctx.SetParamNames("id")
	ctx.SetParamValues("4")

	_ = ctrl.CancelSubscription(ctx)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestFulfillOrderInvalidID(t *testing.T) {
	ctrl := newControllerForTest(&controllerLedger{}, &controllerProvider{})
	ctx, rec := requestContext(http.MethodPost, "/admin/orders/abc/fulfill", "", &auth.Principal{ExternalID: "kc-admin", Role: entity.RoleAdmin})
	ctx.SetParamNames("id")
	ctx.SetParamValues("abc")

	_ = ctrl.FulfillOrder(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestFulfillOrderNotPaid(t *testing.T) {
	ledger := &controllerLedger{
		findOrderByIDFn: func(context.Context, uint64) (*entity.Order, error) {
			return &entity.Order{ID: 5, Status: entity.OrderStatusPending}, nil
		},
	}
	ctrl := newControllerForTest(ledger, &controllerProvider{})
	ctx, rec := requestContext(http.MethodPost, "/admin/orders/5/fulfill", "", &auth.Principal{ExternalID: "kc-admin", Role: entity.RoleAdmin})
	ctx.SetParamNames("id")
	ctx.SetParamValues("5")

	_ = ctrl.FulfillOrder(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleProviderWebhookRejected(t *testing.T) {
	ctrl := newControllerForTest(&controllerLedger{}, &controllerProvider{verifyErr: errors.New("invalid signature")})
	ctx, rec := requestContext(http.MethodPost, "/webhooks/providers/stripe", `{"id":"evt_1"}`, nil)
	ctx.Request().Header.Set("Stripe-Signature", "t=1,v1=bad")
	ctx.SetParamNames("provider")
	ctx.SetParamValues("stripe")

	_ = ctrl.HandleProviderWebhook(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleProviderWebhookUnknownProvider(t *testing.T) {
	ctrl := newControllerForTest(&controllerLedger{}, &controllerProvider{})
	ctx, rec := requestContext(http.MethodPost, "/webhooks/providers/paypal", `{"id":"evt_1"}`, nil)
	ctx.SetParamNames("provider")
	ctx.SetParamValues("paypal")

	_ = ctrl.HandleProviderWebhook(ctx)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleIdentityWebhookBadSignature(t *testing.T) {
	ctrl := newControllerForTest(&controllerLedger{}, &controllerProvider{})
	ctx, rec := requestContext(http.MethodPost, "/webhooks/identity", `{"event":"user.created","user_id":"kc-1"}`, nil)
	ctx.Request().Header.Set("X-Identity-Signature", "deadbeef")

	_ = ctrl.HandleIdentityWebhook(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListParkedEventsSuccess(t *testing.T) {
	now := time.Now().UTC()
	lastError := "correlated ledger rows still missing"
	ledger := &controllerLedger{
		listParkedEventsFn: func(context.Context, int32) ([]*entity.ParkedEvent, error) {
			return []*entity.ParkedEvent{{
				ID:          2,
				Provider:    provider.CodeNOWPayments,
				EventID:     "ipn-42-finished",
				Attempts:    1,
				LastError:   &lastError,
				NextRetryAt: now,
				CreatedAt:   now,
			}}, nil
		},
	}
	ctrl := newControllerForTest(ledger, &controllerProvider{})
	ctx, rec := requestContext(http.MethodGet, "/admin/parked-events?limit=50", "", &auth.Principal{ExternalID: "kc-admin", Role: entity.RoleAdmin})

	_ = ctrl.ListParkedEvents(ctx)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var payload types.ListParkedEventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(payload.ParkedEvents) != 1 || payload.ParkedEvents[0].EventID != "ipn-42-finished" {
		t.Fatalf("unexpected parked events payload: %+v", payload.ParkedEvents)
	}
}
