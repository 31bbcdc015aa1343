package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashvault/ms-go-billing/app/entity"
	"github.com/hashvault/ms-go-billing/app/provider"
	"github.com/hashvault/ms-go-billing/app/repository"
	"github.com/hashvault/ms-go-billing/config"
)

// fakeLedger is an in-memory repository.Ledger with transactional rollback,
// so event application and parking behave the way they do against MySQL.
type fakeLedger struct {
	users     map[uint64]*entity.User
	plans     map[uint64]*entity.Plan
	orders    map[uint64]*entity.Order
	txns      map[uint64]*entity.Transaction
	subs      map[uint64]*entity.Subscription
	processed map[string]bool
	parked    map[uint64]*entity.ParkedEvent
	nextID    uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		users:     map[uint64]*entity.User{},
		plans:     map[uint64]*entity.Plan{},
		orders:    map[uint64]*entity.Order{},
		txns:      map[uint64]*entity.Transaction{},
		subs:      map[uint64]*entity.Subscription{},
		processed: map[string]bool{},
		parked:    map[uint64]*entity.ParkedEvent{},
		nextID:    1,
	}
}

func (l *fakeLedger) allocID() uint64 {
	id := l.nextID
	l.nextID++
	return id
}

func (l *fakeLedger) snapshot() *fakeLedger {
	copied := newFakeLedger()
	copied.nextID = l.nextID
	for id, item := range l.users {
		c := *item
		copied.users[id] = &c
	}
	for id, item := range l.plans {
		c := *item
		copied.plans[id] = &c
	}
	for id, item := range l.orders {
		c := *item
		copied.orders[id] = &c
	}
	for id, item := range l.txns {
		c := *item
		copied.txns[id] = &c
	}
	for id, item := range l.subs {
		c := *item
		copied.subs[id] = &c
	}
	for key := range l.processed {
		copied.processed[key] = true
	}
	for id, item := range l.parked {
		c := *item
		copied.parked[id] = &c
	}
	return copied
}

func (l *fakeLedger) restore(from *fakeLedger) {
	l.users = from.users
	l.plans = from.plans
	l.orders = from.orders
	l.txns = from.txns
	l.subs = from.subs
	l.processed = from.processed
	l.parked = from.parked
	l.nextID = from.nextID
}

// WithinTx mimics commit/rollback by restoring a snapshot when fn fails.
func (l *fakeLedger) WithinTx(_ context.Context, fn func(repository.Ledger) error) error {
	saved := l.snapshot()
	if err := fn(l); err != nil {
		l.restore(saved)
		return err
	}
	return nil
}

func (l *fakeLedger) UpsertUser(_ context.Context, user *entity.User) error {
	for _, item := range l.users {
		if item.ExternalID == user.ExternalID {
			item.Email = user.Email
			item.Role = user.Role
			if user.StripeCustomerID != nil {
				item.StripeCustomerID = user.StripeCustomerID
			}
			if user.PayoutAddress != nil {
				item.PayoutAddress = user.PayoutAddress
			}
			user.ID = item.ID
			return nil
		}
	}
	user.ID = l.allocID()
	copied := *user
	l.users[user.ID] = &copied
	return nil
}

func (l *fakeLedger) FindUserByExternalID(_ context.Context, externalID string) (*entity.User, error) {
	for _, item := range l.users {
		if item.ExternalID == externalID {
			copied := *item
			return &copied, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) FindUserByID(_ context.Context, id uint64) (*entity.User, error) {
	item, ok := l.users[id]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (l *fakeLedger) DeleteUserByExternalID(_ context.Context, externalID string) error {
	for id, item := range l.users {
		if item.ExternalID == externalID {
			delete(l.users, id)
			return nil
		}
	}
	return nil
}

func (l *fakeLedger) FindPlanByID(_ context.Context, id uint64) (*entity.Plan, error) {
	item, ok := l.plans[id]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (l *fakeLedger) CreateOrder(_ context.Context, order *entity.Order) error {
	for _, item := range l.orders {
		if item.CorrelationKey == order.CorrelationKey {
			return repository.ErrOrderAlreadyExists
		}
	}
	order.ID = l.allocID()
	copied := *order
	l.orders[order.ID] = &copied
	return nil
}

func (l *fakeLedger) UpdateOrder(_ context.Context, order *entity.Order) error {
	if _, ok := l.orders[order.ID]; !ok {
		return repository.ErrOrderNotFound
	}
	copied := *order
	l.orders[order.ID] = &copied
	return nil
}

func (l *fakeLedger) FindOrderByID(_ context.Context, id uint64) (*entity.Order, error) {
	item, ok := l.orders[id]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (l *fakeLedger) FindOrderByCorrelationKey(_ context.Context, key string, _ bool) (*entity.Order, error) {
	for _, item := range l.orders {
		if item.CorrelationKey == key {
			copied := *item
			return &copied, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) FindPendingOrderByUserAndPlan(_ context.Context, userID, planID uint64) (*entity.Order, error) {
	for _, item := range l.orders {
		if item.UserID == userID && item.PlanID == planID && item.Status == entity.OrderStatusPending {
			copied := *item
			return &copied, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) ListOrdersByUser(_ context.Context, userID uint64, limit, offset int32) ([]*entity.Order, error) {
	items := make([]*entity.Order, 0)
	for _, item := range l.orders {
		if item.UserID == userID {
			copied := *item
			items = append(items, &copied)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	start := int(offset)
	if start > len(items) {
		return []*entity.Order{}, nil
	}
	end := start + int(limit)
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end], nil
}

func (l *fakeLedger) ListExpiredPendingOrders(_ context.Context, cutoff time.Time, limit int32) ([]*entity.Order, error) {
	items := make([]*entity.Order, 0)
	for _, item := range l.orders {
		if item.Status == entity.OrderStatusPending && !item.CreatedAt.After(cutoff) {
			copied := *item
			items = append(items, &copied)
		}
	}
	return limitOrders(items, limit), nil
}

func limitOrders(items []*entity.Order, limit int32) []*entity.Order {
	if limit <= 0 || int(limit) >= len(items) {
		return items
	}
	return items[:limit]
}

func (l *fakeLedger) CreateTransaction(_ context.Context, txn *entity.Transaction) error {
	if txn.ProviderPaymentRef != nil && *txn.ProviderPaymentRef != "" {
		for _, item := range l.txns {
			if item.Provider == txn.Provider && item.ProviderPaymentRef != nil && *item.ProviderPaymentRef == *txn.ProviderPaymentRef {
				return repository.ErrTransactionAlreadyExists
			}
		}
	}
	txn.ID = l.allocID()
	copied := *txn
	l.txns[txn.ID] = &copied
	return nil
}

func (l *fakeLedger) UpdateTransaction(_ context.Context, txn *entity.Transaction) error {
	if _, ok := l.txns[txn.ID]; !ok {
		return repository.ErrTransactionNotFound
	}
	copied := *txn
	l.txns[txn.ID] = &copied
	return nil
}

func (l *fakeLedger) FindTransactionByID(_ context.Context, id uint64) (*entity.Transaction, error) {
	item, ok := l.txns[id]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (l *fakeLedger) FindTransactionByOrderID(_ context.Context, orderID uint64) (*entity.Transaction, error) {
	for _, item := range l.txns {
		if item.OrderID != nil && *item.OrderID == orderID {
			copied := *item
			return &copied, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) FindTransactionByProviderRef(_ context.Context, providerCode int32, ref string, _ bool) (*entity.Transaction, error) {
	for _, item := range l.txns {
		if item.Provider == providerCode && item.ProviderPaymentRef != nil && *item.ProviderPaymentRef == ref {
			copied := *item
			return &copied, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) ListStalePendingTransactions(_ context.Context, before time.Time, limit int32) ([]*entity.Transaction, error) {
	items := make([]*entity.Transaction, 0)
	for _, item := range l.txns {
		if item.Status == entity.TransactionStatusPending && item.ProviderPaymentRef != nil && !item.UpdatedAt.After(before) {
			copied := *item
			items = append(items, &copied)
		}
	}
	if limit > 0 && int(limit) < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (l *fakeLedger) CreateSubscription(_ context.Context, sub *entity.Subscription) error {
	for _, item := range l.subs {
		if item.Provider == sub.Provider && item.ProviderSubscriptionID == sub.ProviderSubscriptionID {
			return repository.ErrSubscriptionAlreadyExists
		}
	}
	sub.ID = l.allocID()
	copied := *sub
	l.subs[sub.ID] = &copied
	return nil
}

func (l *fakeLedger) UpdateSubscription(_ context.Context, sub *entity.Subscription) error {
	if _, ok := l.subs[sub.ID]; !ok {
		return repository.ErrSubscriptionNotFound
	}
	copied := *sub
	l.subs[sub.ID] = &copied
	return nil
}

func (l *fakeLedger) FindSubscriptionByID(_ context.Context, id uint64) (*entity.Subscription, error) {
	item, ok := l.subs[id]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (l *fakeLedger) FindSubscriptionByProviderRef(_ context.Context, providerCode int32, ref string, _ bool) (*entity.Subscription, error) {
	for _, item := range l.subs {
		if item.Provider == providerCode && item.ProviderSubscriptionID == ref {
			copied := *item
			return &copied, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) FindSubscriptionByUserAndPlan(_ context.Context, userID, planID uint64) (*entity.Subscription, error) {
	for _, item := range l.subs {
		if item.UserID == userID && item.PlanID == planID && item.Status != entity.SubscriptionStatusCancelled {
			copied := *item
			return &copied, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) ListSubscriptionsByUser(_ context.Context, userID uint64) ([]*entity.Subscription, error) {
	items := make([]*entity.Subscription, 0)
	for _, item := range l.subs {
		if item.UserID == userID {
			copied := *item
			items = append(items, &copied)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (l *fakeLedger) MarkEventProcessed(_ context.Context, providerCode int32, eventID string) (bool, error) {
	key := fmt.Sprintf("%d:%s", providerCode, eventID)
	if l.processed[key] {
		return false, nil
	}
	l.processed[key] = true
	return true, nil
}

func (l *fakeLedger) PurgeProcessedEvents(_ context.Context, _ time.Time) (int64, error) {
	purged := int64(len(l.processed))
	l.processed = map[string]bool{}
	return purged, nil
}

func (l *fakeLedger) ParkEvent(_ context.Context, event *entity.ParkedEvent) error {
	for _, item := range l.parked {
		if item.Provider == event.Provider && item.EventID == event.EventID {
			return nil
		}
	}
	event.ID = l.allocID()
	copied := *event
	l.parked[event.ID] = &copied
	return nil
}

func (l *fakeLedger) UpdateParkedEvent(_ context.Context, event *entity.ParkedEvent) error {
	if _, ok := l.parked[event.ID]; !ok {
		return repository.ErrParkedEventNotFound
	}
	copied := *event
	l.parked[event.ID] = &copied
	return nil
}

func (l *fakeLedger) DeleteParkedEvent(_ context.Context, id uint64) error {
	delete(l.parked, id)
	return nil
}

func (l *fakeLedger) ListDueParkedEvents(_ context.Context, now time.Time, limit int32) ([]*entity.ParkedEvent, error) {
	items := make([]*entity.ParkedEvent, 0)
	for _, item := range l.parked {
		if !item.NextRetryAt.After(now) {
			copied := *item
			items = append(items, &copied)
		}
	}
	if limit > 0 && int(limit) < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (l *fakeLedger) ListParkedEvents(_ context.Context, limit int32) ([]*entity.ParkedEvent, error) {
	items := make([]*entity.ParkedEvent, 0)
	for _, item := range l.parked {
		copied := *item
		items = append(items, &copied)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && int(limit) < len(items) {
		items = items[:limit]
	}
	return items, nil
}

// fakeProvider is a scriptable provider adapter.
type fakeProvider struct {
	code string

	checkoutFn     func(ctx context.Context, input *provider.CheckoutInput) (*provider.CheckoutOutput, error)
	checkoutOutput *provider.CheckoutOutput
	checkoutErr    error
	checkoutCalls  int

	parsedEvent *provider.WebhookEvent
	parseErr    error

	paymentStatus provider.PaymentStatus
	statusErr     error

	subscriptionOutput *provider.SubscriptionOutput
	subscriptionErr    error
	subscriptionCalls  int

	cancelErr   error
	cancelCalls int
}

func (p *fakeProvider) Code() int32 {
	if p.code == "nowpayments" {
		return provider.CodeNOWPayments
	}
	return provider.CodeStripe
}

func (p *fakeProvider) Name() string {
	if p.code == "" {
		return "stripe"
	}
	return p.code
}

func (p *fakeProvider) CreateCheckout(ctx context.Context, input *provider.CheckoutInput) (*provider.CheckoutOutput, error) {
	p.checkoutCalls++
	if p.checkoutFn != nil {
		return p.checkoutFn(ctx, input)
	}
	if p.checkoutErr != nil {
		return nil, p.checkoutErr
	}
	if p.checkoutOutput != nil {
		return p.checkoutOutput, nil
	}
	sessionID := "cs_test_123"
	checkoutURL := "https://provider.example/checkout/cs_test_123"
	return &provider.CheckoutOutput{SessionID: &sessionID, CheckoutURL: &checkoutURL}, nil
}

func (p *fakeProvider) VerifyAndParseWebhook(context.Context, []byte, string) (*provider.WebhookEvent, error) {
	if p.parseErr != nil {
		return nil, p.parseErr
	}
	if p.parsedEvent != nil {
		copied := *p.parsedEvent
		return &copied, nil
	}
	return nil, errors.New("no scripted event")
}

func (p *fakeProvider) GetPaymentStatus(context.Context, string) (provider.PaymentStatus, error) {
	if p.statusErr != nil {
		return provider.StatusUnknown, p.statusErr
	}
	return p.paymentStatus, nil
}

func (p *fakeProvider) CreateSubscription(context.Context, *provider.SubscriptionInput) (*provider.SubscriptionOutput, error) {
	p.subscriptionCalls++
	if p.subscriptionErr != nil {
		return nil, p.subscriptionErr
	}
	if p.subscriptionOutput != nil {
		return p.subscriptionOutput, nil
	}
	return &provider.SubscriptionOutput{ProviderSubscriptionID: "np_sub_1"}, nil
}

func (p *fakeProvider) CancelSubscription(context.Context, string, bool) error {
	p.cancelCalls++
	return p.cancelErr
}

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		PendingTimeout:           time.Minute,
		ReconcileStaleAfter:      time.Minute,
		ParkedMaxAttempts:        3,
		ParkedRetryBaseInterval:  time.Second,
		ParkedQuarantine:         time.Hour,
		LedgerRetryAttempts:      1,
		LedgerRetryBaseInterval:  time.Millisecond,
		SubscriptionFailureLimit: 3,
		ProcessedEventRetention:  time.Hour,
		JobBatchSize:             100,
	}
}

func newBillingServiceForTest(ledger *fakeLedger, providers ...provider.Provider) *BillingService {
	if len(providers) == 0 {
		providers = []provider.Provider{&fakeProvider{}}
	}
	return NewBillingService(ledger, provider.NewRegistry(providers...), testBillingConfig(), "identity-secret")
}

func seedPlan(ledger *fakeLedger, recurring bool) *entity.Plan {
	plan := &entity.Plan{
		ID:           ledger.allocID(),
		Code:         "th-100",
		Name:         "100 TH/s",
		PriceCents:   250_00,
		Currency:     "USD",
		HashrateTHS:  100,
		TermDays:     30,
		Recurring:    recurring,
		IntervalUnit: "month",
		IntervalN:    1,
	}
	ledger.plans[plan.ID] = plan
	return plan
}

func seedUser(ledger *fakeLedger, externalID string) *entity.User {
	user := &entity.User{
		ID:         ledger.allocID(),
		ExternalID: externalID,
		Email:      strings.ToLower(externalID) + "@example.com",
		Role:       entity.RoleUser,
	}
	ledger.users[user.ID] = user
	return user
}

func seedPendingCheckout(ledger *fakeLedger, user *entity.User, plan *entity.Plan, correlationKey, sessionID string) (*entity.Order, *entity.Transaction) {
	now := time.Now().UTC().Add(-time.Hour)
	order := &entity.Order{
		ID:             ledger.allocID(),
		UserID:         user.ID,
		PlanID:         plan.ID,
		CorrelationKey: correlationKey,
		Provider:       provider.CodeStripe,
		AmountCents:    plan.PriceCents,
		Currency:       plan.Currency,
		Status:         entity.OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if sessionID != "" {
		ref := sessionID
		order.ProviderSessionID = &ref
	}
	ledger.orders[order.ID] = order

	orderID := order.ID
	txn := &entity.Transaction{
		ID:          ledger.allocID(),
		UserID:      user.ID,
		PlanID:      plan.ID,
		OrderID:     &orderID,
		Provider:    provider.CodeStripe,
		AmountCents: plan.PriceCents,
		Currency:    plan.Currency,
		Status:      entity.TransactionStatusPending,
		Metadata:    map[string]string{"correlation_key": correlationKey},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if sessionID != "" {
		ref := sessionID
		txn.ProviderPaymentRef = &ref
	}
	ledger.txns[txn.ID] = txn
	return order, txn
}
