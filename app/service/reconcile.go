package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hashvault/ms-go-billing/app/entity"
	"github.com/hashvault/ms-go-billing/app/provider"
	"github.com/hashvault/ms-go-billing/app/repository"
)

// parkedKindProvisionSubscription marks a parked row that retries only the
// provider-side subscription creation, after its charge already committed.
const parkedKindProvisionSubscription int32 = 100

type subscriptionProvision struct {
	UserID         uint64
	PlanID         uint64
	Provider       int32
	CorrelationKey string
}

// ProcessWebhook verifies a provider callback and drives it through the
// reconciliation state machine. The returned error is nil once the event's
// effects (or its parked record) are durable; the HTTP layer answers 2xx
// only in that case.
func (s *BillingService) ProcessWebhook(ctx context.Context, providerName string, payload []byte, signature string) error {
	providerClient, err := s.providerReg.GetByName(providerName)
	if err != nil {
		return ErrProviderUnsupported
	}

	event, err := providerClient.VerifyAndParseWebhook(ctx, payload, signature)
	if err != nil {
		s.logger.WithError(err).WithField("provider", providerName).Warn("Webhook verification failed")
		return ErrWebhookRejected
	}

	return s.processEvent(ctx, event, payload)
}

func (s *BillingService) processEvent(ctx context.Context, event *provider.WebhookEvent, payload []byte) error {
	attempts := s.billingCfg.LedgerRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	baseInterval := s.billingCfg.LedgerRetryBaseInterval
	if baseInterval <= 0 {
		baseInterval = time.Second
	}

	var err error
	for attempt := int32(0); attempt < attempts; attempt++ {
		var followup *subscriptionProvision
		followup, err = s.applyEvent(ctx, event)
		if err == nil {
			if followup != nil {
				s.provisionOrPark(ctx, followup, event)
			}
			return nil
		}
		if errors.Is(err, errCorrelationNotFound) {
			return s.parkEvent(ctx, event, payload)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseInterval << attempt):
		}
	}

	s.logger.WithError(err).WithFields(logrus.Fields{
		"provider": event.Provider,
		"event_id": event.EventID,
	}).Error("Event processing exhausted ledger retries, manual reconciliation required")
	return err
}

// applyEvent commits the event's ledger effects and its processed-event
// record in a single transaction. Duplicate event ids and transitions outside
// the table are successful no-ops.
func (s *BillingService) applyEvent(ctx context.Context, event *provider.WebhookEvent) (*subscriptionProvision, error) {
	var followup *subscriptionProvision

	err := s.store.WithinTx(ctx, func(lg repository.Ledger) error {
		fresh, err := lg.MarkEventProcessed(ctx, event.Provider, event.EventID)
		if err != nil {
			return err
		}
		if !fresh {
			s.logger.WithFields(logrus.Fields{
				"provider": event.Provider,
				"event_id": event.EventID,
			}).Debug("Duplicate event delivery ignored")
			return nil
		}

		switch event.Kind {
		case provider.EventPaymentCompleted, provider.EventPaymentFailed, provider.EventPaymentExpired:
			f, err := s.applyPaymentEvent(ctx, lg, event)
			if err != nil {
				return err
			}
			followup = f
			return nil
		case provider.EventChargeSucceeded:
			return s.applyChargeSucceeded(ctx, lg, event)
		case provider.EventChargeFailed:
			return s.applyChargeFailed(ctx, lg, event)
		case provider.EventSubscriptionCancelled:
			return s.applySubscriptionCancelled(ctx, lg, event)
		default:
			s.logger.WithFields(logrus.Fields{
				"provider": event.Provider,
				"event_id": event.EventID,
			}).Info("Unrecognized event recorded and ignored")
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return followup, nil
}

func (s *BillingService) applyPaymentEvent(ctx context.Context, lg repository.Ledger, event *provider.WebhookEvent) (*subscriptionProvision, error) {
	txn, err := s.resolveTransaction(ctx, lg, event)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, errCorrelationNotFound
	}

	if entity.TransactionStatusTerminal(txn.Status) {
		// Late or out-of-order delivery against an already settled
		// transaction; the forward-only table makes this a no-op.
		s.logger.WithFields(logrus.Fields{
			"transaction_id": txn.ID,
			"status":         txn.Status,
			"event_id":       event.EventID,
		}).Info("Ignoring event for settled transaction")
		return nil, nil
	}

	now := time.Now().UTC()
	if event.Kind == provider.EventPaymentCompleted {
		txn.Status = entity.TransactionStatusSuccessful
	} else {
		txn.Status = entity.TransactionStatusFailed
	}
	if (txn.ProviderPaymentRef == nil || *txn.ProviderPaymentRef == "") && event.PaymentRef != "" {
		ref := event.PaymentRef
		txn.ProviderPaymentRef = &ref
	}
	txn.UpdatedAt = now
	if err := lg.UpdateTransaction(ctx, txn); err != nil {
		return nil, err
	}

	if txn.OrderID != nil {
		order, err := lg.FindOrderByID(ctx, *txn.OrderID)
		if err != nil {
			return nil, err
		}
		if order != nil && order.Status == entity.OrderStatusPending {
			switch event.Kind {
			case provider.EventPaymentCompleted:
				order.Status = entity.OrderStatusPaid
			case provider.EventPaymentFailed:
				order.Status = entity.OrderStatusFailed
			case provider.EventPaymentExpired:
				order.Status = entity.OrderStatusCancelled
			}
			order.UpdatedAt = now
			if err := lg.UpdateOrder(ctx, order); err != nil {
				return nil, err
			}
		}
	}

	if event.Kind != provider.EventPaymentCompleted {
		return nil, nil
	}

	if event.SubscriptionRef != "" {
		return nil, s.ensureSubscriptionActive(ctx, lg, txn.UserID, txn.PlanID, txn.Provider, event.SubscriptionRef)
	}

	plan, err := lg.FindPlanByID(ctx, txn.PlanID)
	if err != nil {
		return nil, err
	}
	if plan != nil && plan.Recurring {
		// The charge is committed in this transaction; the provider-side
		// subscription is created afterwards and retried independently.
		return &subscriptionProvision{
			UserID:         txn.UserID,
			PlanID:         txn.PlanID,
			Provider:       txn.Provider,
			CorrelationKey: txn.Metadata["correlation_key"],
		}, nil
	}
	return nil, nil
}

func (s *BillingService) resolveTransaction(ctx context.Context, lg repository.Ledger, event *provider.WebhookEvent) (*entity.Transaction, error) {
	if event.PaymentRef != "" {
		txn, err := lg.FindTransactionByProviderRef(ctx, event.Provider, event.PaymentRef, true)
		if err != nil || txn != nil {
			return txn, err
		}
	}

	if event.CorrelationKey == "" {
		return nil, nil
	}
	order, err := lg.FindOrderByCorrelationKey(ctx, event.CorrelationKey, true)
	if err != nil || order == nil {
		return nil, err
	}
	return lg.FindTransactionByOrderID(ctx, order.ID)
}

func (s *BillingService) applyChargeSucceeded(ctx context.Context, lg repository.Ledger, event *provider.WebhookEvent) error {
	sub, err := lg.FindSubscriptionByProviderRef(ctx, event.Provider, event.SubscriptionRef, true)
	if err != nil {
		return err
	}
	if sub == nil {
		return errCorrelationNotFound
	}

	now := time.Now().UTC()
	if err := s.recordChargeTransaction(ctx, lg, sub, event, entity.TransactionStatusSuccessful, now); err != nil {
		return err
	}

	if sub.Status == entity.SubscriptionStatusCancelled {
		return nil
	}

	sub.ConsecutiveFailures = 0
	if sub.Status == entity.SubscriptionStatusPastDue {
		sub.Status = entity.SubscriptionStatusActive
	}
	sub.UpdatedAt = now
	return lg.UpdateSubscription(ctx, sub)
}

func (s *BillingService) applyChargeFailed(ctx context.Context, lg repository.Ledger, event *provider.WebhookEvent) error {
	sub, err := lg.FindSubscriptionByProviderRef(ctx, event.Provider, event.SubscriptionRef, true)
	if err != nil {
		return err
	}
	if sub == nil {
		return errCorrelationNotFound
	}

	now := time.Now().UTC()
	if err := s.recordChargeTransaction(ctx, lg, sub, event, entity.TransactionStatusFailed, now); err != nil {
		return err
	}

	if sub.Status == entity.SubscriptionStatusCancelled {
		return nil
	}

	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= s.failureLimit() {
		sub.Status = entity.SubscriptionStatusCancelled
		s.logger.WithFields(logrus.Fields{
			"subscription_id": sub.ID,
			"failures":        sub.ConsecutiveFailures,
		}).Warn("Subscription cancelled after consecutive charge failures")
	} else if sub.Status == entity.SubscriptionStatusActive {
		sub.Status = entity.SubscriptionStatusPastDue
	}
	sub.UpdatedAt = now
	return lg.UpdateSubscription(ctx, sub)
}

func (s *BillingService) applySubscriptionCancelled(ctx context.Context, lg repository.Ledger, event *provider.WebhookEvent) error {
	sub, err := lg.FindSubscriptionByProviderRef(ctx, event.Provider, event.SubscriptionRef, true)
	if err != nil {
		return err
	}
	if sub == nil {
		return errCorrelationNotFound
	}
	if sub.Status == entity.SubscriptionStatusCancelled {
		return nil
	}

	sub.Status = entity.SubscriptionStatusCancelled
	sub.UpdatedAt = time.Now().UTC()
	return lg.UpdateSubscription(ctx, sub)
}

// recordChargeTransaction writes the ledger row for a recurring charge. The
// unique provider payment reference makes replays collapse onto the first row.
func (s *BillingService) recordChargeTransaction(
	ctx context.Context,
	lg repository.Ledger,
	sub *entity.Subscription,
	event *provider.WebhookEvent,
	status int32,
	now time.Time,
) error {
	if event.PaymentRef == "" {
		return nil
	}

	ref := event.PaymentRef
	err := lg.CreateTransaction(ctx, &entity.Transaction{
		UserID:             sub.UserID,
		PlanID:             sub.PlanID,
		Provider:           event.Provider,
		ProviderPaymentRef: &ref,
		AmountCents:        event.AmountCents,
		Currency:           event.Currency,
		Status:             status,
		Metadata:           map[string]string{"subscription_ref": event.SubscriptionRef},
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if errors.Is(err, repository.ErrTransactionAlreadyExists) {
		return nil
	}
	return err
}

func (s *BillingService) ensureSubscriptionActive(ctx context.Context, lg repository.Ledger, userID, planID uint64, providerCode int32, subscriptionRef string) error {
	existing, err := lg.FindSubscriptionByProviderRef(ctx, providerCode, subscriptionRef, true)
	if err != nil || existing != nil {
		return err
	}

	// One non-cancelled subscription per (user, plan).
	pair, err := lg.FindSubscriptionByUserAndPlan(ctx, userID, planID)
	if err != nil || pair != nil {
		return err
	}

	now := time.Now().UTC()
	err = lg.CreateSubscription(ctx, &entity.Subscription{
		UserID:                 userID,
		PlanID:                 planID,
		Provider:               providerCode,
		ProviderSubscriptionID: subscriptionRef,
		Status:                 entity.SubscriptionStatusActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	})
	if errors.Is(err, repository.ErrSubscriptionAlreadyExists) {
		return nil
	}
	return err
}

func (s *BillingService) parkEvent(ctx context.Context, event *provider.WebhookEvent, payload []byte) error {
	now := time.Now().UTC()
	parked := &entity.ParkedEvent{
		Provider:    event.Provider,
		EventID:     event.EventID,
		EventKind:   int32(event.Kind),
		AmountCents: event.AmountCents,
		Currency:    event.Currency,
		PayloadJSON: string(payload),
		Attempts:    0,
		NextRetryAt: now.Add(s.parkedRetryBase()),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if event.PaymentRef != "" {
		ref := event.PaymentRef
		parked.PaymentRef = &ref
	}
	if event.SubscriptionRef != "" {
		ref := event.SubscriptionRef
		parked.SubscriptionRef = &ref
	}
	if event.CorrelationKey != "" {
		key := event.CorrelationKey
		parked.CorrelationKey = &key
	}

	if err := s.store.ParkEvent(ctx, parked); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"provider": event.Provider,
		"event_id": event.EventID,
	}).Info("Event parked until correlated ledger rows appear")
	return nil
}

// provisionOrPark runs the second phase of a recurring crypto checkout. The
// charge committed already; a failure here only schedules a retry.
func (s *BillingService) provisionOrPark(ctx context.Context, p *subscriptionProvision, event *provider.WebhookEvent) {
	if err := s.provisionSubscription(ctx, p); err != nil {
		s.logger.WithError(err).WithField("correlation_key", p.CorrelationKey).Warn("Subscription provisioning failed, parking for retry")
		s.parkProvision(ctx, p, event)
	}
}

func (s *BillingService) provisionSubscription(ctx context.Context, p *subscriptionProvision) error {
	existing, err := s.store.FindSubscriptionByUserAndPlan(ctx, p.UserID, p.PlanID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	user, err := s.store.FindUserByID(ctx, p.UserID)
	if err != nil {
		return err
	}
	plan, err := s.store.FindPlanByID(ctx, p.PlanID)
	if err != nil {
		return err
	}
	if user == nil || plan == nil {
		return errCorrelationNotFound
	}

	providerClient, err := s.providerReg.Get(p.Provider)
	if err != nil {
		return err
	}

	out, err := providerClient.CreateSubscription(ctx, &provider.SubscriptionInput{
		CorrelationKey: p.CorrelationKey,
		PlanName:       plan.Name,
		AmountCents:    plan.PriceCents,
		Currency:       plan.Currency,
		IntervalUnit:   plan.IntervalUnit,
		IntervalN:      plan.IntervalN,
		CustomerEmail:  user.Email,
	})
	if err != nil {
		return err
	}

	return s.store.WithinTx(ctx, func(lg repository.Ledger) error {
		return s.ensureSubscriptionActive(ctx, lg, p.UserID, p.PlanID, p.Provider, out.ProviderSubscriptionID)
	})
}

func (s *BillingService) parkProvision(ctx context.Context, p *subscriptionProvision, event *provider.WebhookEvent) {
	now := time.Now().UTC()
	key := p.CorrelationKey
	parked := &entity.ParkedEvent{
		Provider:       p.Provider,
		EventID:        "provision-" + key,
		EventKind:      parkedKindProvisionSubscription,
		CorrelationKey: &key,
		PayloadJSON:    "",
		Attempts:       0,
		NextRetryAt:    now.Add(s.parkedRetryBase()),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if event != nil && event.EventID != "" {
		if data, err := json.Marshal(map[string]string{"source_event_id": event.EventID}); err == nil {
			parked.PayloadJSON = string(data)
		}
	}
	if err := s.store.ParkEvent(ctx, parked); err != nil {
		s.logger.WithError(err).WithField("correlation_key", key).Error("Failed to park subscription provisioning, manual reconciliation required")
	}
}

func (s *BillingService) parkedRetryBase() time.Duration {
	if s.billingCfg.ParkedRetryBaseInterval > 0 {
		return s.billingCfg.ParkedRetryBaseInterval
	}
	return 30 * time.Second
}

func providerKindForStatus(status provider.PaymentStatus) (provider.EventKind, bool) {
	switch status {
	case provider.StatusCompleted:
		return provider.EventPaymentCompleted, true
	case provider.StatusFailed:
		return provider.EventPaymentFailed, true
	case provider.StatusExpired:
		return provider.EventPaymentExpired, true
	default:
		return provider.EventUnrecognized, false
	}
}

func trimRef(ref *string) string {
	if ref == nil {
		return ""
	}
	return strings.TrimSpace(*ref)
}
