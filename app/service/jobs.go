package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hashvault/ms-go-billing/app/entity"
	"github.com/hashvault/ms-go-billing/app/provider"
	"github.com/hashvault/ms-go-billing/app/repository"
)

// RunRetryParkedBatch replays parked events whose retry time is due. Events
// whose ledger rows exist now are applied and unparked; the rest back off
// exponentially until the attempt limit quarantines them.
func (s *BillingService) RunRetryParkedBatch(ctx context.Context) error {
	now := time.Now().UTC()
	parked, err := s.store.ListDueParkedEvents(ctx, now, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, item := range parked {
		err := s.retryParked(ctx, item)
		switch {
		case err == nil:
			if delErr := s.store.DeleteParkedEvent(ctx, item.ID); delErr != nil {
				s.logger.WithError(delErr).WithField("parked_id", item.ID).Error("Failed to unpark applied event")
				if firstErr == nil {
					firstErr = delErr
				}
			}
		case errors.Is(err, errCorrelationNotFound):
			s.bumpParked(ctx, item, "correlated ledger rows still missing")
		default:
			s.logger.WithError(err).WithFields(logrus.Fields{
				"parked_id": item.ID,
				"event_id":  item.EventID,
			}).Error("Parked event retry failed")
			s.bumpParked(ctx, item, err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *BillingService) retryParked(ctx context.Context, item *entity.ParkedEvent) error {
	if item.EventKind == parkedKindProvisionSubscription {
		key := trimRef(item.CorrelationKey)
		if key == "" {
			return errCorrelationNotFound
		}
		order, err := s.store.FindOrderByCorrelationKey(ctx, key, false)
		if err != nil {
			return err
		}
		if order == nil {
			return errCorrelationNotFound
		}
		return s.provisionSubscription(ctx, &subscriptionProvision{
			UserID:         order.UserID,
			PlanID:         order.PlanID,
			Provider:       order.Provider,
			CorrelationKey: key,
		})
	}

	event := &provider.WebhookEvent{
		Provider:        item.Provider,
		EventID:         item.EventID,
		Kind:            provider.EventKind(item.EventKind),
		PaymentRef:      trimRef(item.PaymentRef),
		SubscriptionRef: trimRef(item.SubscriptionRef),
		CorrelationKey:  trimRef(item.CorrelationKey),
		AmountCents:     item.AmountCents,
		Currency:        item.Currency,
	}

	followup, err := s.applyEvent(ctx, event)
	if err != nil {
		return err
	}
	if followup != nil {
		s.provisionOrPark(ctx, followup, event)
	}
	return nil
}

func (s *BillingService) bumpParked(ctx context.Context, item *entity.ParkedEvent, reason string) {
	now := time.Now().UTC()
	item.Attempts++

	maxAttempts := s.billingCfg.ParkedMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if item.Attempts >= maxAttempts {
		quarantine := s.billingCfg.ParkedQuarantine
		if quarantine <= 0 {
			quarantine = 24 * time.Hour
		}
		item.NextRetryAt = now.Add(quarantine)
		s.logger.WithFields(logrus.Fields{
			"parked_id": item.ID,
			"event_id":  item.EventID,
			"attempts":  item.Attempts,
		}).Error("Parked event exhausted retry attempts, quarantined for manual review")
	} else {
		item.NextRetryAt = now.Add(s.parkedRetryBase() << uint(item.Attempts))
	}

	item.LastError = &reason
	item.UpdatedAt = now
	if err := s.store.UpdateParkedEvent(ctx, item); err != nil {
		s.logger.WithError(err).WithField("parked_id", item.ID).Error("Failed to reschedule parked event")
	}
}

// RunExpirePendingBatch cancels checkout orders the customer abandoned. Each
// order is re-checked under lock so a webhook racing the sweep wins.
func (s *BillingService) RunExpirePendingBatch(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.billingCfg.PendingTimeout)
	orders, err := s.store.ListExpiredPendingOrders(ctx, cutoff, s.batchSize())
	if err != nil {
		return err
	}

	expired := 0
	var firstErr error
	for _, stale := range orders {
		err := s.store.WithinTx(ctx, func(lg repository.Ledger) error {
			order, err := lg.FindOrderByCorrelationKey(ctx, stale.CorrelationKey, true)
			if err != nil {
				return err
			}
			if order == nil || order.Status != entity.OrderStatusPending {
				return nil
			}

			now := time.Now().UTC()
			order.Status = entity.OrderStatusCancelled
			order.UpdatedAt = now
			if err := lg.UpdateOrder(ctx, order); err != nil {
				return err
			}

			txn, err := lg.FindTransactionByOrderID(ctx, order.ID)
			if err != nil {
				return err
			}
			if txn != nil && !entity.TransactionStatusTerminal(txn.Status) {
				txn.Status = entity.TransactionStatusFailed
				txn.UpdatedAt = now
				if err := lg.UpdateTransaction(ctx, txn); err != nil {
					return err
				}
			}
			expired++
			return nil
		})
		if err != nil {
			s.logger.WithError(err).WithField("order_id", stale.ID).Error("Failed to expire pending order")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if expired > 0 {
		s.logger.WithField("count", expired).Info("Expired abandoned pending orders")
	}
	return firstErr
}

// RunReconcileBatch polls providers for transactions that stayed pending past
// the staleness window, covering webhooks that never arrived.
func (s *BillingService) RunReconcileBatch(ctx context.Context) error {
	before := time.Now().UTC().Add(-s.billingCfg.ReconcileStaleAfter)
	txns, err := s.store.ListStalePendingTransactions(ctx, before, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, txn := range txns {
		ref := trimRef(txn.ProviderPaymentRef)
		if ref == "" {
			continue
		}

		providerClient, err := s.providerReg.Get(txn.Provider)
		if err != nil {
			continue
		}

		status, err := providerClient.GetPaymentStatus(ctx, ref)
		if err != nil {
			s.logger.WithError(err).WithField("transaction_id", txn.ID).Warn("Payment status poll failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		kind, ok := providerKindForStatus(status)
		if !ok {
			continue
		}

		event := &provider.WebhookEvent{
			Provider:    txn.Provider,
			Kind:        kind,
			PaymentRef:  ref,
			AmountCents: txn.AmountCents,
			Currency:    txn.Currency,
		}

		var followup *subscriptionProvision
		err = s.store.WithinTx(ctx, func(lg repository.Ledger) error {
			f, err := s.applyPaymentEvent(ctx, lg, event)
			if err != nil {
				return err
			}
			followup = f
			return nil
		})
		if err != nil {
			if !errors.Is(err, errCorrelationNotFound) {
				s.logger.WithError(err).WithField("transaction_id", txn.ID).Error("Failed to reconcile stale transaction")
				if firstErr == nil {
					firstErr = err
				}
			}
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"transaction_id": txn.ID,
			"status":         status,
		}).Info("Reconciled stale pending transaction from provider status")

		if followup != nil {
			s.provisionOrPark(ctx, followup, nil)
		}
	}
	return firstErr
}

// RunPurgeProcessedBatch trims processed-event rows past the retention window.
func (s *BillingService) RunPurgeProcessedBatch(ctx context.Context) error {
	before := time.Now().UTC().Add(-s.billingCfg.ProcessedEventRetention)
	purged, err := s.store.PurgeProcessedEvents(ctx, before)
	if err != nil {
		return err
	}
	if purged > 0 {
		s.logger.WithField("count", purged).Info("Purged processed event records")
	}
	return nil
}

// ListParkedEvents exposes the parked queue for operator inspection.
func (s *BillingService) ListParkedEvents(ctx context.Context, limit int32) ([]*entity.ParkedEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = s.batchSize()
	}
	return s.store.ListParkedEvents(ctx, limit)
}
