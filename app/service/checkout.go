package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hashvault/ms-go-billing/app/entity"
	"github.com/hashvault/ms-go-billing/app/provider"
	"github.com/hashvault/ms-go-billing/app/repository"
	"github.com/hashvault/ms-go-billing/app/types"
)

type CheckoutResult struct {
	Order          *entity.Order
	Transaction    *entity.Transaction
	CorrelationKey string
	CheckoutURL    string
	PaymentAddress string
}

// CreateCheckout creates a pending Order and Transaction before any provider
// call is made, so a crash mid-checkout can leave an internal pending row
// without a provider session but never a provider session without a row.
// Stale pending rows are cleaned up by the expiry sweep.
// The role comes from the signed session, so the mirrored user row keeps the
// identity provider's role instead of being demoted by a checkout.
func (s *BillingService) CreateCheckout(ctx context.Context, externalUserID, email, role string, req *types.CreateCheckoutRequest) (*CheckoutResult, error) {
	externalUserID = strings.TrimSpace(externalUserID)
	if externalUserID == "" {
		return nil, ErrInvalidRequest
	}

	providerClient, err := s.providerForMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(role, entity.RoleAdmin) {
		role = entity.RoleAdmin
	} else {
		role = entity.RoleUser
	}

	now := time.Now().UTC()
	user := &entity.User{
		ExternalID: externalUserID,
		Email:      strings.TrimSpace(email),
		Role:       role,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return nil, err
	}

	plan, err := s.store.FindPlanByID(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}

	if existing, err := s.store.FindPendingOrderByUserAndPlan(ctx, user.ID, plan.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrCheckoutInProgress
	}

	if plan.Recurring {
		if sub, err := s.store.FindSubscriptionByUserAndPlan(ctx, user.ID, plan.ID); err != nil {
			return nil, err
		} else if sub != nil {
			return nil, ErrSubscriptionExists
		}
	}

	correlationKey := uuid.NewString()
	order := &entity.Order{
		UserID:         user.ID,
		PlanID:         plan.ID,
		FacilityID:     req.FacilityID,
		MinerID:        req.MinerID,
		CorrelationKey: correlationKey,
		Provider:       providerClient.Code(),
		AmountCents:    plan.PriceCents,
		Currency:       plan.Currency,
		Status:         entity.OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	txn := &entity.Transaction{
		UserID:      user.ID,
		PlanID:      plan.ID,
		Provider:    providerClient.Code(),
		AmountCents: plan.PriceCents,
		Currency:    plan.Currency,
		Status:      entity.TransactionStatusPending,
		Metadata:    map[string]string{"correlation_key": correlationKey},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.WithinTx(ctx, func(lg repository.Ledger) error {
		if err := lg.CreateOrder(ctx, order); err != nil {
			return err
		}
		orderID := order.ID
		txn.OrderID = &orderID
		return lg.CreateTransaction(ctx, txn)
	}); err != nil {
		if errors.Is(err, repository.ErrOrderAlreadyExists) {
			return nil, ErrCheckoutInProgress
		}
		return nil, err
	}

	checkoutOutput, err := providerClient.CreateCheckout(ctx, &provider.CheckoutInput{
		CorrelationKey:   correlationKey,
		PlanCode:         plan.Code,
		PlanName:         plan.Name,
		AmountCents:      plan.PriceCents,
		Currency:         plan.Currency,
		Recurring:        plan.Recurring,
		IntervalUnit:     plan.IntervalUnit,
		IntervalN:        plan.IntervalN,
		CustomerEmail:    user.Email,
		StripeCustomerID: user.StripeCustomerID,
		SuccessURL:       s.billingCfg.CheckoutSuccessURL,
		CancelURL:        s.billingCfg.CheckoutCancelURL,
	})
	if err != nil {
		s.logger.WithError(err).WithField("correlation_key", correlationKey).Error("Provider checkout creation failed")
		return nil, ErrProviderUnavailable
	}

	// Attach against a locked re-read: a webhook delivered between the first
	// commit and this one may already have settled the rows, and the session
	// attachment must never move their status backwards.
	attachedAt := time.Now().UTC()
	if err := s.store.WithinTx(ctx, func(lg repository.Ledger) error {
		locked, err := lg.FindOrderByCorrelationKey(ctx, correlationKey, true)
		if err != nil {
			return err
		}
		if locked == nil {
			return ErrOrderNotFound
		}
		locked.ProviderSessionID = checkoutOutput.SessionID
		locked.CheckoutURL = checkoutOutput.CheckoutURL
		locked.UpdatedAt = attachedAt
		if err := lg.UpdateOrder(ctx, locked); err != nil {
			return err
		}
		order = locked

		lockedTxn, err := lg.FindTransactionByOrderID(ctx, locked.ID)
		if err != nil {
			return err
		}
		if lockedTxn == nil {
			return nil
		}
		if lockedTxn.ProviderPaymentRef == nil || *lockedTxn.ProviderPaymentRef == "" {
			lockedTxn.ProviderPaymentRef = checkoutOutput.SessionID
		}
		lockedTxn.UpdatedAt = attachedAt
		if err := lg.UpdateTransaction(ctx, lockedTxn); err != nil {
			return err
		}
		txn = lockedTxn
		return nil
	}); err != nil {
		return nil, err
	}

	result := &CheckoutResult{
		Order:          order,
		Transaction:    txn,
		CorrelationKey: correlationKey,
	}
	if checkoutOutput.CheckoutURL != nil {
		result.CheckoutURL = *checkoutOutput.CheckoutURL
	}
	if checkoutOutput.PaymentAddress != nil {
		result.PaymentAddress = *checkoutOutput.PaymentAddress
	}
	return result, nil
}

func (s *BillingService) providerForMethod(method string) (provider.Provider, error) {
	switch method {
	case types.PaymentMethodCard:
		return s.providerReg.Get(provider.CodeStripe)
	case types.PaymentMethodCrypto:
		return s.providerReg.Get(provider.CodeNOWPayments)
	default:
		return nil, ErrProviderUnsupported
	}
}

// FulfillOrder moves a paid order to fulfilled once provisioning against the
// facility/miner inventory has completed. Admin-only repair surface.
func (s *BillingService) FulfillOrder(ctx context.Context, orderID uint64) (*entity.Order, error) {
	var order *entity.Order
	err := s.store.WithinTx(ctx, func(lg repository.Ledger) error {
		found, err := lg.FindOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if found == nil {
			return ErrOrderNotFound
		}
		if found.Status != entity.OrderStatusPaid {
			return ErrInvalidStatus
		}

		found.Status = entity.OrderStatusFulfilled
		found.UpdatedAt = time.Now().UTC()
		if err := lg.UpdateOrder(ctx, found); err != nil {
			return err
		}
		order = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *BillingService) ListOrders(ctx context.Context, externalUserID string, req *types.ListRequest) ([]*entity.Order, error) {
	user, err := s.store.FindUserByExternalID(ctx, strings.TrimSpace(externalUserID))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return []*entity.Order{}, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.store.ListOrdersByUser(ctx, user.ID, limit, req.Offset)
}

func (s *BillingService) ListSubscriptions(ctx context.Context, externalUserID string) ([]*entity.Subscription, error) {
	user, err := s.store.FindUserByExternalID(ctx, strings.TrimSpace(externalUserID))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return []*entity.Subscription{}, nil
	}
	return s.store.ListSubscriptionsByUser(ctx, user.ID)
}

// CancelSubscription cancels at the provider and records the intent. The
// terminal cancelled status is written immediately for hard cancels; period-end
// cancels keep the subscription active until the provider's deletion webhook.
func (s *BillingService) CancelSubscription(ctx context.Context, externalUserID string, req *types.CancelSubscriptionRequest) (*entity.Subscription, error) {
	user, err := s.store.FindUserByExternalID(ctx, strings.TrimSpace(externalUserID))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrSubscriptionNotFound
	}

	sub, err := s.store.FindSubscriptionByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.UserID != user.ID {
		return nil, ErrSubscriptionNotFound
	}
	if sub.Status == entity.SubscriptionStatusCancelled {
		return nil, ErrInvalidStatus
	}

	providerClient, err := s.providerReg.Get(sub.Provider)
	if err != nil {
		return nil, err
	}
	if err := providerClient.CancelSubscription(ctx, sub.ProviderSubscriptionID, req.CancelAtPeriodEnd); err != nil {
		s.logger.WithError(err).WithField("subscription_id", sub.ID).Error("Provider subscription cancel failed")
		return nil, ErrProviderUnavailable
	}

	err = s.store.WithinTx(ctx, func(lg repository.Ledger) error {
		locked, err := lg.FindSubscriptionByProviderRef(ctx, sub.Provider, sub.ProviderSubscriptionID, true)
		if err != nil {
			return err
		}
		if locked == nil {
			return ErrSubscriptionNotFound
		}
		locked.CancelAtPeriodEnd = req.CancelAtPeriodEnd
		if !req.CancelAtPeriodEnd {
			locked.Status = entity.SubscriptionStatusCancelled
		}
		locked.UpdatedAt = time.Now().UTC()
		if err := lg.UpdateSubscription(ctx, locked); err != nil {
			return err
		}
		sub = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
