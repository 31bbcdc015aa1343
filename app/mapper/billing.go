package mapper

import (
	"time"

	"github.com/hashvault/ms-go-billing/app/entity"
	"github.com/hashvault/ms-go-billing/app/provider"
	"github.com/hashvault/ms-go-billing/app/types"
)

func OrderToResponse(item *entity.Order) *types.Order {
	if item == nil {
		return nil
	}

	return &types.Order{
		ID:             item.ID,
		PlanID:         item.PlanID,
		FacilityID:     derefUint64(item.FacilityID),
		MinerID:        derefUint64(item.MinerID),
		CorrelationKey: item.CorrelationKey,
		Provider:       providerName(item.Provider),
		AmountCents:    item.AmountCents,
		Currency:       item.Currency,
		Status:         orderStatusName(item.Status),
		CreatedAt:      item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func OrdersToResponse(items []*entity.Order) []*types.Order {
	result := make([]*types.Order, 0, len(items))
	for _, item := range items {
		result = append(result, OrderToResponse(item))
	}
	return result
}

func SubscriptionToResponse(item *entity.Subscription) *types.Subscription {
	if item == nil {
		return nil
	}

	return &types.Subscription{
		ID:                     item.ID,
		PlanID:                 item.PlanID,
		Provider:               providerName(item.Provider),
		ProviderSubscriptionID: item.ProviderSubscriptionID,
		Status:                 subscriptionStatusName(item.Status),
		CancelAtPeriodEnd:      item.CancelAtPeriodEnd,
		CreatedAt:              item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:              item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func SubscriptionsToResponse(items []*entity.Subscription) []*types.Subscription {
	result := make([]*types.Subscription, 0, len(items))
	for _, item := range items {
		result = append(result, SubscriptionToResponse(item))
	}
	return result
}

func ParkedEventToResponse(item *entity.ParkedEvent) *types.ParkedEvent {
	if item == nil {
		return nil
	}

	return &types.ParkedEvent{
		ID:             item.ID,
		Provider:       providerName(item.Provider),
		EventID:        item.EventID,
		PaymentRef:     derefString(item.PaymentRef),
		CorrelationKey: derefString(item.CorrelationKey),
		Attempts:       item.Attempts,
		NextRetryAt:    item.NextRetryAt.UTC().Format(time.RFC3339),
		LastError:      derefString(item.LastError),
		CreatedAt:      item.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func ParkedEventsToResponse(items []*entity.ParkedEvent) []*types.ParkedEvent {
	result := make([]*types.ParkedEvent, 0, len(items))
	for _, item := range items {
		result = append(result, ParkedEventToResponse(item))
	}
	return result
}

func providerName(code int32) string {
	switch code {
	case provider.CodeStripe:
		return "stripe"
	case provider.CodeNOWPayments:
		return "nowpayments"
	default:
		return "unknown"
	}
}

func orderStatusName(status int32) string {
	switch status {
	case entity.OrderStatusPending:
		return "pending"
	case entity.OrderStatusPaid:
		return "paid"
	case entity.OrderStatusFailed:
		return "failed"
	case entity.OrderStatusCancelled:
		return "cancelled"
	case entity.OrderStatusFulfilled:
		return "fulfilled"
	default:
		return "unknown"
	}
}

func subscriptionStatusName(status int32) string {
	switch status {
	case entity.SubscriptionStatusActive:
		return "active"
	case entity.SubscriptionStatusPastDue:
		return "past_due"
	case entity.SubscriptionStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefUint64(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}
