package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/hashvault/ms-go-billing/app/factory"
	"github.com/hashvault/ms-go-billing/app/provider"
	"github.com/hashvault/ms-go-billing/app/repository"
	"github.com/hashvault/ms-go-billing/config"
)

const (
	defaultListLimit = int32(100)
	defaultBatchSize = int32(100)
)

type ledgerStore interface {
	repository.Ledger
	WithinTx(ctx context.Context, fn func(repository.Ledger) error) error
}

// BillingService owns the checkout, reconciliation, identity-sync and job
// flows. All ledger writes go through the injected store; provider adapters
// are injected through the registry, never constructed per request.
type BillingService struct {
	store          ledgerStore
	providerReg    *provider.Registry
	billingCfg     config.BillingConfig
	identitySecret string
	logger         logrus.FieldLogger
}

func NewBillingService(
	store ledgerStore,
	providerReg *provider.Registry,
	billingCfg config.BillingConfig,
	identitySecret string,
) *BillingService {
	return &BillingService{
		store:          store,
		providerReg:    providerReg,
		billingCfg:     billingCfg,
		identitySecret: identitySecret,
		logger:         factory.NewModuleLogger("billing-service"),
	}
}

func (s *BillingService) batchSize() int32 {
	if s.billingCfg.JobBatchSize > 0 {
		return s.billingCfg.JobBatchSize
	}
	return defaultBatchSize
}

func (s *BillingService) failureLimit() int32 {
	if s.billingCfg.SubscriptionFailureLimit > 0 {
		return s.billingCfg.SubscriptionFailureLimit
	}
	return 3
}
