package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hashvault/ms-go-billing/app/entity"
)

// Ledger is the full write/read surface of the persisted ledger. It is
// implemented both by Store (autocommit) and by the transaction handle passed
// to WithinTx, so reconciliation can commit an entity mutation together with
// its processed-event record in one unit.
type Ledger interface {
	UpsertUser(ctx context.Context, user *entity.User) error
	FindUserByExternalID(ctx context.Context, externalID string) (*entity.User, error)
	FindUserByID(ctx context.Context, id uint64) (*entity.User, error)
	DeleteUserByExternalID(ctx context.Context, externalID string) error

	FindPlanByID(ctx context.Context, id uint64) (*entity.Plan, error)

	CreateOrder(ctx context.Context, order *entity.Order) error
	UpdateOrder(ctx context.Context, order *entity.Order) error
	FindOrderByID(ctx context.Context, id uint64) (*entity.Order, error)
	FindOrderByCorrelationKey(ctx context.Context, key string, lock bool) (*entity.Order, error)
	FindPendingOrderByUserAndPlan(ctx context.Context, userID, planID uint64) (*entity.Order, error)
	ListOrdersByUser(ctx context.Context, userID uint64, limit, offset int32) ([]*entity.Order, error)
	ListExpiredPendingOrders(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.Order, error)

	CreateTransaction(ctx context.Context, txn *entity.Transaction) error
	UpdateTransaction(ctx context.Context, txn *entity.Transaction) error
	FindTransactionByID(ctx context.Context, id uint64) (*entity.Transaction, error)
	FindTransactionByOrderID(ctx context.Context, orderID uint64) (*entity.Transaction, error)
	FindTransactionByProviderRef(ctx context.Context, provider int32, ref string, lock bool) (*entity.Transaction, error)
	ListStalePendingTransactions(ctx context.Context, before time.Time, limit int32) ([]*entity.Transaction, error)

	CreateSubscription(ctx context.Context, sub *entity.Subscription) error
	UpdateSubscription(ctx context.Context, sub *entity.Subscription) error
	FindSubscriptionByID(ctx context.Context, id uint64) (*entity.Subscription, error)
	FindSubscriptionByProviderRef(ctx context.Context, provider int32, ref string, lock bool) (*entity.Subscription, error)
	FindSubscriptionByUserAndPlan(ctx context.Context, userID, planID uint64) (*entity.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID uint64) ([]*entity.Subscription, error)

	// MarkEventProcessed inserts the provider event id into the durable
	// processed set. It reports false without error when the id was already
	// present, which is how duplicate deliveries become no-ops.
	MarkEventProcessed(ctx context.Context, provider int32, eventID string) (bool, error)
	PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error)

	ParkEvent(ctx context.Context, event *entity.ParkedEvent) error
	UpdateParkedEvent(ctx context.Context, event *entity.ParkedEvent) error
	DeleteParkedEvent(ctx context.Context, id uint64) error
	ListDueParkedEvents(ctx context.Context, now time.Time, limit int32) ([]*entity.ParkedEvent, error)
	ListParkedEvents(ctx context.Context, limit int32) ([]*entity.ParkedEvent, error)
}

type repos struct {
	*UserRepository
	*PlanRepository
	*OrderRepository
	*TransactionRepository
	*SubscriptionRepository
	*EventRepository
}

func newRepos(db DBTX) repos {
	return repos{
		UserRepository:         NewUserRepository(db),
		PlanRepository:         NewPlanRepository(db),
		OrderRepository:        NewOrderRepository(db),
		TransactionRepository:  NewTransactionRepository(db),
		SubscriptionRepository: NewSubscriptionRepository(db),
		EventRepository:        NewEventRepository(db),
	}
}

// Store exposes the ledger over a *sql.DB and hands out transactional views.
type Store struct {
	repos
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{repos: newRepos(db), db: db}
}

// WithinTx runs fn against a transaction-bound ledger view. The transaction
// commits only when fn returns nil; any error rolls everything back,
// including processed-event records.
func (s *Store) WithinTx(ctx context.Context, fn func(Ledger) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(newRepos(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

var _ Ledger = repos{}
