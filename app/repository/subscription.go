package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hashvault/ms-go-billing/app/entity"
)

var (
	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists")
)

const subscriptionColumns = `id, user_id, plan_id, provider, provider_subscription_id,
	status, cancel_at_period_end, consecutive_failures, created_at, updated_at`

type SubscriptionRepository struct {
	db DBTX
}

func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub *entity.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			user_id, plan_id, provider, provider_subscription_id,
			status, cancel_at_period_end, consecutive_failures, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		sub.UserID,
		sub.PlanID,
		sub.Provider,
		sub.ProviderSubscriptionID,
		sub.Status,
		sub.CancelAtPeriodEnd,
		sub.ConsecutiveFailures,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrSubscriptionAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	sub.ID = uint64(id)
	return nil
}

func (r *SubscriptionRepository) UpdateSubscription(ctx context.Context, sub *entity.Subscription) error {
	query := `
		UPDATE subscriptions SET
			status = ?,
			cancel_at_period_end = ?,
			consecutive_failures = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		sub.Status,
		sub.CancelAtPeriodEnd,
		sub.ConsecutiveFailures,
		sub.UpdatedAt,
		sub.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (r *SubscriptionRepository) FindSubscriptionByID(ctx context.Context, id uint64) (*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = ?`

	sub := &entity.Subscription{}
	if err := scanSubscription(r.db.QueryRowContext(ctx, query, id), sub); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *SubscriptionRepository) FindSubscriptionByProviderRef(ctx context.Context, provider int32, ref string, lock bool) (*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider = ? AND provider_subscription_id = ? LIMIT 1`
	if lock {
		query += ` FOR UPDATE`
	}

	sub := &entity.Subscription{}
	if err := scanSubscription(r.db.QueryRowContext(ctx, query, provider, ref), sub); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return sub, nil
}

// FindSubscriptionByUserAndPlan returns the non-cancelled subscription for the
// pair, if any. The unique active-per-pair invariant is enforced here plus a
// guard at creation time.
func (r *SubscriptionRepository) FindSubscriptionByUserAndPlan(ctx context.Context, userID, planID uint64) (*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE user_id = ? AND plan_id = ? AND status != ?
		LIMIT 1`

	sub := &entity.Subscription{}
	if err := scanSubscription(r.db.QueryRowContext(ctx, query, userID, planID, entity.SubscriptionStatusCancelled), sub); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *SubscriptionRepository) ListSubscriptionsByUser(ctx context.Context, userID uint64) ([]*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = ? ORDER BY id DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]*entity.Subscription, 0)
	for rows.Next() {
		item := &entity.Subscription{}
		if err := scanSubscription(rows, item); err != nil {
			return nil, err
		}
		subs = append(subs, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

func scanSubscription(scan rowScanner, sub *entity.Subscription) error {
	return scan.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanID,
		&sub.Provider,
		&sub.ProviderSubscriptionID,
		&sub.Status,
		&sub.CancelAtPeriodEnd,
		&sub.ConsecutiveFailures,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
}
