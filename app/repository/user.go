package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hashvault/ms-go-billing/app/entity"
)

var ErrUserNotFound = errors.New("user not found")

type UserRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// UpsertUser inserts or refreshes the user keyed by external identity id.
// Optional fields only move forward: a nil stripe customer id or payout
// address never clears a stored one.
func (r *UserRepository) UpsertUser(ctx context.Context, user *entity.User) error {
	query := `
		INSERT INTO users (external_id, email, role, stripe_customer_id, payout_address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			email = VALUES(email),
			role = VALUES(role),
			stripe_customer_id = COALESCE(VALUES(stripe_customer_id), stripe_customer_id),
			payout_address = COALESCE(VALUES(payout_address), payout_address),
			updated_at = VALUES(updated_at)
	`

	_, err := r.db.ExecContext(ctx, query,
		user.ExternalID,
		user.Email,
		user.Role,
		nullableStringValue(user.StripeCustomerID),
		nullableStringValue(user.PayoutAddress),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return err
	}

	stored, err := r.FindUserByExternalID(ctx, user.ExternalID)
	if err != nil {
		return err
	}
	if stored == nil {
		return ErrUserNotFound
	}
	user.ID = stored.ID
	user.StripeCustomerID = stored.StripeCustomerID
	user.PayoutAddress = stored.PayoutAddress
	return nil
}

func (r *UserRepository) FindUserByExternalID(ctx context.Context, externalID string) (*entity.User, error) {
	query := `
		SELECT id, external_id, email, role, stripe_customer_id, payout_address, created_at, updated_at
		FROM users
		WHERE external_id = ?
		LIMIT 1
	`

	user := &entity.User{}
	if err := scanUser(r.db.QueryRowContext(ctx, query, externalID), user); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *UserRepository) FindUserByID(ctx context.Context, id uint64) (*entity.User, error) {
	query := `
		SELECT id, external_id, email, role, stripe_customer_id, payout_address, created_at, updated_at
		FROM users
		WHERE id = ?
	`

	user := &entity.User{}
	if err := scanUser(r.db.QueryRowContext(ctx, query, id), user); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return user, nil
}

// DeleteUserByExternalID removes the user row only. Orders, transactions and
// subscriptions keep their user_id; financial history outlives identity.
func (r *UserRepository) DeleteUserByExternalID(ctx context.Context, externalID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE external_id = ?`, externalID)
	return err
}

func scanUser(scan rowScanner, user *entity.User) error {
	var stripeCustomerID sql.NullString
	var payoutAddress sql.NullString

	err := scan.Scan(
		&user.ID,
		&user.ExternalID,
		&user.Email,
		&user.Role,
		&stripeCustomerID,
		&payoutAddress,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return err
	}

	user.StripeCustomerID = stringPtrFromNull(stripeCustomerID)
	user.PayoutAddress = stringPtrFromNull(payoutAddress)
	return nil
}
