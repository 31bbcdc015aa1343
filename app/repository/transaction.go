package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hashvault/ms-go-billing/app/entity"
)

var (
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionAlreadyExists = errors.New("transaction already exists")
)

const transactionColumns = `id, user_id, plan_id, order_id, provider, provider_payment_ref,
	amount_cents, currency, status, metadata_json, created_at, updated_at`

type TransactionRepository struct {
	db DBTX
}

func NewTransactionRepository(db DBTX) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) CreateTransaction(ctx context.Context, txn *entity.Transaction) error {
	metadataJSON, err := serializeMetadata(txn.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (
			user_id, plan_id, order_id, provider, provider_payment_ref,
			amount_cents, currency, status, metadata_json, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		txn.UserID,
		txn.PlanID,
		nullableUint64Value(txn.OrderID),
		txn.Provider,
		nullableStringValue(txn.ProviderPaymentRef),
		txn.AmountCents,
		txn.Currency,
		txn.Status,
		metadataJSON,
		txn.CreatedAt,
		txn.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrTransactionAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	txn.ID = uint64(id)
	return nil
}

func (r *TransactionRepository) UpdateTransaction(ctx context.Context, txn *entity.Transaction) error {
	metadataJSON, err := serializeMetadata(txn.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE transactions SET
			provider_payment_ref = ?,
			status = ?,
			metadata_json = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(txn.ProviderPaymentRef),
		txn.Status,
		metadataJSON,
		txn.UpdatedAt,
		txn.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *TransactionRepository) FindTransactionByID(ctx context.Context, id uint64) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	txn := &entity.Transaction{}
	if err := scanTransaction(r.db.QueryRowContext(ctx, query, id), txn); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return txn, nil
}

func (r *TransactionRepository) FindTransactionByOrderID(ctx context.Context, orderID uint64) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE order_id = ? LIMIT 1`

	txn := &entity.Transaction{}
	if err := scanTransaction(r.db.QueryRowContext(ctx, query, orderID), txn); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return txn, nil
}

func (r *TransactionRepository) FindTransactionByProviderRef(ctx context.Context, provider int32, ref string, lock bool) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE provider = ? AND provider_payment_ref = ? LIMIT 1`
	if lock {
		query += ` FOR UPDATE`
	}

	txn := &entity.Transaction{}
	if err := scanTransaction(r.db.QueryRowContext(ctx, query, provider, ref), txn); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return txn, nil
}

func (r *TransactionRepository) ListStalePendingTransactions(ctx context.Context, before time.Time, limit int32) ([]*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE status = ? AND provider_payment_ref IS NOT NULL AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, entity.TransactionStatusPending, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := make([]*entity.Transaction, 0)
	for rows.Next() {
		item := &entity.Transaction{}
		if err := scanTransaction(rows, item); err != nil {
			return nil, err
		}
		txns = append(txns, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txns, nil
}

func scanTransaction(scan rowScanner, txn *entity.Transaction) error {
	var orderID sql.NullInt64
	var providerPaymentRef sql.NullString
	var metadataJSON string

	err := scan.Scan(
		&txn.ID,
		&txn.UserID,
		&txn.PlanID,
		&orderID,
		&txn.Provider,
		&providerPaymentRef,
		&txn.AmountCents,
		&txn.Currency,
		&txn.Status,
		&metadataJSON,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		return err
	}

	txn.OrderID = uint64PtrFromNull(orderID)
	txn.ProviderPaymentRef = stringPtrFromNull(providerPaymentRef)

	metadata, err := parseMetadata(metadataJSON)
	if err != nil {
		return err
	}
	txn.Metadata = metadata
	return nil
}
