package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hashvault/ms-go-billing/app/entity"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderAlreadyExists = errors.New("order already exists")
)

const orderColumns = `id, user_id, plan_id, facility_id, miner_id, correlation_key,
	provider, provider_session_id, checkout_url, amount_cents, currency, status,
	created_at, updated_at`

type OrderRepository struct {
	db DBTX
}

func NewOrderRepository(db DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) CreateOrder(ctx context.Context, order *entity.Order) error {
	query := `
		INSERT INTO orders (
			user_id, plan_id, facility_id, miner_id, correlation_key,
			provider, provider_session_id, checkout_url, amount_cents, currency, status,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		order.UserID,
		order.PlanID,
		nullableUint64Value(order.FacilityID),
		nullableUint64Value(order.MinerID),
		order.CorrelationKey,
		order.Provider,
		nullableStringValue(order.ProviderSessionID),
		nullableStringValue(order.CheckoutURL),
		order.AmountCents,
		order.Currency,
		order.Status,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrOrderAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	order.ID = uint64(id)
	return nil
}

func (r *OrderRepository) UpdateOrder(ctx context.Context, order *entity.Order) error {
	query := `
		UPDATE orders SET
			facility_id = ?,
			miner_id = ?,
			provider_session_id = ?,
			checkout_url = ?,
			status = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableUint64Value(order.FacilityID),
		nullableUint64Value(order.MinerID),
		nullableStringValue(order.ProviderSessionID),
		nullableStringValue(order.CheckoutURL),
		order.Status,
		order.UpdatedAt,
		order.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *OrderRepository) FindOrderByID(ctx context.Context, id uint64) (*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, id), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return order, nil
}

// FindOrderByCorrelationKey loads the order a provider event correlates to.
// lock takes a row lock so concurrent deliveries for the same key serialize
// inside the surrounding transaction.
func (r *OrderRepository) FindOrderByCorrelationKey(ctx context.Context, key string, lock bool) (*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE correlation_key = ? LIMIT 1`
	if lock {
		query += ` FOR UPDATE`
	}

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, key), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) FindPendingOrderByUserAndPlan(ctx context.Context, userID, planID uint64) (*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ? AND plan_id = ? AND status = ? LIMIT 1`

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, userID, planID, entity.OrderStatusPending), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) ListOrdersByUser(ctx context.Context, userID uint64, limit, offset int32) ([]*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (r *OrderRepository) ListExpiredPendingOrders(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = ? AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, entity.OrderStatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]*entity.Order, error) {
	orders := make([]*entity.Order, 0)
	for rows.Next() {
		item := &entity.Order{}
		if err := scanOrder(rows, item); err != nil {
			return nil, err
		}
		orders = append(orders, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func scanOrder(scan rowScanner, order *entity.Order) error {
	var facilityID sql.NullInt64
	var minerID sql.NullInt64
	var providerSessionID sql.NullString
	var checkoutURL sql.NullString

	err := scan.Scan(
		&order.ID,
		&order.UserID,
		&order.PlanID,
		&facilityID,
		&minerID,
		&order.CorrelationKey,
		&order.Provider,
		&providerSessionID,
		&checkoutURL,
		&order.AmountCents,
		&order.Currency,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return err
	}

	order.FacilityID = uint64PtrFromNull(facilityID)
	order.MinerID = uint64PtrFromNull(minerID)
	order.ProviderSessionID = stringPtrFromNull(providerSessionID)
	order.CheckoutURL = stringPtrFromNull(checkoutURL)
	return nil
}
