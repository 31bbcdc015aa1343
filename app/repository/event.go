package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hashvault/ms-go-billing/app/entity"
)

var ErrParkedEventNotFound = errors.New("parked event not found")

const parkedColumns = `id, provider, event_id, event_kind, payment_ref, subscription_ref,
	correlation_key, amount_cents, currency, payload_json, attempts, next_retry_at, last_error, created_at, updated_at`

type EventRepository struct {
	db DBTX
}

func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// MarkEventProcessed claims the (provider, event id) pair. A duplicate-key
// error means the event was already applied and reports (false, nil).
func (r *EventRepository) MarkEventProcessed(ctx context.Context, provider int32, eventID string) (bool, error) {
	query := `INSERT INTO processed_events (provider, event_id, seen_at) VALUES (?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, provider, eventID, time.Now().UTC())
	if err != nil {
		if isDuplicateEntryError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *EventRepository) PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM processed_events WHERE seen_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *EventRepository) ParkEvent(ctx context.Context, event *entity.ParkedEvent) error {
	query := `
		INSERT INTO parked_events (
			provider, event_id, event_kind, payment_ref, subscription_ref,
			correlation_key, amount_cents, currency, payload_json, attempts, next_retry_at, last_error, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		event.Provider,
		event.EventID,
		event.EventKind,
		nullableStringValue(event.PaymentRef),
		nullableStringValue(event.SubscriptionRef),
		nullableStringValue(event.CorrelationKey),
		event.AmountCents,
		event.Currency,
		event.PayloadJSON,
		event.Attempts,
		event.NextRetryAt,
		nullableStringValue(event.LastError),
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		// A duplicate park of the same delivery is fine; the first parked
		// row already carries everything needed for the retry.
		if isDuplicateEntryError(err) {
			return nil
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = uint64(id)
	return nil
}

func (r *EventRepository) UpdateParkedEvent(ctx context.Context, event *entity.ParkedEvent) error {
	query := `
		UPDATE parked_events SET
			attempts = ?,
			next_retry_at = ?,
			last_error = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		event.Attempts,
		event.NextRetryAt,
		nullableStringValue(event.LastError),
		event.UpdatedAt,
		event.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrParkedEventNotFound
	}
	return nil
}

func (r *EventRepository) DeleteParkedEvent(ctx context.Context, id uint64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM parked_events WHERE id = ?`, id)
	return err
}

func (r *EventRepository) ListDueParkedEvents(ctx context.Context, now time.Time, limit int32) ([]*entity.ParkedEvent, error) {
	query := `SELECT ` + parkedColumns + ` FROM parked_events
		WHERE next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectParkedEvents(rows)
}

func (r *EventRepository) ListParkedEvents(ctx context.Context, limit int32) ([]*entity.ParkedEvent, error) {
	query := `SELECT ` + parkedColumns + ` FROM parked_events ORDER BY created_at ASC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectParkedEvents(rows)
}

func collectParkedEvents(rows *sql.Rows) ([]*entity.ParkedEvent, error) {
	events := make([]*entity.ParkedEvent, 0)
	for rows.Next() {
		item := &entity.ParkedEvent{}
		if err := scanParkedEvent(rows, item); err != nil {
			return nil, err
		}
		events = append(events, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanParkedEvent(scan rowScanner, event *entity.ParkedEvent) error {
	var paymentRef sql.NullString
	var subscriptionRef sql.NullString
	var correlationKey sql.NullString
	var lastError sql.NullString

	err := scan.Scan(
		&event.ID,
		&event.Provider,
		&event.EventID,
		&event.EventKind,
		&paymentRef,
		&subscriptionRef,
		&correlationKey,
		&event.AmountCents,
		&event.Currency,
		&event.PayloadJSON,
		&event.Attempts,
		&event.NextRetryAt,
		&lastError,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return err
	}

	event.PaymentRef = stringPtrFromNull(paymentRef)
	event.SubscriptionRef = stringPtrFromNull(subscriptionRef)
	event.CorrelationKey = stringPtrFromNull(correlationKey)
	event.LastError = stringPtrFromNull(lastError)
	return nil
}
