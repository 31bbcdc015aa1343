package repository

import (
	"context"
	"database/sql"

	"github.com/hashvault/ms-go-billing/app/entity"
)

type PlanRepository struct {
	db DBTX
}

func NewPlanRepository(db DBTX) *PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) FindPlanByID(ctx context.Context, id uint64) (*entity.Plan, error) {
	query := `
		SELECT id, code, name, price_cents, currency, hashrate_ths, term_days,
			recurring, interval_unit, interval_count, created_at, updated_at
		FROM plans
		WHERE id = ?
	`

	plan := &entity.Plan{}
	var intervalUnit sql.NullString
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&plan.ID,
		&plan.Code,
		&plan.Name,
		&plan.PriceCents,
		&plan.Currency,
		&plan.HashrateTHS,
		&plan.TermDays,
		&plan.Recurring,
		&intervalUnit,
		&plan.IntervalN,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if intervalUnit.Valid {
		plan.IntervalUnit = intervalUnit.String
	}
	return plan, nil
}
