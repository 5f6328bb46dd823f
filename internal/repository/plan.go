package repository

import (
	"context"
	"fmt"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const planColumns = `id, name, rank, monthly_price, annual_price, annual_total,
	max_users, max_storage_gb, max_projects, popular, monthly_price_ref, annual_price_ref`

// PlanRepository handles database operations for plans. There is no update
// path: a plan referenced by a subscription never changes.
type PlanRepository struct {
	db *pgxpool.Pool
}

// NewPlanRepository creates a new PlanRepository.
func NewPlanRepository(db *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{db: db}
}

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	var p domain.Plan
	err := row.Scan(
		&p.ID, &p.Name, &p.Rank, &p.MonthlyPrice, &p.AnnualPrice, &p.AnnualTotal,
		&p.Limits.MaxUsers, &p.Limits.MaxStorageGB, &p.Limits.MaxProjects, &p.Popular,
		&p.MonthlyPriceRef, &p.AnnualPriceRef,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindByID returns a plan, or nil when it does not exist.
func (r *PlanRepository) FindByID(ctx context.Context, id string) (*domain.Plan, error) {
	p, err := scanPlan(r.db.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find plan: %w", err)
	}
	return p, nil
}

// List returns all plans ordered by rank.
func (r *PlanRepository) List(ctx context.Context) ([]domain.Plan, error) {
	rows, err := r.db.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY rank, monthly_price`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// Seed inserts plans that do not exist yet. Existing plans keep their prices;
// only empty gateway price references are filled in.
func (r *PlanRepository) Seed(ctx context.Context, plans []domain.Plan) error {
	query := `
		INSERT INTO plans (` + planColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			monthly_price_ref = COALESCE(NULLIF(plans.monthly_price_ref, ''), EXCLUDED.monthly_price_ref),
			annual_price_ref  = COALESCE(NULLIF(plans.annual_price_ref, ''), EXCLUDED.annual_price_ref)
	`
	batch := &pgx.Batch{}
	for _, p := range plans {
		batch.Queue(query,
			p.ID, p.Name, p.Rank, p.MonthlyPrice, p.AnnualPrice, p.AnnualTotal,
			p.Limits.MaxUsers, p.Limits.MaxStorageGB, p.Limits.MaxProjects, p.Popular,
			p.MonthlyPriceRef, p.AnnualPriceRef,
		)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to seed plans: %w", err)
	}
	return nil
}
