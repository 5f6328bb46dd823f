package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const subscriptionColumns = `id, user_id, plan_id, billing_type, status, gateway_subscription_id,
	start_date, end_date, amount_paid_cents, created_at, updated_at`

// SubscriptionRepository handles database operations for subscriptions.
// Rows are never re-pointed at another plan; changes close the current row
// and insert a new one.
type SubscriptionRepository struct {
	db *pgxpool.Pool
}

func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.BillingType, &sub.Status, &sub.GatewaySubscriptionID,
		&sub.StartDate, &sub.EndDate, &sub.AmountPaid, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindCurrent returns the user's active or trial subscription, or nil.
func (r *SubscriptionRepository) FindCurrent(ctx context.Context, userID string) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions WHERE user_id = $1 AND status IN ('active', 'trial')
		ORDER BY (status = 'active') DESC, created_at DESC LIMIT 1
	`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

// FindByGatewayRef returns the newest row mirroring a gateway subscription, or nil.
func (r *SubscriptionRepository) FindByGatewayRef(ctx context.Context, gatewayRef string) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions WHERE gateway_subscription_id = $1
		ORDER BY created_at DESC LIMIT 1
	`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, gatewayRef))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

// ReplaceCurrent closes every open row of the user (pending, active, trial,
// delinquent) as canceled and inserts sub, atomically.
func (r *SubscriptionRepository) ReplaceCurrent(ctx context.Context, sub *domain.Subscription) error {
	return withUserTx(ctx, r.db, sub.UserID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE subscriptions SET status = 'canceled', end_date = $2, updated_at = NOW()
			WHERE user_id = $1 AND status IN ('pending', 'active', 'trial', 'delinquent')
		`, sub.UserID, sub.StartDate)
		if err != nil {
			return fmt.Errorf("failed to close current subscription: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			sub.ID, sub.UserID, sub.PlanID, sub.BillingType, sub.Status, sub.GatewaySubscriptionID,
			sub.StartDate, sub.EndDate, sub.AmountPaid, sub.CreatedAt, sub.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return nil
	})
}

// Activate marks the row active, closing any other active row of the same
// user first. It reports whether the row changed state.
func (r *SubscriptionRepository) Activate(ctx context.Context, sub *domain.Subscription) (bool, error) {
	var changed bool
	err := withUserTx(ctx, r.db, sub.UserID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE subscriptions SET status = 'canceled', end_date = NOW(), updated_at = NOW()
			WHERE user_id = $1 AND status = 'active' AND id <> $2
		`, sub.UserID, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to close other subscriptions: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE subscriptions SET status = 'active', end_date = NULL, updated_at = NOW()
			WHERE id = $1 AND status <> 'active'
		`, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to activate subscription: %w", err)
		}
		changed = tag.RowsAffected() > 0
		return nil
	})
	return changed, err
}

// UpdateStatus sets the status of a row.
func (r *SubscriptionRepository) UpdateStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error {
	_, err := r.db.Exec(ctx, "UPDATE subscriptions SET status = $1, updated_at = NOW() WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	return nil
}

// Close ends a row with a terminal status.
func (r *SubscriptionRepository) Close(ctx context.Context, id string, status domain.SubscriptionStatus, end time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE subscriptions SET status = $1, end_date = $2, updated_at = NOW() WHERE id = $3
	`, status, end, id)
	if err != nil {
		return fmt.Errorf("failed to close subscription: %w", err)
	}
	return nil
}

// ListByUser returns the user's subscription history, newest first.
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID string) ([]domain.Subscription, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}
