package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations executes the billing schema migration. The users table is
// owned by the authentication service and is only created here so a fresh
// database can boot; billing never writes to it.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			password   TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

		CREATE TABLE IF NOT EXISTS plans (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			rank              INTEGER NOT NULL,
			monthly_price     BIGINT NOT NULL,
			annual_price      BIGINT NOT NULL,
			annual_total      BIGINT NOT NULL,
			max_users         INTEGER NOT NULL DEFAULT 0,
			max_storage_gb    INTEGER NOT NULL DEFAULT 0,
			max_projects      INTEGER NOT NULL DEFAULT 0,
			popular           BOOLEAN NOT NULL DEFAULT FALSE,
			monthly_price_ref TEXT NOT NULL DEFAULT '',
			annual_price_ref  TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id                      TEXT PRIMARY KEY,
			user_id                 TEXT NOT NULL,
			plan_id                 TEXT NOT NULL REFERENCES plans(id),
			billing_type            TEXT NOT NULL,
			status                  TEXT NOT NULL,
			gateway_subscription_id TEXT NOT NULL DEFAULT '',
			start_date              TIMESTAMPTZ NOT NULL,
			end_date                TIMESTAMPTZ,
			amount_paid_cents       BIGINT NOT NULL DEFAULT 0,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_gateway_id ON subscriptions(gateway_subscription_id);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_subscriptions_one_active
			ON subscriptions(user_id) WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS payment_records (
			id                        TEXT PRIMARY KEY,
			user_id                   TEXT NOT NULL,
			subscription_id           TEXT NOT NULL DEFAULT '',
			gateway_invoice_id        TEXT NOT NULL UNIQUE,
			gateway_payment_intent_id TEXT NOT NULL DEFAULT '',
			gateway_customer_id       TEXT NOT NULL DEFAULT '',
			amount_cents              BIGINT NOT NULL,
			card_amount_cents         BIGINT NOT NULL,
			credit_amount_cents       BIGINT NOT NULL,
			credit_generated_cents    BIGINT NOT NULL DEFAULT 0,
			difference_amount_cents   BIGINT,
			status                    TEXT NOT NULL,
			payment_method            TEXT NOT NULL,
			payment_date              TIMESTAMPTZ NOT NULL,
			plan_name                 TEXT NOT NULL DEFAULT '',
			period                    TEXT NOT NULL DEFAULT '',
			invoice_url               TEXT NOT NULL DEFAULT '',
			credit_balance_cents      BIGINT NOT NULL DEFAULT 0,
			created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_payment_records_user_id ON payment_records(user_id, payment_date DESC);

		CREATE TABLE IF NOT EXISTS customer_gateway_links (
			user_id             TEXT PRIMARY KEY,
			gateway_customer_id TEXT NOT NULL UNIQUE,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// withUserTx runs fn in a transaction holding a transaction-scoped advisory
// lock on userID, so concurrent writers for the same user serialize even
// across processes.
func withUserTx(ctx context.Context, db *pgxpool.Pool, userID string, fn func(tx pgx.Tx) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", userID); err != nil {
		return fmt.Errorf("failed to lock user %s: %w", userID, err)
	}
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
