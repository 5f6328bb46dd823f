package repository

import (
	"context"
	"fmt"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const paymentColumns = `id, user_id, subscription_id, gateway_invoice_id, gateway_payment_intent_id,
	gateway_customer_id, amount_cents, card_amount_cents, credit_amount_cents, credit_generated_cents,
	difference_amount_cents, status, payment_method, payment_date, plan_name, period, invoice_url,
	credit_balance_cents, created_at, updated_at`

// PaymentRepository persists the payment ledger.
type PaymentRepository struct {
	db *pgxpool.Pool
}

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(db *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func scanPayment(row pgx.Row) (*domain.PaymentRecord, error) {
	var p domain.PaymentRecord
	err := row.Scan(
		&p.ID, &p.UserID, &p.SubscriptionID, &p.GatewayInvoiceID, &p.GatewayPaymentIntentID,
		&p.GatewayCustomerID, &p.Amount, &p.CardAmount, &p.CreditAmount, &p.CreditGenerated,
		&p.DifferenceAmount, &p.Status, &p.PaymentMethod, &p.PaymentDate, &p.PlanName, &p.Period, &p.InvoiceURL,
		&p.CreditBalanceSnapshot, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindByInvoiceID returns the record for a gateway invoice, or nil.
func (r *PaymentRepository) FindByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentRecord, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE gateway_invoice_id = $1`, invoiceID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find payment record: %w", err)
	}
	return p, nil
}

// Upsert writes rec keyed by its gateway invoice id in a single statement.
// A settled (Paid) row is never overwritten; any other existing row is
// replaced. inserted is false when the row already existed.
func (r *PaymentRepository) Upsert(ctx context.Context, rec *domain.PaymentRecord) (inserted bool, err error) {
	query := `
		INSERT INTO payment_records (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (gateway_invoice_id) DO UPDATE SET
			subscription_id           = EXCLUDED.subscription_id,
			gateway_payment_intent_id = EXCLUDED.gateway_payment_intent_id,
			amount_cents              = EXCLUDED.amount_cents,
			card_amount_cents         = EXCLUDED.card_amount_cents,
			credit_amount_cents       = EXCLUDED.credit_amount_cents,
			credit_generated_cents    = EXCLUDED.credit_generated_cents,
			difference_amount_cents   = EXCLUDED.difference_amount_cents,
			status                    = EXCLUDED.status,
			payment_method            = EXCLUDED.payment_method,
			payment_date              = EXCLUDED.payment_date,
			invoice_url               = COALESCE(NULLIF(EXCLUDED.invoice_url, ''), payment_records.invoice_url),
			credit_balance_cents      = EXCLUDED.credit_balance_cents,
			updated_at                = NOW()
		WHERE payment_records.status <> 'Paid'
		RETURNING (xmax = 0)
	`
	err = r.db.QueryRow(ctx, query,
		rec.ID, rec.UserID, rec.SubscriptionID, rec.GatewayInvoiceID, rec.GatewayPaymentIntentID,
		rec.GatewayCustomerID, rec.Amount, rec.CardAmount, rec.CreditAmount, rec.CreditGenerated,
		rec.DifferenceAmount, rec.Status, rec.PaymentMethod, rec.PaymentDate, rec.PlanName, rec.Period, rec.InvoiceURL,
		rec.CreditBalanceSnapshot, rec.CreatedAt, rec.UpdatedAt,
	).Scan(&inserted)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Conflict with a settled row: nothing written.
			return false, nil
		}
		return false, fmt.Errorf("failed to upsert payment record: %w", err)
	}
	return inserted, nil
}

// RefreshInvoiceURL updates the hosted invoice URL, the only field that may
// change on a settled record.
func (r *PaymentRepository) RefreshInvoiceURL(ctx context.Context, invoiceID, url string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payment_records SET invoice_url = $2, updated_at = NOW()
		WHERE gateway_invoice_id = $1 AND invoice_url <> $2
	`, invoiceID, url)
	if err != nil {
		return fmt.Errorf("failed to refresh invoice url: %w", err)
	}
	return nil
}

// ListByUser returns up to limit records, newest first.
func (r *PaymentRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.PaymentRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_records WHERE user_id = $1
		ORDER BY payment_date DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment records: %w", err)
	}
	defer rows.Close()

	records := []domain.PaymentRecord{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment record: %w", err)
		}
		records = append(records, *p)
	}
	return records, rows.Err()
}
