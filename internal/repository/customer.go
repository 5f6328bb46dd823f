package repository

import (
	"context"
	"fmt"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CustomerRepository maps local users to gateway customers.
type CustomerRepository struct {
	db *pgxpool.Pool
}

// NewCustomerRepository creates a new CustomerRepository.
func NewCustomerRepository(db *pgxpool.Pool) *CustomerRepository {
	return &CustomerRepository{db: db}
}

func (r *CustomerRepository) findOne(ctx context.Context, where string, arg string) (*domain.CustomerLink, error) {
	row := r.db.QueryRow(ctx, `SELECT user_id, gateway_customer_id, created_at FROM customer_gateway_links WHERE `+where+` = $1`, arg)
	var l domain.CustomerLink
	if err := row.Scan(&l.UserID, &l.GatewayCustomerID, &l.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find customer link: %w", err)
	}
	return &l, nil
}

// FindByUser returns the user's link, or nil.
func (r *CustomerRepository) FindByUser(ctx context.Context, userID string) (*domain.CustomerLink, error) {
	return r.findOne(ctx, "user_id", userID)
}

// FindByGatewayCustomer returns the link for a gateway customer, or nil.
func (r *CustomerRepository) FindByGatewayCustomer(ctx context.Context, customerRef string) (*domain.CustomerLink, error) {
	return r.findOne(ctx, "gateway_customer_id", customerRef)
}

// Link stores the mapping, replacing a previous customer of the same user.
func (r *CustomerRepository) Link(ctx context.Context, link *domain.CustomerLink) error {
	query := `
		INSERT INTO customer_gateway_links (user_id, gateway_customer_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET gateway_customer_id = EXCLUDED.gateway_customer_id
	`
	if _, err := r.db.Exec(ctx, query, link.UserID, link.GatewayCustomerID, link.CreatedAt); err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}
	return nil
}

// ListAll returns every link, oldest first.
func (r *CustomerRepository) ListAll(ctx context.Context) ([]domain.CustomerLink, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id, gateway_customer_id, created_at FROM customer_gateway_links ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list customer links: %w", err)
	}
	defer rows.Close()

	var links []domain.CustomerLink
	for rows.Next() {
		var l domain.CustomerLink
		if err := rows.Scan(&l.UserID, &l.GatewayCustomerID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan customer link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
