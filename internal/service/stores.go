package service

import (
	"context"
	"time"

	"github.com/aiagenz/billing/internal/domain"
)

// The store interfaces below are satisfied by the pgx repositories in
// internal/repository. Find methods return nil, nil when nothing matches.

type PlanStore interface {
	FindByID(ctx context.Context, id string) (*domain.Plan, error)
	List(ctx context.Context) ([]domain.Plan, error)
}

type SubscriptionStore interface {
	FindCurrent(ctx context.Context, userID string) (*domain.Subscription, error)
	FindByGatewayRef(ctx context.Context, gatewayRef string) (*domain.Subscription, error)
	// ReplaceCurrent closes every open row of sub.UserID and inserts sub in
	// one transaction.
	ReplaceCurrent(ctx context.Context, sub *domain.Subscription) error
	// Activate marks sub active and closes any other active row of the user.
	Activate(ctx context.Context, sub *domain.Subscription) (changed bool, err error)
	UpdateStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error
	Close(ctx context.Context, id string, status domain.SubscriptionStatus, end time.Time) error
	ListByUser(ctx context.Context, userID string) ([]domain.Subscription, error)
}

type PaymentStore interface {
	FindByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentRecord, error)
	// Upsert inserts rec or replaces a non-settled row with the same invoice
	// id. A Paid row is left untouched.
	Upsert(ctx context.Context, rec *domain.PaymentRecord) (inserted bool, err error)
	RefreshInvoiceURL(ctx context.Context, invoiceID, url string) error
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.PaymentRecord, error)
}

type CustomerStore interface {
	FindByUser(ctx context.Context, userID string) (*domain.CustomerLink, error)
	FindByGatewayCustomer(ctx context.Context, customerRef string) (*domain.CustomerLink, error)
	Link(ctx context.Context, link *domain.CustomerLink) error
	ListAll(ctx context.Context) ([]domain.CustomerLink, error)
}

type UserStore interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
}
