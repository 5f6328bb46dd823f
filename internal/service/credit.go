package service

import (
	"context"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/pkg/payment"
	"github.com/sirupsen/logrus"
)

// CreditService reads customer credit from the gateway. Reads are advisory:
// failures degrade to zero credit instead of failing the caller.
type CreditService struct {
	gateway   payment.Gateway
	customers CustomerStore
	log       logrus.FieldLogger
}

// NewCreditService creates a new CreditService. gateway may be nil when the
// gateway is not configured.
func NewCreditService(gateway payment.Gateway, customers CustomerStore, log logrus.FieldLogger) *CreditService {
	return &CreditService{gateway: gateway, customers: customers, log: log}
}

// Balance returns the customer's available credit. The gateway stores credit
// as a negative balance and debt as a positive one; debt yields zero.
func (s *CreditService) Balance(ctx context.Context, customerRef string) domain.Money {
	if s.gateway == nil || customerRef == "" {
		return 0
	}
	c, err := s.gateway.GetCustomer(ctx, customerRef)
	if err != nil {
		s.log.WithError(err).WithField("customer", customerRef).Warn("Credit balance lookup failed, assuming zero")
		return 0
	}
	if c == nil || c.Deleted {
		return 0
	}
	return domain.Money(-c.Balance).NonNegative()
}

// BalanceForUser returns the credit of the user's gateway customer, or zero
// when the user has never been billed.
func (s *CreditService) BalanceForUser(ctx context.Context, userID string) (domain.Money, error) {
	if s.gateway == nil {
		return 0, errGatewayNotConfigured
	}
	link, err := s.customers.FindByUser(ctx, userID)
	if err != nil {
		return 0, domain.ErrInternal("failed to load customer link", err)
	}
	if link == nil {
		return 0, nil
	}
	return s.Balance(ctx, link.GatewayCustomerID), nil
}
