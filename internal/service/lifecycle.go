package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/internal/lock"
	"github.com/aiagenz/billing/internal/metrics"
	"github.com/aiagenz/billing/pkg/payment"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultPaymentsLimit = 20
	maxPaymentsLimit     = 100
)

// LifecycleService orchestrates subscription changes and cancellation. The
// gateway mutation is the authoritative outcome of a change: local failures
// after it are reported but never rolled back against the gateway.
type LifecycleService struct {
	plans     PlanStore
	subs      SubscriptionStore
	customers CustomerStore
	users     UserStore
	payments  PaymentStore
	gateway   payment.Gateway
	ledger    *LedgerService
	locker    lock.Locker
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	validate  *validator.Validate
	now       Clock
}

// LifecycleDeps groups the collaborators of LifecycleService.
type LifecycleDeps struct {
	Plans     PlanStore
	Subs      SubscriptionStore
	Customers CustomerStore
	Users     UserStore
	Payments  PaymentStore
	Gateway   payment.Gateway
	Ledger    *LedgerService
	Locker    lock.Locker
	Metrics   *metrics.Metrics
	Log       logrus.FieldLogger
}

// NewLifecycleService creates a new LifecycleService.
func NewLifecycleService(d LifecycleDeps) *LifecycleService {
	return &LifecycleService{
		plans:     d.Plans,
		subs:      d.Subs,
		customers: d.Customers,
		users:     d.Users,
		payments:  d.Payments,
		gateway:   d.Gateway,
		ledger:    d.Ledger,
		locker:    d.Locker,
		metrics:   d.Metrics,
		log:       d.Log,
		validate:  validator.New(),
		now:       systemClock,
	}
}

// Change creates, upgrades, downgrades or changes the billing period of the
// user's subscription.
func (s *LifecycleService) Change(ctx context.Context, req *domain.ChangePlanRequest) (*domain.ChangeResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.ErrValidation(formatValidationErrors(err))
	}
	if s.gateway == nil {
		return nil, errGatewayNotConfigured
	}

	target, err := s.plans.FindByID(ctx, req.PlanID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load plan", err)
	}
	if target == nil {
		return nil, domain.ErrNotFound("plan not found")
	}

	unlock, err := s.locker.Lock(ctx, userLockKey(req.UserID))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, domain.ErrConflict("another billing operation is in progress for this user")
		}
		return nil, domain.ErrInternal("failed to acquire user lock", err)
	}
	defer unlock()

	current, err := s.subs.FindCurrent(ctx, req.UserID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load subscription", err)
	}
	var currentPlan *domain.Plan
	if current != nil {
		currentPlan, err = s.plans.FindByID(ctx, current.PlanID)
		if err != nil || currentPlan == nil {
			return nil, domain.ErrInternal("failed to load current plan", err)
		}
	}

	kind, ok := domain.ClassifyChange(current, currentPlan, target, req.BillingType)
	if !ok {
		return nil, domain.ErrConflict("already subscribed to this plan and billing period")
	}
	log := s.log.WithFields(logrus.Fields{"user_id": req.UserID, "kind": kind, "plan": target.ID, "billing": req.BillingType})

	priceRef := target.PriceRef(req.BillingType)
	if priceRef == "" {
		return nil, domain.ErrConfiguration(fmt.Sprintf("no gateway price configured for plan %s (%s)", target.ID, req.BillingType))
	}

	link, err := s.ensureCustomer(ctx, req.UserID)
	if err != nil {
		s.metrics.SubscriptionChangesTotal.WithLabelValues(string(kind), "error").Inc()
		return nil, err
	}

	now := s.now()
	var gwSub *payment.Subscription
	if current == nil || current.GatewaySubscriptionID == "" {
		gwSub, err = s.gateway.CreateSubscription(ctx, payment.CreateSubscriptionParams{
			CustomerRef:      link.GatewayCustomerID,
			PriceRef:         priceRef,
			PaymentMethodRef: req.PaymentMethodRef,
			UserID:           req.UserID,
		})
	} else {
		gwSub, err = s.gateway.SwapPrice(ctx, payment.SwapPriceParams{
			CustomerRef:     link.GatewayCustomerID,
			SubscriptionRef: current.GatewaySubscriptionID,
			PriceRef:        priceRef,
			ProrationDate:   now,
		})
	}
	if err != nil {
		s.metrics.SubscriptionChangesTotal.WithLabelValues(string(kind), "gateway_error").Inc()
		log.WithError(err).Warn("Gateway rejected subscription change")
		return nil, gatewayError("payment gateway could not apply the subscription change", err)
	}

	sub := &domain.Subscription{
		ID:                    uuid.New().String(),
		UserID:                req.UserID,
		PlanID:                target.ID,
		BillingType:           req.BillingType,
		Status:                localStatus(gwSub.Status),
		GatewaySubscriptionID: gwSub.Ref,
		StartDate:             now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if inv := gwSub.LatestInvoice; inv.Paid() {
		sub.AmountPaid = domain.Money(inv.AmountPaidMinor)
	}
	if err := s.subs.ReplaceCurrent(ctx, sub); err != nil {
		s.metrics.SubscriptionChangesTotal.WithLabelValues(string(kind), "store_error").Inc()
		log.WithError(err).WithField("gateway_subscription", gwSub.Ref).
			Error("Gateway subscription changed but local row could not be saved")
		return nil, domain.ErrInternal("subscription was changed at the payment gateway but could not be saved; it will be reconciled", err)
	}

	result := &domain.ChangeResult{Kind: kind, Subscription: sub, Plan: target}
	if inv := gwSub.LatestInvoice; inv.Paid() {
		rec, err := s.ledger.RecordFromInvoice(ctx, inv, RecordContext{
			UserID:         req.UserID,
			SubscriptionID: sub.ID,
			PlanName:       target.Name,
			Period:         req.BillingType,
			PriceRef:       priceRef,
			CustomerRef:    link.GatewayCustomerID,
			Source:         SourceSync,
		})
		if err != nil {
			// Left for the webhook or a replay to record.
			log.WithError(err).WithField("invoice", inv.ID).Error("Failed to record payment for subscription change")
		} else {
			result.Payment = rec.Record
		}
	}

	s.metrics.SubscriptionChangesTotal.WithLabelValues(string(kind), "ok").Inc()
	log.WithField("status", sub.Status).Info("Subscription changed")
	return result, nil
}

// Cancel cancels the user's current subscription at the gateway and closes
// the local row.
func (s *LifecycleService) Cancel(ctx context.Context, userID string) (*domain.Subscription, error) {
	unlock, err := s.locker.Lock(ctx, userLockKey(userID))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, domain.ErrConflict("another billing operation is in progress for this user")
		}
		return nil, domain.ErrInternal("failed to acquire user lock", err)
	}
	defer unlock()

	current, err := s.subs.FindCurrent(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load subscription", err)
	}
	if current == nil {
		return nil, domain.ErrNotFound("no active subscription")
	}
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "subscription": current.ID})

	if current.GatewaySubscriptionID != "" {
		if s.gateway == nil {
			return nil, errGatewayNotConfigured
		}
		if _, err := s.gateway.CancelSubscription(ctx, current.GatewaySubscriptionID); err != nil {
			if !isGatewayNotFound(err) {
				log.WithError(err).Warn("Gateway rejected cancellation")
				return nil, gatewayError("payment gateway could not cancel the subscription", err)
			}
			log.Warn("Gateway subscription already gone, closing local row")
		}
	}

	end := s.now()
	if err := s.subs.Close(ctx, current.ID, domain.StatusCanceled, end); err != nil {
		log.WithError(err).Error("Gateway subscription canceled but local row could not be closed")
		return nil, domain.ErrInternal("failed to close subscription", err)
	}
	current.Status = domain.StatusCanceled
	current.EndDate = &end
	current.UpdatedAt = end
	s.metrics.SubscriptionChangesTotal.WithLabelValues("CANCEL", "ok").Inc()
	log.Info("Subscription canceled")
	return current, nil
}

// Current returns the user's current subscription with its plan, or nil.
func (s *LifecycleService) Current(ctx context.Context, userID string) (*domain.CurrentSubscription, error) {
	sub, err := s.subs.FindCurrent(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load subscription", err)
	}
	if sub == nil {
		return nil, nil
	}
	plan, err := s.plans.FindByID(ctx, sub.PlanID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load plan", err)
	}
	return &domain.CurrentSubscription{Subscription: sub, Plan: plan}, nil
}

// History returns every subscription row of the user, newest first.
func (s *LifecycleService) History(ctx context.Context, userID string) ([]domain.Subscription, error) {
	subs, err := s.subs.ListByUser(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to list subscriptions", err)
	}
	return subs, nil
}

// Payments returns the user's payment history, newest first.
func (s *LifecycleService) Payments(ctx context.Context, userID string, limit int) ([]domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = defaultPaymentsLimit
	}
	if limit > maxPaymentsLimit {
		limit = maxPaymentsLimit
	}
	records, err := s.payments.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, domain.ErrInternal("failed to list payments", err)
	}
	return records, nil
}

// ensureCustomer returns the user's gateway customer, creating it on first use.
func (s *LifecycleService) ensureCustomer(ctx context.Context, userID string) (*domain.CustomerLink, error) {
	link, err := s.customers.FindByUser(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load customer link", err)
	}
	if link != nil {
		return link, nil
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load user", err)
	}
	if user == nil {
		return nil, domain.ErrNotFound("user not found")
	}

	c, err := s.gateway.CreateCustomer(ctx, payment.CustomerParams{UserID: user.ID, Email: user.Email})
	if err != nil {
		return nil, gatewayError("payment gateway could not create the customer", err)
	}
	link = &domain.CustomerLink{UserID: user.ID, GatewayCustomerID: c.Ref, CreatedAt: s.now()}
	if err := s.customers.Link(ctx, link); err != nil {
		return nil, domain.ErrInternal("failed to save customer link", err)
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "customer": c.Ref}).Info("Gateway customer created")
	return link, nil
}
