package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/internal/lock"
	"github.com/aiagenz/billing/internal/metrics"
	"github.com/aiagenz/billing/pkg/payment"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Webhook outcomes reported to the caller and to metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeUnmapped  = "unmapped"
)

// WebhookResult describes how a delivery was handled.
type WebhookResult struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Outcome string `json:"outcome"`
}

// WebhookService turns signed gateway events into local state. Every write
// goes through the ledger, so redeliveries and races with the synchronous
// path converge on the same rows.
type WebhookService struct {
	parser    payment.EventParser
	gateway   payment.Gateway
	plans     PlanStore
	subs      SubscriptionStore
	customers CustomerStore
	users     UserStore
	ledger    *LedgerService
	locker    lock.Locker
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	processed *expirable.LRU[string, struct{}]
	now       Clock
}

// WebhookDeps groups the collaborators of WebhookService. Parser is nil when
// no webhook secret is configured. Locker must be the one the lifecycle
// manager uses, so an event racing a synchronous change waits for it to
// commit.
type WebhookDeps struct {
	Parser    payment.EventParser
	Gateway   payment.Gateway
	Plans     PlanStore
	Subs      SubscriptionStore
	Customers CustomerStore
	Users     UserStore
	Ledger    *LedgerService
	Locker    lock.Locker
	Metrics   *metrics.Metrics
	Log       logrus.FieldLogger
}

// NewWebhookService creates a new WebhookService.
func NewWebhookService(d WebhookDeps) *WebhookService {
	return &WebhookService{
		parser:    d.Parser,
		gateway:   d.Gateway,
		plans:     d.Plans,
		subs:      d.Subs,
		customers: d.Customers,
		users:     d.Users,
		ledger:    d.Ledger,
		locker:    d.Locker,
		metrics:   d.Metrics,
		log:       d.Log,
		processed: expirable.NewLRU[string, struct{}](4096, nil, 24*time.Hour),
		now:       systemClock,
	}
}

// Process verifies and handles one delivery. Signature and decoding errors
// are BAD_REQUEST; processing failures are INTERNAL so the gateway
// redelivers.
func (s *WebhookService) Process(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error) {
	if s.parser == nil {
		return nil, domain.ErrConfiguration("webhook secret is not configured")
	}
	ev, err := s.parser.ParseEvent(payload, signatureHeader)
	if err != nil {
		s.metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		if errors.Is(err, payment.ErrInvalidSignature) {
			s.log.Warn("Webhook signature verification failed")
			return nil, domain.ErrBadRequest("invalid webhook signature")
		}
		s.log.WithError(err).Warn("Webhook payload could not be decoded")
		return nil, domain.ErrBadRequest("malformed webhook event")
	}

	result := &WebhookResult{EventID: ev.ID, Type: ev.RawType}
	log := s.log.WithFields(logrus.Fields{"event": ev.ID, "type": ev.RawType})

	if s.processed.Contains(ev.ID) {
		result.Outcome = OutcomeDuplicate
		s.metrics.WebhookEventsTotal.WithLabelValues(ev.RawType, result.Outcome).Inc()
		log.Debug("Webhook event already processed")
		return result, nil
	}

	switch ev.Type {
	case payment.EventPaymentSucceeded:
		result.Outcome, err = s.handlePaymentSucceeded(ctx, ev.Invoice, log)
	case payment.EventPaymentFailed:
		result.Outcome, err = s.handlePaymentFailed(ctx, ev.Invoice, log)
	case payment.EventSubscriptionDeleted:
		result.Outcome, err = s.handleSubscriptionDeleted(ctx, ev.Subscription, log)
	default:
		result.Outcome = OutcomeIgnored
	}
	if err != nil {
		s.metrics.WebhookEventsTotal.WithLabelValues(ev.RawType, "error").Inc()
		log.WithError(err).Error("Webhook processing failed")
		return nil, domain.ErrInternal("failed to process webhook event", err)
	}

	s.processed.Add(ev.ID, struct{}{})
	s.metrics.WebhookEventsTotal.WithLabelValues(ev.RawType, result.Outcome).Inc()
	log.WithField("outcome", result.Outcome).Info("Webhook event handled")
	return result, nil
}

func (s *WebhookService) handlePaymentSucceeded(ctx context.Context, inv *payment.Invoice, log logrus.FieldLogger) (string, error) {
	if inv == nil {
		return OutcomeIgnored, nil
	}
	log = log.WithField("invoice", inv.ID)

	userID, err := s.resolveUser(ctx, inv.CustomerRef, log)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return OutcomeUnmapped, nil
	}

	unlock, err := s.locker.Lock(ctx, userLockKey(userID))
	if err != nil {
		return "", fmt.Errorf("failed to lock user %s: %w", userID, err)
	}
	defer unlock()

	sub, plan, err := s.subscriptionFor(ctx, userID, inv.SubscriptionRef, log)
	if err != nil {
		return "", err
	}

	rc := RecordContext{UserID: userID, CustomerRef: inv.CustomerRef, Source: SourceWebhook}
	if sub != nil {
		rc.SubscriptionID = sub.ID
		rc.Period = sub.BillingType
		switch sub.Status {
		case domain.StatusCanceled, domain.StatusExpired:
			// A late payment never revives a closed row.
			log.WithField("subscription", sub.ID).Warn("Payment for a closed subscription, not reactivating")
		default:
			changed, err := s.subs.Activate(ctx, sub)
			if err != nil {
				return "", err
			}
			if changed {
				log.WithField("subscription", sub.ID).Info("Subscription activated")
			}
		}
	}
	if plan != nil {
		rc.PlanName = plan.Name
		if sub != nil {
			rc.PriceRef = plan.PriceRef(sub.BillingType)
		}
	}

	if _, err := s.ledger.RecordFromInvoice(ctx, inv, rc); err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (s *WebhookService) handlePaymentFailed(ctx context.Context, inv *payment.Invoice, log logrus.FieldLogger) (string, error) {
	if inv == nil {
		return OutcomeIgnored, nil
	}
	log = log.WithField("invoice", inv.ID)

	userID, err := s.resolveUser(ctx, inv.CustomerRef, log)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return OutcomeUnmapped, nil
	}

	unlock, err := s.locker.Lock(ctx, userLockKey(userID))
	if err != nil {
		return "", fmt.Errorf("failed to lock user %s: %w", userID, err)
	}
	defer unlock()

	rc := RecordContext{UserID: userID, CustomerRef: inv.CustomerRef, Source: SourceWebhook}
	if inv.SubscriptionRef != "" {
		sub, err := s.subs.FindByGatewayRef(ctx, inv.SubscriptionRef)
		if err != nil {
			return "", err
		}
		if sub != nil {
			rc.SubscriptionID = sub.ID
			rc.Period = sub.BillingType
			if plan, err := s.plans.FindByID(ctx, sub.PlanID); err == nil && plan != nil {
				rc.PlanName = plan.Name
				rc.PriceRef = plan.PriceRef(sub.BillingType)
			}
			switch sub.Status {
			case domain.StatusActive, domain.StatusTrial, domain.StatusPending:
				if err := s.subs.UpdateStatus(ctx, sub.ID, domain.StatusDelinquent); err != nil {
					return "", err
				}
				log.WithField("subscription", sub.ID).Warn("Subscription marked delinquent")
			}
		}
	}

	if _, err := s.ledger.RecordFailed(ctx, inv, rc); err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (s *WebhookService) handleSubscriptionDeleted(ctx context.Context, gs *payment.Subscription, log logrus.FieldLogger) (string, error) {
	if gs == nil || gs.Ref == "" {
		return OutcomeIgnored, nil
	}
	sub, err := s.subs.FindByGatewayRef(ctx, gs.Ref)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return OutcomeUnmapped, nil
	}

	unlock, err := s.locker.Lock(ctx, userLockKey(sub.UserID))
	if err != nil {
		return "", fmt.Errorf("failed to lock user %s: %w", sub.UserID, err)
	}
	defer unlock()

	// Re-read under the lock; a concurrent change may have replaced the row.
	if sub, err = s.subs.FindByGatewayRef(ctx, gs.Ref); err != nil || sub == nil {
		return OutcomeProcessed, err
	}
	if sub.Status == domain.StatusCanceled || sub.Status == domain.StatusExpired {
		return OutcomeProcessed, nil
	}
	if err := s.subs.Close(ctx, sub.ID, domain.StatusCanceled, s.now()); err != nil {
		return "", err
	}
	log.WithField("subscription", sub.ID).Info("Subscription closed after gateway deletion")
	return OutcomeProcessed, nil
}

// resolveUser maps a gateway customer to a local user. A missing link is
// recovered from the customer's metadata user id, then from its email, and
// re-linked. "" means the customer cannot be mapped.
func (s *WebhookService) resolveUser(ctx context.Context, customerRef string, log logrus.FieldLogger) (string, error) {
	if customerRef == "" {
		log.Warn("Event has no customer reference")
		return "", nil
	}
	link, err := s.customers.FindByGatewayCustomer(ctx, customerRef)
	if err != nil {
		return "", err
	}
	if link != nil {
		return link.UserID, nil
	}

	log = log.WithField("customer", customerRef)
	if s.gateway == nil {
		log.Warn("Unmapped gateway customer and no gateway to recover from")
		return "", nil
	}
	c, err := s.gateway.GetCustomer(ctx, customerRef)
	if err != nil {
		if payment.IsTransient(err) {
			return "", err
		}
		log.WithError(err).Warn("Unmapped gateway customer could not be loaded")
		return "", nil
	}

	var user *domain.User
	if c.UserID != "" {
		if user, err = s.users.FindByID(ctx, c.UserID); err != nil {
			return "", err
		}
	}
	if user == nil && c.Email != "" {
		if user, err = s.users.FindByEmail(ctx, c.Email); err != nil {
			return "", err
		}
	}
	if user == nil {
		log.Warn("Gateway customer matches no local user")
		return "", nil
	}

	if err := s.customers.Link(ctx, &domain.CustomerLink{UserID: user.ID, GatewayCustomerID: customerRef, CreatedAt: s.now()}); err != nil {
		return "", err
	}
	log.WithField("user_id", user.ID).Warn("Stale customer mapping recovered and re-linked")
	return user.ID, nil
}

// subscriptionFor returns the local row mirroring a gateway subscription. When
// the synchronous path never saved one, it is adopted from the gateway.
func (s *WebhookService) subscriptionFor(ctx context.Context, userID, gatewayRef string, log logrus.FieldLogger) (*domain.Subscription, *domain.Plan, error) {
	if gatewayRef == "" {
		return nil, nil, nil
	}
	sub, err := s.subs.FindByGatewayRef(ctx, gatewayRef)
	if err != nil {
		return nil, nil, err
	}
	if sub != nil {
		plan, err := s.plans.FindByID(ctx, sub.PlanID)
		if err != nil {
			return nil, nil, err
		}
		return sub, plan, nil
	}

	if s.gateway == nil {
		return nil, nil, nil
	}
	gs, err := s.gateway.GetSubscription(ctx, gatewayRef)
	if err != nil {
		if payment.IsTransient(err) {
			return nil, nil, err
		}
		log.WithError(err).Warn("Gateway subscription could not be loaded for adoption")
		return nil, nil, nil
	}
	plans, err := s.plans.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	plan, billing, ok := planForPrice(plans, gs.PriceRef)
	if !ok {
		log.WithField("price", gs.PriceRef).Warn("Gateway subscription price matches no plan")
		return nil, nil, nil
	}

	now := s.now()
	sub = &domain.Subscription{
		ID:                    uuid.New().String(),
		UserID:                userID,
		PlanID:                plan.ID,
		BillingType:           billing,
		Status:                domain.StatusPending,
		GatewaySubscriptionID: gs.Ref,
		StartDate:             now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if !gs.CurrentPeriodStart.IsZero() {
		sub.StartDate = gs.CurrentPeriodStart
	}
	if err := s.subs.ReplaceCurrent(ctx, sub); err != nil {
		return nil, nil, err
	}
	log.WithFields(logrus.Fields{"subscription": sub.ID, "gateway_subscription": gs.Ref}).
		Warn("Adopted gateway subscription missing from local store")
	return sub, plan, nil
}
