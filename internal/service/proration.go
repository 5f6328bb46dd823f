package service

import (
	"context"
	"math"
	"time"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/internal/metrics"
	"github.com/aiagenz/billing/pkg/payment"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ProrationService previews the financial effect of a plan or period
// change. It never mutates gateway or local state.
type ProrationService struct {
	plans     PlanStore
	subs      SubscriptionStore
	customers CustomerStore
	gateway   payment.Gateway
	credit    *CreditService
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	validate  *validator.Validate
	now       Clock
}

// NewProrationService creates a new ProrationService.
func NewProrationService(
	plans PlanStore,
	subs SubscriptionStore,
	customers CustomerStore,
	gateway payment.Gateway,
	credit *CreditService,
	m *metrics.Metrics,
	log logrus.FieldLogger,
) *ProrationService {
	return &ProrationService{
		plans:     plans,
		subs:      subs,
		customers: customers,
		gateway:   gateway,
		credit:    credit,
		metrics:   m,
		log:       log,
		validate:  validator.New(),
		now:       systemClock,
	}
}

// Preview computes what changing userID's current subscription to the
// requested plan and period would cost.
func (s *ProrationService) Preview(ctx context.Context, userID string, req *domain.PreviewRequest) (*domain.ProrationPreview, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.ErrValidation(formatValidationErrors(err))
	}
	if s.gateway == nil {
		return nil, errGatewayNotConfigured
	}

	current, err := s.subs.FindCurrent(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load subscription", err)
	}
	if current == nil {
		return nil, domain.ErrNotFound("no active subscription to compare against")
	}

	target, err := s.plans.FindByID(ctx, req.PlanID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load plan", err)
	}
	if target == nil {
		return nil, domain.ErrNotFound("plan not found")
	}
	currentPlan, err := s.plans.FindByID(ctx, current.PlanID)
	if err != nil || currentPlan == nil {
		return nil, domain.ErrInternal("failed to load current plan", err)
	}

	kind, ok := domain.ClassifyChange(current, currentPlan, target, req.BillingType)
	if !ok {
		return nil, domain.ErrConflict("already subscribed to this plan and billing period")
	}
	priceRef := target.PriceRef(req.BillingType)
	if priceRef == "" {
		return nil, domain.ErrConfiguration("no gateway price configured for plan " + target.ID + " (" + string(req.BillingType) + ")")
	}

	link, err := s.customers.FindByUser(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load customer link", err)
	}

	now := s.now()
	preview := &domain.ProrationPreview{
		Kind:        kind,
		CurrentPlan: currentPlan,
		TargetPlan:  target,
		BillingType: req.BillingType,
		Lines:       []domain.ProrationLine{},
	}

	var gatewaySub *payment.Subscription
	if current.GatewaySubscriptionID != "" {
		gatewaySub, err = s.gateway.GetSubscription(ctx, current.GatewaySubscriptionID)
		if err != nil {
			s.log.WithError(err).WithField("subscription", current.GatewaySubscriptionID).
				Warn("Could not load gateway subscription, using local cycle bounds")
			gatewaySub = nil
		}
	}
	s.fillCycle(preview, current, gatewaySub, now)

	var inv *payment.Invoice
	if link != nil && current.GatewaySubscriptionID != "" {
		inv, err = s.gateway.PreviewSwap(ctx, payment.SwapPriceParams{
			CustomerRef:     link.GatewayCustomerID,
			SubscriptionRef: current.GatewaySubscriptionID,
			PriceRef:        priceRef,
			ProrationDate:   now,
		})
		if err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("Gateway proration preview failed, falling back to list prices")
			inv = nil
		}
	}

	if inv != nil {
		applyGatewayPreview(preview, inv, target.ListPrice(req.BillingType))
	} else {
		s.metrics.PreviewFallbacksTotal.Inc()
		preview.Adjustment = target.ListPrice(req.BillingType) - currentPlan.ListPrice(current.BillingType)
		preview.NextInvoiceAmount = target.ListPrice(req.BillingType)
		preview.GatewayCalculated = false
	}

	preview.ImmediateCharge = preview.Adjustment > 0
	preview.NextCycleCredit = preview.Adjustment < 0
	if link != nil {
		preview.AvailableCredit = s.credit.Balance(ctx, link.GatewayCustomerID)
	}
	if preview.ImmediateCharge {
		preview.RealCardCharge = (preview.Adjustment - preview.AvailableCredit).NonNegative()
	}
	return preview, nil
}

// applyGatewayPreview sums only proration lines. The invoice total also
// carries the next cycle's full charge and is not the adjustment.
func applyGatewayPreview(preview *domain.ProrationPreview, inv *payment.Invoice, listPrice domain.Money) {
	var adjustment, nextCycle domain.Money
	for _, l := range inv.ProrationLines() {
		adjustment += domain.Money(l.AmountMinor)
		preview.Lines = append(preview.Lines, domain.ProrationLine{
			Description: l.Description,
			Amount:      domain.Money(l.AmountMinor),
			UnusedTime:  l.Kind == payment.LineUnusedTime,
		})
	}
	hasCycleLine := false
	for _, l := range inv.Lines {
		if !l.Prorated() {
			nextCycle += domain.Money(l.AmountMinor)
			hasCycleLine = true
		}
	}
	if !hasCycleLine {
		nextCycle = listPrice
	}
	preview.Adjustment = adjustment
	preview.NextInvoiceAmount = nextCycle
	preview.GatewayCalculated = true
}

// fillCycle derives display-only cycle progress, preferring the gateway's
// cycle bounds over the local start date.
func (s *ProrationService) fillCycle(preview *domain.ProrationPreview, current *domain.Subscription, gatewaySub *payment.Subscription, now time.Time) {
	start, end := current.StartDate, cycleEnd(current.StartDate, current.BillingType)
	if gatewaySub != nil && !gatewaySub.CurrentPeriodStart.IsZero() && gatewaySub.CurrentPeriodEnd.After(gatewaySub.CurrentPeriodStart) {
		start, end = gatewaySub.CurrentPeriodStart, gatewaySub.CurrentPeriodEnd
	}
	preview.CycleStart, preview.CycleEnd = start, end

	total := int(math.Round(end.Sub(start).Hours() / 24))
	if total <= 0 {
		total = 1
	}
	used := int(now.Sub(start).Hours() / 24)
	if used < 0 {
		used = 0
	}
	if used > total {
		used = total
	}
	preview.DaysUsed = used
	preview.DaysRemaining = total - used
	preview.PercentUsed = decimal.NewFromInt(int64(used)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(2)
}
