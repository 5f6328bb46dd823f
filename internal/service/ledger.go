package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/internal/metrics"
	"github.com/aiagenz/billing/pkg/payment"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrAmountUnresolved is returned when the plan value of an invoice cannot
// be read from the gateway. The amount is never defaulted.
var ErrAmountUnresolved = errors.New("ledger: plan amount could not be resolved")

// Ledger write sources, used for logging and metrics.
const (
	SourceSync    = "sync"
	SourceWebhook = "webhook"
	SourceReplay  = "replay"
)

// RecordContext carries what the ledger cannot read from the invoice itself.
type RecordContext struct {
	UserID         string
	SubscriptionID string
	PlanName       string
	Period         domain.BillingType
	// PriceRef is the price the gateway call was made with; used when the
	// subscription's current item cannot be read.
	PriceRef    string
	CustomerRef string
	Source      string
}

// RecordResult is the outcome of a ledger write. Duplicate is set when the
// invoice was already settled in the ledger and nothing was written.
type RecordResult struct {
	Record    *domain.PaymentRecord
	Inserted  bool
	Duplicate bool
}

// Decomposition is how an invoice was settled between card and credit.
type Decomposition struct {
	Card       domain.Money
	Credit     domain.Money
	Generated  domain.Money
	Difference *domain.Money
	Method     string
	// Adjustment names the correction applied to make card and credit add
	// up to the amount, or "" when none was needed.
	Adjustment string
}

// Decompose splits a settled invoice into its card and credit portions.
//
// amount is the destination plan's full value, amountPaid what the card was
// charged and subtotal the invoice subtotal (negative when the change
// produced credit). The four settlement cases are applied first; if their
// result does not add up to amount, the credit portion absorbs the residual
// (unused time of the previous plan applied to this invoice).
func Decompose(amount, amountPaid, subtotal domain.Money, lines []payment.LineItem) Decomposition {
	var d Decomposition
	switch {
	case amountPaid <= 0 && subtotal < 0:
		// Downgrade: the destination plan is fully paid by generated credit.
		d.Credit = amount
	case amountPaid <= 0:
		// Covered by credit that already existed.
		d.Credit = subtotal.Abs()
	case amountPaid < subtotal:
		// Hybrid.
		d.Card = amountPaid
		d.Credit = subtotal - amountPaid
	default:
		d.Card = amountPaid
	}

	if subtotal < 0 {
		d.Generated = subtotal.Abs()
	}

	var unused domain.Money
	hasUnused := false
	for _, l := range lines {
		if l.Kind == payment.LineUnusedTime && l.AmountMinor < 0 {
			unused += domain.Money(l.AmountMinor)
			hasUnused = true
		}
	}
	if hasUnused {
		d.Difference = &unused
	}

	if !(d.Card + d.Credit).Within(amount, domain.ReconcileTolerance) {
		if d.Card > amount+domain.ReconcileTolerance {
			d.Credit = 0
			d.Adjustment = "card_exceeds_amount"
		} else {
			d.Credit = amount - d.Card
			d.Adjustment = "credit_residual"
		}
	}

	switch {
	case d.Card > 0 && d.Credit > 0:
		d.Method = domain.MethodHybrid
	case d.Card > 0:
		d.Method = domain.MethodCard
	default:
		d.Method = domain.MethodCredit
	}
	return d
}

// LedgerService is the single writer of payment records. Synchronous
// changes, webhooks and replays all go through it.
type LedgerService struct {
	payments PaymentStore
	gateway  payment.Gateway
	credit   *CreditService
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      Clock
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(payments PaymentStore, gateway payment.Gateway, credit *CreditService, m *metrics.Metrics, log logrus.FieldLogger) *LedgerService {
	return &LedgerService{
		payments: payments,
		gateway:  gateway,
		credit:   credit,
		metrics:  m,
		log:      log,
		now:      systemClock,
	}
}

// RecordFromInvoice stores the payment record for inv. It is idempotent on
// the invoice id: a settled record is returned as is, with only its invoice
// URL refreshed.
func (s *LedgerService) RecordFromInvoice(ctx context.Context, inv *payment.Invoice, rc RecordContext) (*RecordResult, error) {
	if inv == nil || inv.ID == "" {
		return nil, domain.ErrBadRequest("invoice has no id")
	}
	log := s.log.WithFields(logrus.Fields{"invoice": inv.ID, "user_id": rc.UserID, "source": rc.Source})

	existing, err := s.payments.FindByInvoiceID(ctx, inv.ID)
	if err != nil {
		s.count(rc.Source, "error")
		return nil, fmt.Errorf("failed to look up payment record: %w", err)
	}
	if existing != nil && existing.Status == domain.PaymentPaid {
		if inv.HostedURL != "" && inv.HostedURL != existing.InvoiceURL {
			if err := s.payments.RefreshInvoiceURL(ctx, inv.ID, inv.HostedURL); err != nil {
				log.WithError(err).Warn("Failed to refresh invoice URL")
			} else {
				existing.InvoiceURL = inv.HostedURL
			}
		}
		s.count(rc.Source, "duplicate")
		return &RecordResult{Record: existing, Duplicate: true}, nil
	}

	amount, err := s.resolveAmount(ctx, inv, rc)
	if err != nil {
		log.WithError(err).Error("Refusing to record payment without an authoritative plan amount")
		s.count(rc.Source, "error")
		return nil, err
	}

	if !inv.Paid() {
		// Nothing is settled yet; the portions are filled in once paid.
		rec := s.newRecord(inv, rc, amount, domain.PaymentPending)
		rec.PaymentMethod = domain.MethodCard
		rec.CreditBalanceSnapshot = s.credit.Balance(ctx, rec.GatewayCustomerID)
		return s.write(ctx, rec, existing, rc.Source, log)
	}

	d := Decompose(amount, domain.Money(inv.AmountPaidMinor), domain.Money(inv.SubtotalMinor), inv.Lines)
	switch d.Adjustment {
	case "":
	case "card_exceeds_amount":
		log.WithFields(logrus.Fields{"amount": amount, "card": d.Card}).Error("Card charge exceeds plan amount")
		s.metrics.LedgerAdjustmentsTotal.WithLabelValues(d.Adjustment).Inc()
	default:
		log.WithFields(logrus.Fields{"amount": amount, "card": d.Card, "credit": d.Credit, "subtotal": inv.SubtotalMinor}).
			Warn("Settlement cases did not reconcile, credit portion adjusted")
		s.metrics.LedgerAdjustmentsTotal.WithLabelValues(d.Adjustment).Inc()
	}

	rec := s.newRecord(inv, rc, amount, domain.PaymentPaid)
	rec.CardAmount = d.Card
	rec.CreditAmount = d.Credit
	rec.CreditGenerated = d.Generated
	rec.DifferenceAmount = d.Difference
	rec.PaymentMethod = d.Method
	rec.CreditBalanceSnapshot = s.credit.Balance(ctx, rec.GatewayCustomerID)

	return s.write(ctx, rec, existing, rc.Source, log)
}

// RecordFailed stores a Failed record for inv unless one already exists.
func (s *LedgerService) RecordFailed(ctx context.Context, inv *payment.Invoice, rc RecordContext) (*RecordResult, error) {
	if inv == nil || inv.ID == "" {
		return nil, domain.ErrBadRequest("invoice has no id")
	}
	log := s.log.WithFields(logrus.Fields{"invoice": inv.ID, "user_id": rc.UserID, "source": rc.Source})

	existing, err := s.payments.FindByInvoiceID(ctx, inv.ID)
	if err != nil {
		s.count(rc.Source, "error")
		return nil, fmt.Errorf("failed to look up payment record: %w", err)
	}
	if existing != nil {
		s.count(rc.Source, "duplicate")
		return &RecordResult{Record: existing, Duplicate: true}, nil
	}

	amount, err := s.resolveAmount(ctx, inv, rc)
	if err != nil {
		// A failed attempt moves no money; the attempted charge is recorded.
		log.WithError(err).Warn("Plan amount unresolved for failed invoice, recording amount due")
		amount = domain.Money(inv.AmountDueMinor)
	}
	rec := s.newRecord(inv, rc, amount, domain.PaymentFailed)
	rec.PaymentMethod = domain.MethodCard
	rec.CreditBalanceSnapshot = s.credit.Balance(ctx, rec.GatewayCustomerID)

	return s.write(ctx, rec, nil, rc.Source, log)
}

func (s *LedgerService) newRecord(inv *payment.Invoice, rc RecordContext, amount domain.Money, status domain.PaymentStatus) *domain.PaymentRecord {
	now := s.now()
	paidAt := inv.PaidAt
	if paidAt.IsZero() {
		paidAt = inv.Created
	}
	if paidAt.IsZero() {
		paidAt = now
	}
	customerRef := inv.CustomerRef
	if customerRef == "" {
		customerRef = rc.CustomerRef
	}
	return &domain.PaymentRecord{
		ID:                     uuid.New().String(),
		UserID:                 rc.UserID,
		SubscriptionID:         rc.SubscriptionID,
		GatewayInvoiceID:       inv.ID,
		GatewayPaymentIntentID: inv.PaymentIntentRef,
		GatewayCustomerID:      customerRef,
		Amount:                 amount,
		Status:                 status,
		PaymentDate:            paidAt,
		PlanName:               rc.PlanName,
		Period:                 rc.Period,
		InvoiceURL:             inv.HostedURL,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func (s *LedgerService) write(ctx context.Context, rec *domain.PaymentRecord, existing *domain.PaymentRecord, source string, log logrus.FieldLogger) (*RecordResult, error) {
	inserted, err := s.payments.Upsert(ctx, rec)
	if err != nil {
		s.count(source, "error")
		return nil, fmt.Errorf("failed to write payment record: %w", err)
	}
	if inserted {
		s.count(source, "inserted")
		log.WithFields(logrus.Fields{"status": rec.Status, "amount": rec.Amount, "card": rec.CardAmount, "credit": rec.CreditAmount}).
			Info("Payment recorded")
		return &RecordResult{Record: rec, Inserted: true}, nil
	}

	// The row existed: either a non-settled row was replaced, or a
	// concurrent writer settled it first and nothing was written.
	stored, err := s.payments.FindByInvoiceID(ctx, rec.GatewayInvoiceID)
	if err != nil || stored == nil {
		s.count(source, "error")
		return nil, fmt.Errorf("failed to reload payment record: %w", err)
	}
	if existing == nil {
		s.count(source, "duplicate")
		return &RecordResult{Record: stored, Duplicate: true}, nil
	}
	s.count(source, "updated")
	log.WithField("status", stored.Status).Info("Payment record updated")
	return &RecordResult{Record: stored}, nil
}

// resolveAmount reads the plan value from the price of the gateway
// subscription's current item, then from the price the call was made with.
func (s *LedgerService) resolveAmount(ctx context.Context, inv *payment.Invoice, rc RecordContext) (domain.Money, error) {
	if s.gateway == nil {
		return 0, fmt.Errorf("%w: gateway not configured", ErrAmountUnresolved)
	}

	var errs []error
	if inv.SubscriptionRef != "" {
		sub, err := s.gateway.GetSubscription(ctx, inv.SubscriptionRef)
		switch {
		case err != nil:
			errs = append(errs, err)
		case sub.PriceRef == "":
			errs = append(errs, fmt.Errorf("subscription %s has no priced item", sub.Ref))
		default:
			price, err := s.gateway.GetPrice(ctx, sub.PriceRef)
			if err == nil {
				return domain.Money(price.UnitAmount), nil
			}
			errs = append(errs, err)
		}
	}

	if rc.PriceRef != "" {
		price, err := s.gateway.GetPrice(ctx, rc.PriceRef)
		if err == nil {
			return domain.Money(price.UnitAmount), nil
		}
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no subscription or price reference"))
	}
	return 0, fmt.Errorf("%w: invoice %s: %v", ErrAmountUnresolved, inv.ID, errors.Join(errs...))
}

func (s *LedgerService) count(source, result string) {
	if source == "" {
		source = "unknown"
	}
	s.metrics.LedgerRecordsTotal.WithLabelValues(source, result).Inc()
}
