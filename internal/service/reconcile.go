package service

import (
	"context"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/internal/metrics"
	"github.com/aiagenz/billing/pkg/payment"
	"github.com/sirupsen/logrus"
)

const defaultReplayInvoices = 24

// ReplayReport summarizes a reconciliation run.
type ReplayReport struct {
	Users      int `json:"users"`
	Invoices   int `json:"invoices"`
	Recorded   int `json:"recorded"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

func (r *ReplayReport) add(o *ReplayReport) {
	r.Users += o.Users
	r.Invoices += o.Invoices
	r.Recorded += o.Recorded
	r.Duplicates += o.Duplicates
	r.Failed += o.Failed
}

// Reconciler replays gateway invoice history through the ledger. It is the
// recovery path for payments the synchronous path failed to record.
type Reconciler struct {
	customers CustomerStore
	subs      SubscriptionStore
	plans     PlanStore
	gateway   payment.Gateway
	ledger    *LedgerService
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	limit     int
}

// NewReconciler creates a new Reconciler.
func NewReconciler(customers CustomerStore, subs SubscriptionStore, plans PlanStore, gateway payment.Gateway, ledger *LedgerService, m *metrics.Metrics, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		customers: customers,
		subs:      subs,
		plans:     plans,
		gateway:   gateway,
		ledger:    ledger,
		metrics:   m,
		log:       log,
		limit:     defaultReplayInvoices,
	}
}

// ReplayUser replays the recent invoices of one user.
func (r *Reconciler) ReplayUser(ctx context.Context, userID string) (*ReplayReport, error) {
	if r.gateway == nil {
		return nil, errGatewayNotConfigured
	}
	link, err := r.customers.FindByUser(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load customer link", err)
	}
	if link == nil {
		return nil, domain.ErrNotFound("user has no gateway customer")
	}
	plans, err := r.plans.List(ctx)
	if err != nil {
		return nil, domain.ErrInternal("failed to list plans", err)
	}
	return r.replay(ctx, link, plans)
}

// ReplayAll replays every linked customer. A failing customer is logged and
// skipped.
func (r *Reconciler) ReplayAll(ctx context.Context) (*ReplayReport, error) {
	if r.gateway == nil {
		return nil, errGatewayNotConfigured
	}
	links, err := r.customers.ListAll(ctx)
	if err != nil {
		return nil, domain.ErrInternal("failed to list customer links", err)
	}
	plans, err := r.plans.List(ctx)
	if err != nil {
		return nil, domain.ErrInternal("failed to list plans", err)
	}

	total := &ReplayReport{}
	for i := range links {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		rep, err := r.replay(ctx, &links[i], plans)
		if err != nil {
			r.log.WithError(err).WithField("user_id", links[i].UserID).Warn("Replay failed for user")
			total.Failed++
			continue
		}
		total.add(rep)
	}
	r.log.WithFields(logrus.Fields{
		"users": total.Users, "invoices": total.Invoices, "recorded": total.Recorded,
		"duplicates": total.Duplicates, "failed": total.Failed,
	}).Info("Reconciliation finished")
	return total, nil
}

func (r *Reconciler) replay(ctx context.Context, link *domain.CustomerLink, plans []domain.Plan) (*ReplayReport, error) {
	log := r.log.WithFields(logrus.Fields{"user_id": link.UserID, "customer": link.GatewayCustomerID})
	invoices, err := r.gateway.ListInvoices(ctx, link.GatewayCustomerID, r.limit)
	if err != nil {
		return nil, gatewayError("payment gateway could not list invoices", err)
	}

	rep := &ReplayReport{Users: 1}
	for _, inv := range invoices {
		if !inv.Paid() {
			continue
		}
		rep.Invoices++

		rc := RecordContext{UserID: link.UserID, CustomerRef: link.GatewayCustomerID, Source: SourceReplay}
		if plan, billing, ok := planForPrice(plans, cyclePriceRef(inv)); ok {
			rc.PlanName = plan.Name
			rc.Period = billing
			rc.PriceRef = plan.PriceRef(billing)
		}
		if inv.SubscriptionRef != "" {
			sub, err := r.subs.FindByGatewayRef(ctx, inv.SubscriptionRef)
			if err != nil {
				return rep, domain.ErrInternal("failed to load subscription", err)
			}
			if sub != nil {
				rc.SubscriptionID = sub.ID
			}
		}

		res, err := r.ledger.RecordFromInvoice(ctx, inv, rc)
		switch {
		case err != nil:
			rep.Failed++
			r.metrics.ReconciledInvoicesTotal.WithLabelValues("failed").Inc()
			log.WithError(err).WithField("invoice", inv.ID).Warn("Invoice replay failed")
		case res.Duplicate:
			rep.Duplicates++
			r.metrics.ReconciledInvoicesTotal.WithLabelValues("duplicate").Inc()
		default:
			rep.Recorded++
			r.metrics.ReconciledInvoicesTotal.WithLabelValues("recorded").Inc()
		}
	}
	return rep, nil
}

// cyclePriceRef returns the price of the invoice's regular cycle line, which
// identifies the plan the invoice paid for.
func cyclePriceRef(inv *payment.Invoice) string {
	var fallback string
	for _, l := range inv.Lines {
		if l.PriceRef == "" {
			continue
		}
		if l.Kind == payment.LineCharge {
			return l.PriceRef
		}
		if l.Kind == payment.LineRemainingTime && fallback == "" {
			fallback = l.PriceRef
		}
	}
	return fallback
}
