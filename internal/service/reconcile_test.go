package service

import (
	"context"
	"testing"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/pkg/payment"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayUserRecordsMissingInvoices(t *testing.T) {
	h := newHarness(t)
	res := h.subscribe(t, "u1", "essencial", domain.BillingMonthly)
	customer := res.Payment.GatewayCustomerID
	subRef := res.Subscription.GatewaySubscriptionID

	// A renewal the synchronous path never saw, plus an open invoice.
	renewal := paidInvoice("in_renewal", subRef, customer, 4790, 4790)
	renewal.Lines = []payment.LineItem{{AmountMinor: 4790, Kind: payment.LineCharge, PriceRef: "price_ess_m"}}
	open := &payment.Invoice{ID: "in_open", SubscriptionRef: subRef, CustomerRef: customer, Status: payment.InvoiceOpen, AmountDueMinor: 4790}
	h.gw.Invoices[customer] = append([]*payment.Invoice{open, renewal}, h.gw.Invoices[customer]...)

	rep, err := h.reconciler.ReplayUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Users)
	assert.Equal(t, 2, rep.Invoices)
	assert.Equal(t, 1, rep.Recorded)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, 0, rep.Failed)

	rec, _ := h.payments.FindByInvoiceID(context.Background(), "in_renewal")
	require.NotNil(t, rec)
	assert.Equal(t, res.Subscription.ID, rec.SubscriptionID)
	assert.Equal(t, "Essencial", rec.PlanName)
	assert.Equal(t, domain.BillingMonthly, rec.Period)
	missing, _ := h.payments.FindByInvoiceID(context.Background(), "in_open")
	assert.Nil(t, missing)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReconciledInvoicesTotal.WithLabelValues("recorded")))

	again, err := h.reconciler.ReplayUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Recorded)
	assert.Equal(t, 2, again.Duplicates)
}

func TestReplayUserWithoutCustomer(t *testing.T) {
	h := newHarness(t)
	_, err := h.reconciler.ReplayUser(context.Background(), "u1")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	h.wire(nil)
	_, err = h.reconciler.ReplayUser(context.Background(), "u1")
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
}

func TestReplayAll(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "essencial", domain.BillingMonthly)
	h.subscribe(t, "u2", "profissional", domain.BillingAnnual)

	// Wipe the ledger to simulate writes lost after the gateway succeeded.
	h.payments.rows = map[string]*domain.PaymentRecord{}

	rep, err := h.reconciler.ReplayAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Users)
	assert.Equal(t, 2, rep.Recorded)
	assert.Equal(t, 2, h.payments.count())

	rec, _ := h.payments.FindByInvoiceID(context.Background(), "in_first_u2_profissional")
	require.NotNil(t, rec)
	assert.Equal(t, domain.Money(97000), rec.Amount)
	assert.Equal(t, domain.BillingAnnual, rec.Period)
}

func TestReplayCountsUnresolvedInvoices(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "essencial", domain.BillingMonthly)
	h.payments.rows = map[string]*domain.PaymentRecord{}
	h.gw.GetPriceFunc = func(string) (*payment.Price, error) { return nil, errNetwork("price.get") }

	rep, err := h.reconciler.ReplayUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, h.payments.count())
}

func TestCyclePriceRef(t *testing.T) {
	inv := &payment.Invoice{Lines: []payment.LineItem{
		{Kind: payment.LineUnusedTime, PriceRef: "price_ess_m"},
		{Kind: payment.LineRemainingTime, PriceRef: "price_pro_m"},
	}}
	assert.Equal(t, "price_pro_m", cyclePriceRef(inv))

	inv.Lines = append(inv.Lines, payment.LineItem{Kind: payment.LineCharge, PriceRef: "price_emp_m"})
	assert.Equal(t, "price_emp_m", cyclePriceRef(inv))

	assert.Equal(t, "", cyclePriceRef(&payment.Invoice{}))
}
