package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/internal/lock"
	"github.com/aiagenz/billing/internal/metrics"
	"github.com/aiagenz/billing/pkg/payment"
	"github.com/aiagenz/billing/pkg/payment/paymenttest"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// In-memory stores mirroring the semantics of the pgx repositories.

type memPlans struct {
	mu    sync.Mutex
	plans map[string]domain.Plan
}

func (m *memPlans) FindByID(_ context.Context, id string) (*domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memPlans) List(_ context.Context) ([]domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

type memSubs struct {
	mu         sync.Mutex
	rows       []*domain.Subscription
	replaceErr error
}

func (m *memSubs) FindCurrent(_ context.Context, userID string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *domain.Subscription
	for _, s := range m.rows {
		if s.UserID != userID || !s.Status.IsCurrent() {
			continue
		}
		if found == nil || (s.Status == domain.StatusActive && found.Status != domain.StatusActive) {
			found = s
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (m *memSubs) FindByGatewayRef(_ context.Context, ref string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].GatewaySubscriptionID == ref {
			cp := *m.rows[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memSubs) ReplaceCurrent(_ context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaceErr != nil {
		return m.replaceErr
	}
	for _, s := range m.rows {
		if s.UserID != sub.UserID {
			continue
		}
		switch s.Status {
		case domain.StatusPending, domain.StatusActive, domain.StatusTrial, domain.StatusDelinquent:
			end := sub.StartDate
			s.Status = domain.StatusCanceled
			s.EndDate = &end
		}
	}
	cp := *sub
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memSubs) Activate(_ context.Context, sub *domain.Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, s := range m.rows {
		if s.UserID == sub.UserID && s.ID != sub.ID && s.Status == domain.StatusActive {
			now := time.Now()
			s.Status = domain.StatusCanceled
			s.EndDate = &now
		}
		if s.ID == sub.ID && s.Status != domain.StatusActive {
			s.Status = domain.StatusActive
			s.EndDate = nil
			changed = true
		}
	}
	return changed, nil
}

func (m *memSubs) UpdateStatus(_ context.Context, id string, status domain.SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.ID == id {
			s.Status = status
		}
	}
	return nil
}

func (m *memSubs) Close(_ context.Context, id string, status domain.SubscriptionStatus, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.ID == id {
			s.Status = status
			s.EndDate = &end
		}
	}
	return nil
}

func (m *memSubs) ListByUser(_ context.Context, userID string) ([]domain.Subscription, error) {
	out := m.byUser(userID)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []domain.Subscription{}
	}
	return out, nil
}

func (m *memSubs) byUser(userID string) []domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscription
	for _, s := range m.rows {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out
}

func (m *memSubs) activeCount(userID string) int {
	n := 0
	for _, s := range m.byUser(userID) {
		if s.Status == domain.StatusActive {
			n++
		}
	}
	return n
}

type memPayments struct {
	mu        sync.Mutex
	rows      map[string]*domain.PaymentRecord
	upsertErr error
}

func (m *memPayments) FindByInvoiceID(_ context.Context, invoiceID string) (*domain.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[invoiceID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memPayments) Upsert(_ context.Context, rec *domain.PaymentRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return false, m.upsertErr
	}
	existing, ok := m.rows[rec.GatewayInvoiceID]
	if !ok {
		cp := *rec
		m.rows[rec.GatewayInvoiceID] = &cp
		return true, nil
	}
	if existing.Status == domain.PaymentPaid {
		return false, nil
	}
	cp := *rec
	cp.ID = existing.ID
	cp.UserID = existing.UserID
	cp.CreatedAt = existing.CreatedAt
	if cp.InvoiceURL == "" {
		cp.InvoiceURL = existing.InvoiceURL
	}
	m.rows[rec.GatewayInvoiceID] = &cp
	return false, nil
}

func (m *memPayments) RefreshInvoiceURL(_ context.Context, invoiceID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[invoiceID]; ok {
		r.InvoiceURL = url
	}
	return nil
}

func (m *memPayments) ListByUser(_ context.Context, userID string, limit int) ([]domain.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.PaymentRecord{}
	for _, r := range m.rows {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDate.After(out[j].PaymentDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPayments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memCustomers struct {
	mu    sync.Mutex
	links map[string]*domain.CustomerLink // by user
}

func (m *memCustomers) FindByUser(_ context.Context, userID string) (*domain.CustomerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[userID]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *memCustomers) FindByGatewayCustomer(_ context.Context, ref string) (*domain.CustomerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.GatewayCustomerID == ref {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memCustomers) Link(_ context.Context, link *domain.CustomerLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *link
	m.links[link.UserID] = &cp
	return nil
}

func (m *memCustomers) ListAll(_ context.Context) ([]domain.CustomerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CustomerLink, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

type memUsers struct {
	users map[string]domain.User
}

func (m *memUsers) FindByID(_ context.Context, id string) (*domain.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*domain.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, nil
}

// harness wires every service against in-memory stores and the fake gateway.
type harness struct {
	gw        *paymenttest.Gateway
	parser    *paymenttest.EventParser
	plans     *memPlans
	subs      *memSubs
	payments  *memPayments
	customers *memCustomers
	users     *memUsers
	metrics   *metrics.Metrics
	locker    *lock.LocalLocker
	log       *logrus.Logger
	logs      *logtest.Hook

	credit     *CreditService
	ledger     *LedgerService
	proration  *ProrationService
	lifecycle  *LifecycleService
	webhook    *WebhookService
	reconciler *Reconciler
}

const testSignature = "t=1,v1=good"

func testPlans() map[string]domain.Plan {
	plans := map[string]domain.Plan{}
	refs := map[string][2]string{
		"essencial":    {"price_ess_m", "price_ess_a"},
		"profissional": {"price_pro_m", "price_pro_a"},
		"empresarial":  {"price_emp_m", "price_emp_a"},
	}
	for _, p := range domain.DefaultPlans() {
		p.MonthlyPriceRef = refs[p.ID][0]
		p.AnnualPriceRef = refs[p.ID][1]
		plans[p.ID] = p
	}
	return plans
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	h := &harness{
		gw:        paymenttest.New(),
		parser:    paymenttest.NewEventParser(testSignature),
		plans:     &memPlans{plans: testPlans()},
		subs:      &memSubs{},
		payments:  &memPayments{rows: map[string]*domain.PaymentRecord{}},
		customers: &memCustomers{links: map[string]*domain.CustomerLink{}},
		users: &memUsers{users: map[string]domain.User{
			"u1": {ID: "u1", Email: "u1@example.com", Role: "user"},
			"u2": {ID: "u2", Email: "u2@example.com", Role: "user"},
		}},
		metrics: metrics.New(),
		locker:  lock.NewLocalLocker(),
		log:     log,
		logs:    hook,
	}
	for _, p := range h.plans.plans {
		h.gw.AddPrice(p.MonthlyPriceRef, int64(p.MonthlyPrice))
		h.gw.AddPrice(p.AnnualPriceRef, int64(p.AnnualTotal))
	}
	h.wire(h.gw)
	return h
}

// wire (re)builds the services; gateway may be nil to simulate a missing
// configuration.
func (h *harness) wire(gw payment.Gateway) {
	h.credit = NewCreditService(gw, h.customers, h.log)
	h.ledger = NewLedgerService(h.payments, gw, h.credit, h.metrics, h.log)
	h.proration = NewProrationService(h.plans, h.subs, h.customers, gw, h.credit, h.metrics, h.log)
	h.lifecycle = NewLifecycleService(LifecycleDeps{
		Plans: h.plans, Subs: h.subs, Customers: h.customers, Users: h.users, Payments: h.payments,
		Gateway: gw, Ledger: h.ledger, Locker: h.locker, Metrics: h.metrics, Log: h.log,
	})
	h.webhook = h.newWebhook(gw)
	h.reconciler = NewReconciler(h.customers, h.subs, h.plans, gw, h.ledger, h.metrics, h.log)
}

func (h *harness) newWebhook(gw payment.Gateway) *WebhookService {
	return NewWebhookService(WebhookDeps{
		Parser: h.parser, Gateway: gw, Plans: h.plans, Subs: h.subs, Customers: h.customers,
		Users: h.users, Ledger: h.ledger, Locker: h.locker, Metrics: h.metrics, Log: h.log,
	})
}

// subscribe puts userID on planID through the lifecycle manager with a
// fully card-paid first invoice.
func (h *harness) subscribe(t *testing.T, userID, planID string, billing domain.BillingType) *domain.ChangeResult {
	t.Helper()
	plan := h.plans.plans[planID]
	price := int64(plan.ListPrice(billing))
	h.gw.NextInvoice = &payment.Invoice{
		ID:              "in_first_" + userID + "_" + planID,
		Status:          payment.InvoicePaid,
		TotalMinor:      price,
		SubtotalMinor:   price,
		AmountPaidMinor: price,
		Lines:           []payment.LineItem{{AmountMinor: price, Kind: payment.LineCharge, PriceRef: plan.PriceRef(billing)}},
	}
	res, err := h.lifecycle.Change(context.Background(), &domain.ChangePlanRequest{UserID: userID, PlanID: planID, BillingType: billing})
	if err != nil {
		t.Fatalf("subscribe %s to %s: %v", userID, planID, err)
	}
	return res
}

func errNetwork(op string) error {
	return &payment.Error{Op: op, Transient: true, Err: errors.New("connection reset")}
}
