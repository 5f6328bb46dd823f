package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aiagenz/billing/internal/contextkeys"
	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSubs struct {
	current  *domain.CurrentSubscription
	change   *domain.ChangeResult
	err      error
	gotReq   *domain.ChangePlanRequest
	gotLimit int
}

func (s *stubSubs) Current(context.Context, string) (*domain.CurrentSubscription, error) {
	return s.current, s.err
}

func (s *stubSubs) Change(_ context.Context, req *domain.ChangePlanRequest) (*domain.ChangeResult, error) {
	s.gotReq = req
	return s.change, s.err
}

func (s *stubSubs) Cancel(context.Context, string) (*domain.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Subscription{ID: "sub-1", Status: domain.StatusCanceled}, nil
}

func (s *stubSubs) History(context.Context, string) ([]domain.Subscription, error) {
	return []domain.Subscription{{ID: "sub-2"}, {ID: "sub-1"}}, s.err
}

func (s *stubSubs) Payments(_ context.Context, _ string, limit int) ([]domain.PaymentRecord, error) {
	s.gotLimit = limit
	return []domain.PaymentRecord{{ID: "p1", Amount: 4790}}, s.err
}

type stubPreview struct{ preview *domain.ProrationPreview }

func (s stubPreview) Preview(context.Context, string, *domain.PreviewRequest) (*domain.ProrationPreview, error) {
	return s.preview, nil
}

type stubCredit struct{ balance domain.Money }

func (s stubCredit) BalanceForUser(context.Context, string) (domain.Money, error) {
	return s.balance, nil
}

func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextkeys.UserID, userID))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, domain.ErrConflict("already subscribed"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "CONFLICT", body["code"])
	assert.Equal(t, "already subscribed", body["message"])

	rec = httptest.NewRecorder()
	Error(rec, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", body["code"])
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestBillingChange(t *testing.T) {
	subs := &stubSubs{change: &domain.ChangeResult{Kind: domain.ChangeNew, Subscription: &domain.Subscription{ID: "sub-1"}}}
	h := NewBillingHandler(subs, stubPreview{}, stubCredit{})

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/billing/subscription",
		strings.NewReader(`{"planId":"essencial","billingType":"monthly","paymentMethodId":"pm_1"}`)), "u1")
	rec := httptest.NewRecorder()
	h.Change(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, subs.gotReq)
	assert.Equal(t, "u1", subs.gotReq.UserID)
	assert.Equal(t, "essencial", subs.gotReq.PlanID)
	assert.Equal(t, domain.BillingMonthly, subs.gotReq.BillingType)
	assert.Equal(t, "pm_1", subs.gotReq.PaymentMethodRef)
	assert.Equal(t, "NEW", decodeBody(t, rec)["kind"])
}

func TestBillingChangeErrors(t *testing.T) {
	h := NewBillingHandler(&stubSubs{err: domain.ErrConfiguration("payment gateway is not configured")}, stubPreview{}, stubCredit{})

	rec := httptest.NewRecorder()
	h.Change(rec, asUser(httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{")), "u1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Change(rec, asUser(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"planId":"x","billingType":"monthly"}`)), "u1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "CONFIGURATION_ERROR", decodeBody(t, rec)["code"])
}

func TestBillingCurrentWithoutSubscription(t *testing.T) {
	h := NewBillingHandler(&stubSubs{}, stubPreview{}, stubCredit{})
	rec := httptest.NewRecorder()
	h.Current(rec, asUser(httptest.NewRequest(http.MethodGet, "/", nil), "u1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Nil(t, body["subscription"])
}

func TestBillingPreviewRendersMoney(t *testing.T) {
	h := NewBillingHandler(&stubSubs{}, stubPreview{preview: &domain.ProrationPreview{
		Kind: domain.ChangeUpgrade, Adjustment: 2500, RealCardCharge: 1500, GatewayCalculated: true,
	}}, stubCredit{})
	rec := httptest.NewRecorder()
	h.Preview(rec, asUser(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"planId":"profissional","billingType":"monthly"}`)), "u1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"adjustment":25.00`)
	assert.Contains(t, rec.Body.String(), `"realCardCharge":15.00`)
	assert.Contains(t, rec.Body.String(), `"stripeCalculated":true`)
}

func TestBillingCreditAndPayments(t *testing.T) {
	subs := &stubSubs{}
	h := NewBillingHandler(subs, stubPreview{}, stubCredit{balance: 1234})

	rec := httptest.NewRecorder()
	h.Credit(rec, asUser(httptest.NewRequest(http.MethodGet, "/", nil), "u1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"balance":12.34}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.Payments(rec, asUser(httptest.NewRequest(http.MethodGet, "/?limit=5", nil), "u1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, subs.gotLimit)

	rec = httptest.NewRecorder()
	h.Payments(rec, asUser(httptest.NewRequest(http.MethodGet, "/?limit=abc", nil), "u1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBillingHistory(t *testing.T) {
	h := NewBillingHandler(&stubSubs{}, stubPreview{}, stubCredit{})
	rec := httptest.NewRecorder()
	h.History(rec, asUser(httptest.NewRequest(http.MethodGet, "/", nil), "u1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"sub-2"`)
}

func TestBillingCancelNotFound(t *testing.T) {
	h := NewBillingHandler(&stubSubs{err: domain.ErrNotFound("no active subscription")}, stubPreview{}, stubCredit{})
	rec := httptest.NewRecorder()
	h.Cancel(rec, asUser(httptest.NewRequest(http.MethodDelete, "/", nil), "u1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type stubProcessor struct {
	err        error
	gotPayload string
	gotSig     string
}

func (s *stubProcessor) Process(_ context.Context, payload []byte, sig string) (*service.WebhookResult, error) {
	s.gotPayload, s.gotSig = string(payload), sig
	if s.err != nil {
		return nil, s.err
	}
	return &service.WebhookResult{EventID: "evt_1", Type: "invoice.payment_succeeded", Outcome: service.OutcomeProcessed}, nil
}

func TestWebhookStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"processed", nil, http.StatusOK},
		{"bad signature", domain.ErrBadRequest("invalid webhook signature"), http.StatusBadRequest},
		{"secret missing", domain.ErrConfiguration("webhook secret is not configured"), http.StatusServiceUnavailable},
		{"processing failure", domain.ErrInternal("failed to process webhook event", errors.New("db down")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &stubProcessor{err: tt.err}
			req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", strings.NewReader(`{"id":"evt_1"}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := httptest.NewRecorder()
			NewWebhookHandler(p).HandleStripe(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, `{"id":"evt_1"}`, p.gotPayload)
			assert.Equal(t, "t=1,v1=abc", p.gotSig)
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	p := &stubProcessor{}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", maxWebhookBody+1)))
	rec := httptest.NewRecorder()
	NewWebhookHandler(p).HandleStripe(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, p.gotPayload)
}

type stubPlans struct{}

func (stubPlans) List(context.Context) ([]domain.Plan, error) {
	return domain.DefaultPlans(), nil
}

func TestPlansList(t *testing.T) {
	rec := httptest.NewRecorder()
	NewPlansHandler(stubPlans{}).List(rec, httptest.NewRequest(http.MethodGet, "/api/plans", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var plans []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plans))
	require.Len(t, plans, 3)
	assert.Equal(t, 47.9, plans[0]["monthlyPrice"])
	assert.NotContains(t, rec.Body.String(), "PriceRef")
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("refused") }

	rec := httptest.NewRecorder()
	NewHealthHandler(map[string]PingFunc{"database": ok, "redis": ok}).Check(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","database":"ok","redis":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]PingFunc{"database": ok, "redis": down}).Check(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","database":"ok","redis":"error"}`, rec.Body.String())
}

type stubReplayer struct {
	gotUser string
	// started and release gate ReplayAll when set.
	started chan struct{}
	release chan struct{}
}

func (s *stubReplayer) ReplayUser(_ context.Context, userID string) (*service.ReplayReport, error) {
	s.gotUser = userID
	if userID == "ghost" {
		return nil, domain.ErrNotFound("user has no gateway customer")
	}
	return &service.ReplayReport{Users: 1, Invoices: 3, Recorded: 1, Duplicates: 2}, nil
}

func (s *stubReplayer) ReplayAll(ctx context.Context) (*service.ReplayReport, error) {
	if s.started != nil {
		s.started <- struct{}{}
		<-s.release
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("full replay must run with a deadline")
	}
	return &service.ReplayReport{Users: 2}, nil
}

func TestAdminReconcileAllRunsInBackground(t *testing.T) {
	rp := &stubReplayer{started: make(chan struct{}), release: make(chan struct{})}
	h := NewAdminHandler(nil, rp)

	rec := httptest.NewRecorder()
	h.ReconcileAll(rec, httptest.NewRequest(http.MethodPost, "/api/admin/billing/reconcile", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	<-rp.started

	// A second run is refused while the first is in flight.
	rec = httptest.NewRecorder()
	h.ReconcileAll(rec, httptest.NewRequest(http.MethodPost, "/api/admin/billing/reconcile", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(rp.release)
	require.Eventually(t, func() bool { return !h.replaying.Load() }, time.Second, 5*time.Millisecond)

	rec = httptest.NewRecorder()
	h.ReconcileAll(rec, httptest.NewRequest(http.MethodPost, "/api/admin/billing/reconcile", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	<-rp.started
}

func TestAdminReconcileUser(t *testing.T) {
	rp := &stubReplayer{}
	h := NewAdminHandler(nil, rp)
	r := chi.NewRouter()
	r.Post("/api/admin/billing/reconcile/{userId}", h.ReconcileUser)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/billing/reconcile/u1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rp.gotUser)
	assert.JSONEq(t, `{"users":1,"invoices":3,"recorded":1,"duplicates":2,"failed":0}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/billing/reconcile/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
