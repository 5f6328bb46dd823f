package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/aiagenz/billing/internal/contextkeys"
	"github.com/aiagenz/billing/internal/domain"
)

// SubscriptionManager is the subscription lifecycle as seen by HTTP.
type SubscriptionManager interface {
	Current(ctx context.Context, userID string) (*domain.CurrentSubscription, error)
	Change(ctx context.Context, req *domain.ChangePlanRequest) (*domain.ChangeResult, error)
	Cancel(ctx context.Context, userID string) (*domain.Subscription, error)
	History(ctx context.Context, userID string) ([]domain.Subscription, error)
	Payments(ctx context.Context, userID string, limit int) ([]domain.PaymentRecord, error)
}

// ProrationPreviewer previews plan changes.
type ProrationPreviewer interface {
	Preview(ctx context.Context, userID string, req *domain.PreviewRequest) (*domain.ProrationPreview, error)
}

// CreditReader reads a user's available credit.
type CreditReader interface {
	BalanceForUser(ctx context.Context, userID string) (domain.Money, error)
}

// BillingHandler handles the authenticated billing endpoints.
type BillingHandler struct {
	subs      SubscriptionManager
	proration ProrationPreviewer
	credit    CreditReader
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(subs SubscriptionManager, proration ProrationPreviewer, credit CreditReader) *BillingHandler {
	return &BillingHandler{subs: subs, proration: proration, credit: credit}
}

// Current handles GET /api/billing/subscription.
func (h *BillingHandler) Current(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(contextkeys.UserID).(string)

	cur, err := h.subs.Current(r.Context(), userID)
	if err != nil {
		Error(w, err)
		return
	}
	if cur == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"subscription": nil, "plan": nil})
		return
	}
	JSON(w, http.StatusOK, cur)
}

// Change handles POST /api/billing/subscription.
func (h *BillingHandler) Change(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(contextkeys.UserID).(string)

	var req domain.ChangePlanRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}
	req.UserID = userID

	res, err := h.subs.Change(r.Context(), &req)
	if err != nil {
		Error(w, err)
		return
	}

	status := http.StatusOK
	if res.Kind == domain.ChangeNew {
		status = http.StatusCreated
	}
	JSON(w, status, res)
}

// Preview handles POST /api/billing/subscription/preview.
func (h *BillingHandler) Preview(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(contextkeys.UserID).(string)

	var req domain.PreviewRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	preview, err := h.proration.Preview(r.Context(), userID, &req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, preview)
}

// Cancel handles DELETE /api/billing/subscription.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(contextkeys.UserID).(string)

	sub, err := h.subs.Cancel(r.Context(), userID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"subscription": sub,
	})
}

// History handles GET /api/billing/subscription/history.
func (h *BillingHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(contextkeys.UserID).(string)

	subs, err := h.subs.History(r.Context(), userID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subs})
}

// Credit handles GET /api/billing/credit.
func (h *BillingHandler) Credit(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(contextkeys.UserID).(string)

	balance, err := h.credit.BalanceForUser(r.Context(), userID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

// Payments handles GET /api/billing/payments?limit=N.
func (h *BillingHandler) Payments(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(contextkeys.UserID).(string)

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Error(w, domain.ErrBadRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	records, err := h.subs.Payments(r.Context(), userID, limit)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"payments": records})
}
