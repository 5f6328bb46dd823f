package handler

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Replayer replays gateway invoice history into the ledger.
type Replayer interface {
	ReplayUser(ctx context.Context, userID string) (*service.ReplayReport, error)
	ReplayAll(ctx context.Context) (*service.ReplayReport, error)
}

// reconcileAllTimeout bounds a background full replay.
const reconcileAllTimeout = 30 * time.Minute

type AdminHandler struct {
	db       *pgxpool.Pool
	replayer Replayer
	// replaying is set while a full replay runs in the background.
	replaying atomic.Bool
}

func NewAdminHandler(db *pgxpool.Pool, replayer Replayer) *AdminHandler {
	return &AdminHandler{db: db, replayer: replayer}
}

// GetStats returns billing-wide counters.
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	var activeCount, delinquentCount, paidCount, failedCount int
	var paidTotal int64

	if err := h.db.QueryRow(r.Context(), "SELECT COUNT(*) FROM subscriptions WHERE status = 'active'").Scan(&activeCount); err != nil {
		logrus.WithError(err).Warn("Failed to count active subscriptions")
	}
	if err := h.db.QueryRow(r.Context(), "SELECT COUNT(*) FROM subscriptions WHERE status = 'delinquent'").Scan(&delinquentCount); err != nil {
		logrus.WithError(err).Warn("Failed to count delinquent subscriptions")
	}
	if err := h.db.QueryRow(r.Context(),
		"SELECT COUNT(*), COALESCE(SUM(card_amount_cents), 0) FROM payment_records WHERE status = 'Paid'",
	).Scan(&paidCount, &paidTotal); err != nil {
		logrus.WithError(err).Warn("Failed to sum paid records")
	}
	if err := h.db.QueryRow(r.Context(), "SELECT COUNT(*) FROM payment_records WHERE status = 'Failed'").Scan(&failedCount); err != nil {
		logrus.WithError(err).Warn("Failed to count failed records")
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"activeSubscriptions":     activeCount,
		"delinquentSubscriptions": delinquentCount,
		"paidPayments":            paidCount,
		"failedPayments":          failedCount,
		"cardRevenueCents":        paidTotal,
	})
}

// ReconcileUser handles POST /api/admin/billing/reconcile/{userId}.
func (h *AdminHandler) ReconcileUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	rep, err := h.replayer.ReplayUser(r.Context(), userID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, rep)
}

// ReconcileAll handles POST /api/admin/billing/reconcile. A full replay
// outlives any request deadline, so it runs in the background and the
// handler answers 202 at once. Only one full replay runs at a time.
func (h *AdminHandler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	if !h.replaying.CompareAndSwap(false, true) {
		Error(w, domain.ErrConflict("a full reconciliation is already running"))
		return
	}

	go func() {
		defer h.replaying.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), reconcileAllTimeout)
		defer cancel()

		start := time.Now()
		rep, err := h.replayer.ReplayAll(ctx)
		if err != nil {
			logrus.WithError(err).Error("Background reconciliation failed")
			return
		}
		logrus.WithFields(logrus.Fields{
			"users":    rep.Users,
			"invoices": rep.Invoices,
			"recorded": rep.Recorded,
			"failed":   rep.Failed,
			"elapsed":  time.Since(start).String(),
		}).Info("Background reconciliation finished")
	}()

	JSON(w, http.StatusAccepted, map[string]interface{}{"status": "started"})
}
