package handler

import (
	"context"
	"net/http"

	"github.com/aiagenz/billing/internal/domain"
)

// PlanLister lists the purchasable plans.
type PlanLister interface {
	List(ctx context.Context) ([]domain.Plan, error)
}

// PlansHandler handles plan-related endpoints.
type PlansHandler struct {
	plans PlanLister
}

// NewPlansHandler creates a new PlansHandler.
func NewPlansHandler(plans PlanLister) *PlansHandler {
	return &PlansHandler{plans: plans}
}

// List handles GET /api/plans.
func (h *PlansHandler) List(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if err != nil {
		Error(w, domain.ErrInternal("failed to list plans", err))
		return
	}
	JSON(w, http.StatusOK, plans)
}
