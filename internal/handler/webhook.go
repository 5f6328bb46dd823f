package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/internal/service"
)

// maxWebhookBody bounds webhook payloads; gateway events are a few KB.
const maxWebhookBody = 64 << 10

// WebhookProcessor handles verified gateway deliveries.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signatureHeader string) (*service.WebhookResult, error)
}

// WebhookHandler receives payment gateway webhooks.
type WebhookHandler struct {
	processor WebhookProcessor
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// HandleStripe handles POST /api/billing/webhook. The raw body must reach
// signature verification untouched, so it is read before anything else.
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, &domain.AppError{Kind: domain.KindBadRequest, Code: http.StatusRequestEntityTooLarge, Message: "webhook payload too large"})
			return
		}
		Error(w, domain.ErrBadRequest("failed to read body"))
		return
	}

	res, err := h.processor.Process(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}
