package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// maxWebhookBodyBytes bounds the webhook payload read into memory.
const maxWebhookBodyBytes = 1 << 20

// WebhookProcessor verifies and applies a raw provider webhook delivery.
type WebhookProcessor interface {
	HandleProviderWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (int, error)
}

// StripeHandler holds dependencies for Stripe-related handlers
type StripeHandler struct {
	Processor WebhookProcessor
}

// NewStripeHandler creates a new StripeHandler
func NewStripeHandler(processor WebhookProcessor) *StripeHandler {
	return &StripeHandler{Processor: processor}
}

// RegisterRoutes registers the Stripe webhook route
func (h *StripeHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/webhooks/stripe", h.HandleWebhook())
}

// HandleWebhook passes the untouched body and Stripe-Signature header to the
// billing core and answers with the status it decides on.
func (h *StripeHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		status, err := h.Processor.HandleProviderWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
		if err != nil {
			if status >= http.StatusInternalServerError {
				log.Error().Err(err).Str("component", "webhook").Msg("webhook processing failed")
			} else {
				log.Warn().Err(err).Str("component", "webhook").Int("status", status).Msg("webhook rejected")
			}
			http.Error(w, http.StatusText(status), status)
			return
		}

		writeJSON(w, status, map[string]string{"status": "ok"})
	}
}
