package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
	"github.com/PortNumber53/creditmeter/backend/internal/middleware"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

const defaultLedgerPageSize = 50

// BillingService defines the behaviour required from the billing core
// backing the account-facing handlers.
type BillingService interface {
	GetCreditState(ctx context.Context, accountID string) (billing.CreditState, error)
	InitializeBillingProfile(ctx context.Context, accountID string) (*models.BillingProfile, bool, error)
	ConsumeCredit(ctx context.Context, accountID, idempotencyKey string) (billing.ConsumeResult, error)
	ListLedger(ctx context.Context, accountID string, limit int) ([]models.CreditLedgerEntry, error)
	CreateSubscriptionCheckout(ctx context.Context, accountID string, planKey models.PlanKey) (string, error)
	CreateAddonCheckout(ctx context.Context, accountID, addonKey string) (string, error)
	CreatePortalSession(ctx context.Context, accountID string) (string, error)
}

// BillingHandler serves the credit and checkout endpoints of the signed-in account.
type BillingHandler struct {
	Service BillingService
}

// NewBillingHandler creates a new BillingHandler
func NewBillingHandler(service BillingService) *BillingHandler {
	return &BillingHandler{Service: service}
}

// RegisterRoutes registers the billing routes on router. Every route requires
// an account id.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Route("/api/billing", func(r chi.Router) {
		r.Use(middleware.RequireAccount)
		r.Get("/credits", h.GetCredits())
		r.Post("/profile", h.InitializeProfile())
		r.Post("/consume", h.Consume())
		r.Get("/ledger", h.ListLedger())
		r.Post("/checkout/subscription", h.SubscriptionCheckout())
		r.Post("/checkout/addon", h.AddonCheckout())
		r.Post("/portal", h.Portal())
	})
}

// GetCredits returns the credit state of the account.
func (h *BillingHandler) GetCredits() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, _ := middleware.AccountID(r.Context())
		state, err := h.Service.GetCreditState(r.Context(), accountID)
		if err != nil {
			writeBillingError(w, "GetCredits", accountID, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// InitializeProfile creates the account's billing profile with its free grant.
func (h *BillingHandler) InitializeProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, _ := middleware.AccountID(r.Context())
		profile, created, err := h.Service.InitializeBillingProfile(r.Context(), accountID)
		if err != nil {
			writeBillingError(w, "InitializeProfile", accountID, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{
			"created": created,
			"profile": profile,
			"credits": billing.StateOf(profile),
		})
	}
}

type consumePayload struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// Consume reserves one credit. The key comes from the body or the
// Idempotency-Key header.
func (h *BillingHandler) Consume() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, _ := middleware.AccountID(r.Context())

		var payload consumePayload
		if err := decodeOptionalJSON(r, &payload); err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
		key := strings.TrimSpace(payload.IdempotencyKey)
		if key == "" {
			key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		}

		result, err := h.Service.ConsumeCredit(r.Context(), accountID, key)
		if err != nil {
			writeBillingError(w, "Consume", accountID, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// ListLedger returns the account's ledger entries, newest first.
func (h *BillingHandler) ListLedger() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, _ := middleware.AccountID(r.Context())

		limit := defaultLedgerPageSize
		if override := r.URL.Query().Get("limit"); override != "" {
			if parsed, err := strconv.Atoi(override); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		entries, err := h.Service.ListLedger(r.Context(), accountID, limit)
		if err != nil {
			writeBillingError(w, "ListLedger", accountID, err)
			return
		}
		if entries == nil {
			entries = []models.CreditLedgerEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

type subscriptionCheckoutPayload struct {
	PlanKey string `json:"plan_key"`
}

// SubscriptionCheckout starts a hosted checkout for a plan.
func (h *BillingHandler) SubscriptionCheckout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, _ := middleware.AccountID(r.Context())

		var payload subscriptionCheckoutPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(payload.PlanKey) == "" {
			http.Error(w, "plan_key is required", http.StatusBadRequest)
			return
		}

		url, err := h.Service.CreateSubscriptionCheckout(r.Context(), accountID, models.PlanKey(strings.TrimSpace(payload.PlanKey)))
		if err != nil {
			writeBillingError(w, "SubscriptionCheckout", accountID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

type addonCheckoutPayload struct {
	AddonKey string `json:"addon_key"`
}

// AddonCheckout starts a hosted checkout for a one-off credit pack.
func (h *BillingHandler) AddonCheckout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, _ := middleware.AccountID(r.Context())

		var payload addonCheckoutPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(payload.AddonKey) == "" {
			http.Error(w, "addon_key is required", http.StatusBadRequest)
			return
		}

		url, err := h.Service.CreateAddonCheckout(r.Context(), accountID, strings.TrimSpace(payload.AddonKey))
		if err != nil {
			writeBillingError(w, "AddonCheckout", accountID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

// Portal opens the provider's self-service portal.
func (h *BillingHandler) Portal() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, _ := middleware.AccountID(r.Context())
		url, err := h.Service.CreatePortalSession(r.Context(), accountID)
		if err != nil {
			writeBillingError(w, "Portal", accountID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

// statusFor maps a billing error onto an HTTP status.
func statusFor(err error) int {
	switch billing.Kind(err) {
	case billing.KindValidation:
		return http.StatusBadRequest
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindConflict:
		if errors.Is(err, billing.ErrNoCreditsRemaining) || errors.Is(err, billing.ErrSubscriptionNotActive) {
			return http.StatusPaymentRequired
		}
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeBillingError(w http.ResponseWriter, op, accountID string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("account_id", accountID).Str("op", op).Msg("billing request failed")
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{
		"error": strings.TrimPrefix(err.Error(), "billing: "),
		"kind":  string(billing.Kind(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

// decodeOptionalJSON decodes r's body into v; an empty body is not an error.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
