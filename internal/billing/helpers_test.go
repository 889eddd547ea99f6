package billing_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
	"github.com/PortNumber53/creditmeter/backend/internal/store/memory"
	"github.com/PortNumber53/creditmeter/backend/internal/stripe"
)

const testWebhookSecret = "whsec_test_secret"

func testCatalog() billing.Catalog {
	return billing.Catalog{
		Plans: []billing.Plan{
			{Key: models.PlanTier1, PriceID: "price_tier1", MonthlyCredits: 50},
			{Key: models.PlanTier2, PriceID: "price_tier2", MonthlyCredits: 200},
			{Key: models.PlanTier3, PriceID: "price_tier3", MonthlyCredits: 1000},
		},
		Addons: []billing.Addon{
			{Key: "small", PriceID: "price_small", Credits: 25},
			{Key: "large", PriceID: "price_large", Credits: 100},
		},
	}
}

type fakeProvider struct {
	mu          sync.Mutex
	customers   []string
	sessions    []models.CheckoutRequest
	portals     []string
	customerErr error
	checkoutErr error
}

func (p *fakeProvider) CreateCustomer(_ context.Context, accountID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.customerErr != nil {
		return "", p.customerErr
	}
	p.customers = append(p.customers, accountID)
	return fmt.Sprintf("cus_%s_%d", accountID, len(p.customers)), nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, req models.CheckoutRequest) (*models.CheckoutResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkoutErr != nil {
		return nil, p.checkoutErr
	}
	p.sessions = append(p.sessions, req)
	id := fmt.Sprintf("cs_%d", len(p.sessions))
	return &models.CheckoutResponse{SessionID: id, SessionURL: "https://checkout.test/" + id}, nil
}

func (p *fakeProvider) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.portals = append(p.portals, customerID)
	return "https://portal.test/" + customerID, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []models.Notification
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, note models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return n.err
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Kind)
	}
	return out
}

type harness struct {
	svc      *billing.Service
	store    *memory.Store
	provider *fakeProvider
	notifier *recordingNotifier
}

func newHarness(t *testing.T, opts ...func(*billing.Options)) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		provider: &fakeProvider{},
		notifier: &recordingNotifier{},
	}
	options := billing.DefaultOptions()
	options.SuccessURL = "https://app.test/billing/success"
	options.CancelURL = "https://app.test/billing/cancel"
	options.PortalReturnURL = "https://app.test/billing"
	for _, o := range opts {
		o(&options)
	}
	svc, err := billing.New(h.store, testCatalog(), options,
		billing.WithProvider(h.provider),
		billing.WithVerifier(stripe.NewWebhookVerifier(testWebhookSecret)),
		billing.WithNotifier(h.notifier),
	)
	require.NoError(t, err)
	h.svc = svc
	return h
}

// seed stores p as committed state.
func (h *harness) seed(t *testing.T, p models.BillingProfile) *models.BillingProfile {
	t.Helper()
	if p.PlanKey == "" {
		p.PlanKey = models.PlanNone
	}
	if p.Status == "" {
		p.Status = models.StatusActive
	}
	err := h.store.WithinTx(context.Background(), func(tx billing.Tx) error {
		created, err := tx.InsertProfile(context.Background(), &p)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("profile %s already exists", p.AccountID)
		}
		return nil
	})
	require.NoError(t, err)
	return &p
}

func (h *harness) profile(t *testing.T, accountID string) *models.BillingProfile {
	t.Helper()
	p, err := h.store.GetProfileByAccount(context.Background(), accountID)
	require.NoError(t, err)
	require.NotNil(t, p, "profile %s", accountID)
	return p
}

func (h *harness) ledger(t *testing.T, accountID string) []models.CreditLedgerEntry {
	t.Helper()
	entries, err := h.store.ListLedger(context.Background(), accountID, 0)
	require.NoError(t, err)
	return entries
}

func countReason(entries []models.CreditLedgerEntry, reason models.LedgerReason) int {
	n := 0
	for _, e := range entries {
		if e.Reason == reason {
			n++
		}
	}
	return n
}

// signedEvent builds a Stripe event envelope around object and signs it.
func signedEvent(t *testing.T, id, eventType string, object any) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	envelope := map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix(),
		"api_version": "2025-08-27.basil",
		"data":        map[string]json.RawMessage{"object": raw},
	}
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func deliver(t *testing.T, h *harness, id, eventType string, object any) (int, error) {
	t.Helper()
	payload, header := signedEvent(t, id, eventType, object)
	return h.svc.HandleProviderWebhook(context.Background(), payload, header)
}

func ts(year int, month time.Month, day int) *time.Time {
	v := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &v
}
