// Package billing implements the credit ledger: consumption, provider-driven
// grants, subscription reconciliation and idempotent webhook processing.
package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

const (
	defaultFreeGrantCredits  = 3
	defaultWebhookStaleAfter = 10 * time.Minute
)

// Options holds the tunables of the service.
type Options struct {
	// FreeGrantCredits is granted once by InitializeBillingProfile.
	FreeGrantCredits int
	// WebhookStaleAfter is how long a processing event may stay claimed before
	// a redelivery may take it over.
	WebhookStaleAfter time.Duration
	// SuccessURL, CancelURL and PortalReturnURL are handed to the provider.
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
	// FirstPeriodCouponID is attached to an account's first subscription checkout.
	FirstPeriodCouponID string
}

// Option configures optional collaborators of the Service.
type Option func(*Service)

// WithProvider sets the payment provider used by the checkout orchestrator.
func WithProvider(p PaymentProvider) Option {
	return func(s *Service) { s.provider = p }
}

// WithVerifier sets the webhook signature verifier.
func WithVerifier(v EventVerifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithCache sets the read-through credit state cache.
func WithCache(c CreditStateCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the billing core. It is safe for concurrent use.
type Service struct {
	store    Store
	catalog  Catalog
	opts     Options
	provider PaymentProvider
	verifier EventVerifier
	notifier Notifier
	cache    CreditStateCache
	now      func() time.Time

	fills singleflight.Group
}

// New constructs a Service.
func New(store Store, catalog Catalog, opts Options, options ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("billing: store cannot be nil")
	}
	if opts.FreeGrantCredits < 0 {
		return nil, errors.New("billing: free grant cannot be negative")
	}
	if opts.WebhookStaleAfter <= 0 {
		opts.WebhookStaleAfter = defaultWebhookStaleAfter
	}

	s := &Service{
		store:   store,
		catalog: catalog,
		opts:    opts,
		now:     time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		FreeGrantCredits:  defaultFreeGrantCredits,
		WebhookStaleAfter: defaultWebhookStaleAfter,
	}
}

// Catalog returns the configured price catalog.
func (s *Service) Catalog() Catalog {
	return s.catalog
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

// afterCommit runs the side effects of a committed mutation. Failures are
// logged and never surface to the caller.
func (s *Service) afterCommit(ctx context.Context, accountID string, notes ...models.Notification) {
	if s.cache != nil && accountID != "" {
		if err := s.cache.Invalidate(ctx, accountID); err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("credit state cache invalidation failed")
		}
	}
	if s.notifier == nil {
		return
	}
	for _, n := range notes {
		if err := s.notifier.Notify(ctx, n); err != nil {
			log.Warn().Err(err).
				Str("account_id", n.AccountID).
				Str("kind", n.Kind).
				Msg("billing notification dropped")
		}
	}
}

func normalizeAccount(accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", ErrInvalidAccount
	}
	return accountID, nil
}
