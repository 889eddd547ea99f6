package billing

import (
	"context"
	"time"

	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// Store is the persistence the billing service needs. Every read-modify-write
// of a billing profile happens inside WithinTx; implementations must make the
// profile locks taken through Tx exclusive until fn returns.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetProfileByAccount(ctx context.Context, accountID string) (*models.BillingProfile, error)
	// ListLedger returns the newest entries first. limit <= 0 returns all entries.
	ListLedger(ctx context.Context, accountID string, limit int) ([]models.CreditLedgerEntry, error)

	// BeginEvent claims eventID for processing. It returns false when the event
	// is already processed or currently processing (and not older than staleAfter).
	BeginEvent(ctx context.Context, eventID, eventType string, staleAfter time.Duration) (bool, error)
	CompleteEvent(ctx context.Context, eventID string) error
	FailEvent(ctx context.Context, eventID, message string) error

	// RecordRevenue inserts ev unless one with the same provider event id exists.
	RecordRevenue(ctx context.Context, ev *models.RevenueEvent) (bool, error)
}

// Tx is a single atomic unit of work. Lock* methods return nil, nil when no
// profile matches.
type Tx interface {
	LockProfileByAccount(ctx context.Context, accountID string) (*models.BillingProfile, error)
	LockProfileByCustomer(ctx context.Context, customerID string) (*models.BillingProfile, error)
	LockProfileBySubscription(ctx context.Context, subscriptionID string) (*models.BillingProfile, error)

	// InsertProfile creates p and fills its ID. It returns false without error
	// when the account already has a profile.
	InsertProfile(ctx context.Context, p *models.BillingProfile) (bool, error)
	UpdateProfile(ctx context.Context, p *models.BillingProfile) error

	LedgerByIdempotencyKey(ctx context.Context, key string) (*models.CreditLedgerEntry, error)
	LedgerByProviderEvent(ctx context.Context, eventID string) (*models.CreditLedgerEntry, error)
	LedgerByCheckoutSession(ctx context.Context, sessionID string) (*models.CreditLedgerEntry, error)
	AppendLedger(ctx context.Context, e *models.CreditLedgerEntry) error
}

// PaymentProvider is the subset of the payment provider API used for checkout.
type PaymentProvider interface {
	CreateCustomer(ctx context.Context, accountID string) (string, error)
	CreateCheckoutSession(ctx context.Context, req models.CheckoutRequest) (*models.CheckoutResponse, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// EventVerifier authenticates a raw webhook body against its signature header.
type EventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (*models.WebhookEvent, error)
}

// Notifier receives fire-and-forget notifications after a committed mutation.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// CreditStateCache caches read-only credit state. It is never consulted by
// the consumption gate.
type CreditStateCache interface {
	Get(ctx context.Context, accountID string) (*CreditState, error)
	// Generation returns a counter that Invalidate advances.
	Generation(ctx context.Context, accountID string) (int64, error)
	// SetIfGeneration stores state only while the generation is still gen.
	SetIfGeneration(ctx context.Context, accountID string, gen int64, state CreditState) (bool, error)
	Invalidate(ctx context.Context, accountID string) error
}
