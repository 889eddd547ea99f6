package billing

import "errors"

// Validation errors: bad input, rejected before anything is written.
var (
	ErrInvalidAccount       = errors.New("billing: account id is required")
	ErrInvalidIdempotency   = errors.New("billing: idempotency key is required")
	ErrIdempotencyKeyReused = errors.New("billing: idempotency key belongs to another account")
	ErrInvalidCreditAmount  = errors.New("billing: credit amount must be positive")
	ErrUnknownPlan          = errors.New("billing: unknown plan key")
	ErrUnknownAddon         = errors.New("billing: unknown addon key")
	ErrInvalidStatus        = errors.New("billing: unknown subscription status")
)

// State conflicts: the request is well formed but the account cannot satisfy it.
var (
	ErrNoBillingProfile      = errors.New("billing: no billing profile")
	ErrSubscriptionNotActive = errors.New("billing: subscription not active")
	ErrNoCreditsRemaining    = errors.New("billing: no credits remaining")
	ErrInsufficientCredits   = errors.New("billing: adjustment would make addon balance negative")
	ErrUnresolvableAccount   = errors.New("billing: cannot resolve account for provider event")
	ErrUnknownPlanPrice      = errors.New("billing: unknown plan price")
	ErrNoProviderCustomer    = errors.New("billing: account has no provider customer")
)

// ErrProviderUnavailable is returned when no payment provider is configured.
var ErrProviderUnavailable = errors.New("billing: payment provider not configured")

// ErrorKind groups billing errors for callers that map them onto transports.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindTransient  ErrorKind = "transient"
)

var kinds = map[error]ErrorKind{
	ErrInvalidAccount:        KindValidation,
	ErrInvalidIdempotency:    KindValidation,
	ErrIdempotencyKeyReused:  KindValidation,
	ErrInvalidCreditAmount:   KindValidation,
	ErrUnknownPlan:           KindValidation,
	ErrUnknownAddon:          KindValidation,
	ErrInvalidStatus:         KindValidation,
	ErrNoBillingProfile:      KindNotFound,
	ErrNoProviderCustomer:    KindNotFound,
	ErrSubscriptionNotActive: KindConflict,
	ErrNoCreditsRemaining:    KindConflict,
	ErrInsufficientCredits:   KindConflict,
	ErrUnresolvableAccount:   KindConflict,
	ErrUnknownPlanPrice:      KindConflict,
}

// Kind classifies err. Anything that is not a known billing error is transient.
func Kind(err error) ErrorKind {
	for target, kind := range kinds {
		if errors.Is(err, target) {
			return kind
		}
	}
	return KindTransient
}
