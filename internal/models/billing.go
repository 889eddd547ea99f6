package models

import "time"

// PlanKey identifies a subscription tier.
type PlanKey string

const (
	PlanNone  PlanKey = "none"
	PlanTier1 PlanKey = "tier1"
	PlanTier2 PlanKey = "tier2"
	PlanTier3 PlanKey = "tier3"
)

// SubscriptionStatus mirrors the payment provider's subscription lifecycle.
type SubscriptionStatus string

const (
	StatusNone              SubscriptionStatus = "none"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

// AllowsConsumption reports whether credits may be spent while the profile is
// in this status.
func (s SubscriptionStatus) AllowsConsumption() bool {
	switch s {
	case StatusPastDue, StatusCanceled, StatusNone, StatusUnpaid, StatusIncompleteExpired:
		return false
	}
	return true
}

// Valid reports whether s is one of the known statuses.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusNone, StatusTrialing, StatusActive, StatusPastDue, StatusCanceled,
		StatusUnpaid, StatusIncomplete, StatusIncompleteExpired:
		return true
	}
	return false
}

// BillingProfile is the single durable billing record of an account.
type BillingProfile struct {
	ID                     int64              `json:"id"`
	AccountID              string             `json:"account_id"`
	ProviderCustomerID     *string            `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID *string            `json:"provider_subscription_id,omitempty"`
	PlanKey                PlanKey            `json:"plan_key"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	MonthlyCreditLimit     int                `json:"monthly_credit_limit"`
	MonthlyCreditsUsed     int                `json:"monthly_credits_used"`
	AddonCreditsBalance    int                `json:"addon_credits_balance"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// MonthlyRemaining returns the unspent monthly allowance, never negative.
func (p *BillingProfile) MonthlyRemaining() int {
	if remaining := p.MonthlyCreditLimit - p.MonthlyCreditsUsed; remaining > 0 {
		return remaining
	}
	return 0
}

// CustomerID returns the provider customer id or "" when unset.
func (p *BillingProfile) CustomerID() string {
	if p.ProviderCustomerID == nil {
		return ""
	}
	return *p.ProviderCustomerID
}

// SubscriptionID returns the provider subscription id or "" when unset.
func (p *BillingProfile) SubscriptionID() string {
	if p.ProviderSubscriptionID == nil {
		return ""
	}
	return *p.ProviderSubscriptionID
}

// Clone returns a deep copy of the profile.
func (p *BillingProfile) Clone() *BillingProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.ProviderCustomerID = cloneString(p.ProviderCustomerID)
	c.ProviderSubscriptionID = cloneString(p.ProviderSubscriptionID)
	c.CurrentPeriodStart = cloneTime(p.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(p.CurrentPeriodEnd)
	return &c
}

// LedgerReason explains why a ledger entry was written.
type LedgerReason string

const (
	ReasonUsage            LedgerReason = "usage"
	ReasonAddonPurchase    LedgerReason = "addon_purchase"
	ReasonMonthlyReset     LedgerReason = "monthly_reset"
	ReasonManualAdjustment LedgerReason = "manual_adjustment"
)

// LedgerSource names the credit bucket an entry affected.
type LedgerSource string

const (
	SourceMonthly LedgerSource = "monthly"
	SourceAddon   LedgerSource = "addon"
	SourceSystem  LedgerSource = "system"
)

// CreditLedgerEntry is an immutable record of a credit-affecting event.
// Positive amounts are grants, negative amounts consumption, zero a marker.
type CreditLedgerEntry struct {
	ID                        int64        `json:"id"`
	AccountID                 string       `json:"account_id"`
	BillingProfileID          int64        `json:"billing_profile_id"`
	Amount                    int          `json:"amount"`
	Reason                    LedgerReason `json:"reason"`
	Source                    LedgerSource `json:"source"`
	IdempotencyKey            *string      `json:"idempotency_key,omitempty"`
	ProviderEventID           *string      `json:"provider_event_id,omitempty"`
	ProviderCheckoutSessionID *string      `json:"provider_checkout_session_id,omitempty"`
	Note                      *string      `json:"note,omitempty"`
	MonthlyCreditsUsedAfter   int          `json:"monthly_credits_used_after"`
	AddonCreditsBalanceAfter  int          `json:"addon_credits_balance_after"`
	CreatedAt                 time.Time    `json:"created_at"`
}

// ProviderEventStatus is the processing state of an inbound webhook event.
type ProviderEventStatus string

const (
	EventProcessing ProviderEventStatus = "processing"
	EventProcessed  ProviderEventStatus = "processed"
	EventFailed     ProviderEventStatus = "failed"
)

// ProviderEventRecord tracks one webhook event id through processing.
type ProviderEventRecord struct {
	EventID     string              `json:"event_id"`
	Type        string              `json:"type"`
	Status      ProviderEventStatus `json:"status"`
	Error       *string             `json:"error,omitempty"`
	Attempts    int                 `json:"attempts"`
	ProcessedAt *time.Time          `json:"processed_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// RevenueEvent is a reporting-only record of money received.
type RevenueEvent struct {
	ID                 int64     `json:"id"`
	ProviderEventID    string    `json:"provider_event_id"`
	AccountID          *string   `json:"account_id,omitempty"`
	ProviderCustomerID *string   `json:"provider_customer_id,omitempty"`
	Kind               string    `json:"kind"`
	GrossAmount        int64     `json:"gross_amount"`
	Currency           string    `json:"currency"`
	EstimatedFee       int64     `json:"estimated_fee"`
	NetAmount          int64     `json:"net_amount"`
	OccurredAt         time.Time `json:"occurred_at"`
	CreatedAt          time.Time `json:"created_at"`
}

// StringPtr returns nil for the empty string and a pointer otherwise.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
