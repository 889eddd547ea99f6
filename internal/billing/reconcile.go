package billing

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/metrics"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// SubscriptionUpdate is the provider's view of a subscription. Either PriceID
// or PlanKey identifies the plan; MonthlyCreditLimit overrides the catalog
// allowance when positive.
type SubscriptionUpdate struct {
	AccountHint            string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	PriceID                string
	PlanKey                models.PlanKey
	Status                 models.SubscriptionStatus
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	MonthlyCreditLimit     int
}

// ReconcileResult summarises what an upsert changed.
type ReconcileResult struct {
	Profile       *models.BillingProfile
	Created       bool
	Reset         bool
	StatusChanged bool
}

// UpsertFromSubscriptionEvent makes the billing profile match the provider's
// subscription state. The profile is found by subscription id, then customer
// id, then account hint; a new profile is created only for a known account.
// A new period start resets monthly usage and leaves addon credits alone.
func (s *Service) UpsertFromSubscriptionEvent(ctx context.Context, upd SubscriptionUpdate) (ReconcileResult, error) {
	upd.AccountHint = strings.TrimSpace(upd.AccountHint)
	upd.ProviderCustomerID = strings.TrimSpace(upd.ProviderCustomerID)
	upd.ProviderSubscriptionID = strings.TrimSpace(upd.ProviderSubscriptionID)

	plan, err := s.planFor(upd)
	if err != nil {
		return ReconcileResult{}, err
	}
	if !upd.Status.Valid() {
		return ReconcileResult{}, ErrInvalidStatus
	}
	limit := plan.MonthlyCredits
	if upd.MonthlyCreditLimit > 0 {
		limit = upd.MonthlyCreditLimit
	}

	var result ReconcileResult
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		profile, err := s.resolveForSubscription(ctx, tx, upd)
		if err != nil {
			return err
		}
		created := false
		if profile == nil {
			if upd.AccountHint == "" {
				return ErrUnresolvableAccount
			}
			profile, created, err = s.ensureProfile(ctx, tx, upd.AccountHint, 0)
			if err != nil {
				return err
			}
		}

		now := s.timestamp()
		reset := !created && periodChanged(profile.CurrentPeriodStart, upd.PeriodStart)
		previousStatus := profile.Status

		if reset {
			profile.MonthlyCreditsUsed = 0
		}
		profile.PlanKey = plan.Key
		profile.Status = upd.Status
		// events without period data keep the stored window
		if upd.PeriodStart != nil {
			profile.CurrentPeriodStart = upd.PeriodStart
		}
		if upd.PeriodEnd != nil {
			profile.CurrentPeriodEnd = upd.PeriodEnd
		}
		profile.MonthlyCreditLimit = limit
		if upd.ProviderCustomerID != "" {
			profile.ProviderCustomerID = models.StringPtr(upd.ProviderCustomerID)
		}
		if upd.ProviderSubscriptionID != "" {
			profile.ProviderSubscriptionID = models.StringPtr(upd.ProviderSubscriptionID)
		}
		profile.UpdatedAt = now
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}

		if reset {
			note := "billing period started"
			if err := tx.AppendLedger(ctx, &models.CreditLedgerEntry{
				AccountID:                profile.AccountID,
				BillingProfileID:         profile.ID,
				Amount:                   0,
				Reason:                   models.ReasonMonthlyReset,
				Source:                   models.SourceSystem,
				Note:                     &note,
				MonthlyCreditsUsedAfter:  0,
				AddonCreditsBalanceAfter: profile.AddonCreditsBalance,
				CreatedAt:                now,
			}); err != nil {
				return err
			}
		}

		result = ReconcileResult{
			Profile:       profile,
			Created:       created,
			Reset:         reset,
			StatusChanged: created || previousStatus != profile.Status,
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	if result.Reset {
		metrics.MonthlyResets.Inc()
	}
	log.Info().
		Str("account_id", result.Profile.AccountID).
		Str("subscription_id", upd.ProviderSubscriptionID).
		Str("plan", string(result.Profile.PlanKey)).
		Str("status", string(result.Profile.Status)).
		Bool("reset", result.Reset).
		Msg("subscription reconciled")

	var notes []models.Notification
	if result.StatusChanged {
		notes = append(notes, models.Notification{
			Kind:      models.NotifyStatusChanged,
			AccountID: result.Profile.AccountID,
			Data: map[string]any{
				"plan":   string(result.Profile.PlanKey),
				"status": string(result.Profile.Status),
			},
		})
	}
	s.afterCommit(ctx, result.Profile.AccountID, notes...)
	return result, nil
}

// MarkPastDueByCustomer flags the profile of customerID as past_due. It
// returns false when no profile is linked to the customer.
func (s *Service) MarkPastDueByCustomer(ctx context.Context, customerID string) (bool, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return false, nil
	}

	var (
		accountID string
		changed   bool
	)
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		profile, err := tx.LockProfileByCustomer(ctx, customerID)
		if err != nil || profile == nil {
			return err
		}
		accountID = profile.AccountID
		if profile.Status == models.StatusPastDue {
			return nil
		}
		profile.Status = models.StatusPastDue
		profile.UpdatedAt = s.timestamp()
		changed = true
		return tx.UpdateProfile(ctx, profile)
	})
	if err != nil {
		return false, err
	}
	if accountID == "" {
		return false, nil
	}

	if changed {
		log.Warn().Str("account_id", accountID).Str("customer_id", customerID).Msg("subscription marked past_due")
		s.afterCommit(ctx, accountID, models.Notification{
			Kind:      models.NotifyPaymentFailed,
			AccountID: accountID,
		})
	}
	return true, nil
}

func (s *Service) planFor(upd SubscriptionUpdate) (Plan, error) {
	if upd.PriceID != "" {
		plan, ok := s.catalog.PlanByPrice(upd.PriceID)
		if !ok {
			return Plan{}, ErrUnknownPlanPrice
		}
		return plan, nil
	}
	if upd.PlanKey != "" {
		if upd.PlanKey == models.PlanNone {
			return Plan{Key: models.PlanNone}, nil
		}
		plan, ok := s.catalog.PlanByKey(upd.PlanKey)
		if !ok {
			return Plan{}, ErrUnknownPlan
		}
		return plan, nil
	}
	return Plan{}, ErrUnknownPlanPrice
}

func (s *Service) resolveForSubscription(ctx context.Context, tx Tx, upd SubscriptionUpdate) (*models.BillingProfile, error) {
	if upd.ProviderSubscriptionID != "" {
		profile, err := tx.LockProfileBySubscription(ctx, upd.ProviderSubscriptionID)
		if err != nil || profile != nil {
			return profile, err
		}
	}
	if upd.ProviderCustomerID != "" {
		profile, err := tx.LockProfileByCustomer(ctx, upd.ProviderCustomerID)
		if err != nil || profile != nil {
			return profile, err
		}
	}
	if upd.AccountHint != "" {
		return tx.LockProfileByAccount(ctx, upd.AccountHint)
	}
	return nil, nil
}

func periodChanged(current, incoming *time.Time) bool {
	if incoming == nil {
		return false
	}
	if current == nil {
		return true
	}
	return !current.Equal(*incoming)
}
