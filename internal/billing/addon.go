package billing

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/metrics"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// AddonGrant describes addon credits paid for through the provider.
type AddonGrant struct {
	ProviderCustomerID        string
	AccountHint               string
	Credits                   int
	ProviderEventID           string
	ProviderCheckoutSessionID string
}

// GrantResult reports the ledger entry backing a grant. Duplicate is set when
// the grant had already been recorded and nothing changed.
type GrantResult struct {
	Entry     *models.CreditLedgerEntry
	Duplicate bool
}

// AddAddonCredits records a provider-driven addon purchase exactly once per
// provider event id (and per checkout session id).
func (s *Service) AddAddonCredits(ctx context.Context, grant AddonGrant) (GrantResult, error) {
	if grant.Credits <= 0 {
		return GrantResult{}, ErrInvalidCreditAmount
	}
	grant.ProviderCustomerID = strings.TrimSpace(grant.ProviderCustomerID)
	grant.AccountHint = strings.TrimSpace(grant.AccountHint)
	grant.ProviderEventID = strings.TrimSpace(grant.ProviderEventID)

	var result GrantResult
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		if grant.ProviderEventID != "" {
			existing, err := tx.LedgerByProviderEvent(ctx, grant.ProviderEventID)
			if err != nil {
				return err
			}
			if existing != nil {
				result = GrantResult{Entry: existing, Duplicate: true}
				return nil
			}
		}
		if grant.ProviderCheckoutSessionID != "" {
			existing, err := tx.LedgerByCheckoutSession(ctx, grant.ProviderCheckoutSessionID)
			if err != nil {
				return err
			}
			if existing != nil {
				result = GrantResult{Entry: existing, Duplicate: true}
				return nil
			}
		}

		profile, err := s.resolveForGrant(ctx, tx, grant)
		if err != nil {
			return err
		}

		// A grant can resolve through the customer id; keep the mapping.
		if profile.ProviderCustomerID == nil && grant.ProviderCustomerID != "" {
			profile.ProviderCustomerID = models.StringPtr(grant.ProviderCustomerID)
		}
		profile.AddonCreditsBalance += grant.Credits
		profile.UpdatedAt = s.timestamp()
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}

		entry := &models.CreditLedgerEntry{
			AccountID:                 profile.AccountID,
			BillingProfileID:          profile.ID,
			Amount:                    grant.Credits,
			Reason:                    models.ReasonAddonPurchase,
			Source:                    models.SourceAddon,
			ProviderEventID:           models.StringPtr(grant.ProviderEventID),
			ProviderCheckoutSessionID: models.StringPtr(grant.ProviderCheckoutSessionID),
			MonthlyCreditsUsedAfter:   profile.MonthlyCreditsUsed,
			AddonCreditsBalanceAfter:  profile.AddonCreditsBalance,
			CreatedAt:                 profile.UpdatedAt,
		}
		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}
		result = GrantResult{Entry: entry}
		return nil
	})
	if err != nil {
		return GrantResult{}, err
	}

	if result.Duplicate {
		log.Info().
			Str("account_id", result.Entry.AccountID).
			Str("event_id", grant.ProviderEventID).
			Msg("addon grant already recorded")
		return result, nil
	}

	metrics.CreditsGranted.WithLabelValues(string(models.ReasonAddonPurchase)).Add(float64(grant.Credits))
	log.Info().
		Str("account_id", result.Entry.AccountID).
		Str("event_id", grant.ProviderEventID).
		Int("credits", grant.Credits).
		Int("addon_balance", result.Entry.AddonCreditsBalanceAfter).
		Msg("addon credits granted")
	s.afterCommit(ctx, result.Entry.AccountID, models.Notification{
		Kind:      models.NotifyAddonGranted,
		AccountID: result.Entry.AccountID,
		Data: map[string]any{
			"credits":       grant.Credits,
			"addon_balance": result.Entry.AddonCreditsBalanceAfter,
		},
	})
	return result, nil
}

func (s *Service) resolveForGrant(ctx context.Context, tx Tx, grant AddonGrant) (*models.BillingProfile, error) {
	if grant.ProviderCustomerID != "" {
		profile, err := tx.LockProfileByCustomer(ctx, grant.ProviderCustomerID)
		if err != nil || profile != nil {
			return profile, err
		}
	}
	if grant.AccountHint == "" {
		return nil, ErrUnresolvableAccount
	}
	profile, _, err := s.ensureProfile(ctx, tx, grant.AccountHint, 0)
	return profile, err
}
