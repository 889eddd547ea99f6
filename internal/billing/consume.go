package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/metrics"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// ConsumeResult is the outcome of a successful ConsumeCredit call.
type ConsumeResult struct {
	Granted         bool                `json:"granted"`
	AlreadyConsumed bool                `json:"already_consumed"`
	Source          models.LedgerSource `json:"source"`
}

// ConsumeCredit reserves one credit for accountID. It must be called before
// the generation work it pays for. Calling it again with the same
// idempotencyKey reports AlreadyConsumed and changes nothing.
func (s *Service) ConsumeCredit(ctx context.Context, accountID, idempotencyKey string) (ConsumeResult, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return ConsumeResult{}, err
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return ConsumeResult{}, ErrInvalidIdempotency
	}

	var result ConsumeResult
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		profile, err := tx.LockProfileByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if profile == nil {
			return ErrNoBillingProfile
		}

		// Checked under the profile lock so two retries of the same request
		// cannot both pass.
		existing, err := tx.LedgerByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.AccountID != accountID {
				return ErrIdempotencyKeyReused
			}
			result = ConsumeResult{Granted: true, AlreadyConsumed: true, Source: existing.Source}
			return nil
		}

		if !profile.Status.AllowsConsumption() {
			return ErrSubscriptionNotActive
		}

		source, err := debit(profile)
		if err != nil {
			return err
		}
		profile.UpdatedAt = s.timestamp()
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}

		key := idempotencyKey
		if err := tx.AppendLedger(ctx, &models.CreditLedgerEntry{
			AccountID:                accountID,
			BillingProfileID:         profile.ID,
			Amount:                   -1,
			Reason:                   models.ReasonUsage,
			Source:                   source,
			IdempotencyKey:           &key,
			MonthlyCreditsUsedAfter:  profile.MonthlyCreditsUsed,
			AddonCreditsBalanceAfter: profile.AddonCreditsBalance,
			CreatedAt:                profile.UpdatedAt,
		}); err != nil {
			return err
		}

		result = ConsumeResult{Granted: true, Source: source}
		return nil
	})
	if err != nil {
		metrics.CreditConsumptions.WithLabelValues(consumeOutcome(err)).Inc()
		return ConsumeResult{}, err
	}

	if result.AlreadyConsumed {
		metrics.CreditConsumptions.WithLabelValues("duplicate").Inc()
		log.Debug().Str("account_id", accountID).Str("idempotency_key", idempotencyKey).Msg("credit already consumed")
		return result, nil
	}

	metrics.CreditConsumptions.WithLabelValues(string(result.Source)).Inc()
	s.afterCommit(ctx, accountID)
	return result, nil
}

// debit takes one credit from the monthly allowance, falling back to addon
// credits only when the allowance is exhausted.
func debit(p *models.BillingProfile) (models.LedgerSource, error) {
	switch {
	case p.MonthlyRemaining() > 0:
		p.MonthlyCreditsUsed++
		return models.SourceMonthly, nil
	case p.AddonCreditsBalance > 0:
		p.AddonCreditsBalance--
		return models.SourceAddon, nil
	default:
		return "", ErrNoCreditsRemaining
	}
}

func consumeOutcome(err error) string {
	if errors.Is(err, ErrNoCreditsRemaining) || errors.Is(err, ErrSubscriptionNotActive) {
		return "denied"
	}
	return "error"
}
