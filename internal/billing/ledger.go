package billing

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/metrics"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

const maxLedgerPage = 500

// ListLedger returns up to limit ledger entries of accountID, newest first.
func (s *Service) ListLedger(ctx context.Context, accountID string, limit int) ([]models.CreditLedgerEntry, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxLedgerPage {
		limit = maxLedgerPage
	}
	return s.store.ListLedger(ctx, accountID, limit)
}

// AdjustCredits applies an operator correction of delta credits to the addon
// bucket. The balance never goes below zero.
func (s *Service) AdjustCredits(ctx context.Context, accountID string, delta int, note string) (*models.CreditLedgerEntry, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return nil, err
	}
	if delta == 0 {
		return nil, ErrInvalidCreditAmount
	}
	note = strings.TrimSpace(note)
	if note == "" {
		note = "manual adjustment"
	}

	var entry *models.CreditLedgerEntry
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		profile, err := tx.LockProfileByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if profile == nil {
			return ErrNoBillingProfile
		}
		if profile.AddonCreditsBalance+delta < 0 {
			return ErrInsufficientCredits
		}
		profile.AddonCreditsBalance += delta
		profile.UpdatedAt = s.timestamp()
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}
		entry = &models.CreditLedgerEntry{
			AccountID:                accountID,
			BillingProfileID:         profile.ID,
			Amount:                   delta,
			Reason:                   models.ReasonManualAdjustment,
			Source:                   models.SourceSystem,
			Note:                     &note,
			MonthlyCreditsUsedAfter:  profile.MonthlyCreditsUsed,
			AddonCreditsBalanceAfter: profile.AddonCreditsBalance,
			CreatedAt:                profile.UpdatedAt,
		}
		return tx.AppendLedger(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	if delta > 0 {
		metrics.CreditsGranted.WithLabelValues(string(models.ReasonManualAdjustment)).Add(float64(delta))
	}
	log.Info().
		Str("account_id", accountID).
		Int("delta", delta).
		Int("addon_balance", entry.AddonCreditsBalanceAfter).
		Str("note", note).
		Msg("credits adjusted")
	s.afterCommit(ctx, accountID, models.Notification{
		Kind:      models.NotifyCreditsAdjusted,
		AccountID: accountID,
		Data: map[string]any{
			"delta":         delta,
			"addon_balance": entry.AddonCreditsBalanceAfter,
		},
	})
	return entry, nil
}

// AuditReport compares a profile's counters with what its ledger implies.
type AuditReport struct {
	AccountID          string `json:"account_id"`
	Entries            int    `json:"entries"`
	AddonBalance       int    `json:"addon_balance"`
	LedgerAddonBalance int    `json:"ledger_addon_balance"`
	MonthlyUsed        int    `json:"monthly_used"`
	LedgerMonthlyUsed  int    `json:"ledger_monthly_used"`
	Consistent         bool   `json:"consistent"`
}

// AuditAccount replays the ledger of accountID. Addon and system entries make
// up the addon balance; monthly entries since the latest period reset make up
// the monthly usage.
func (s *Service) AuditAccount(ctx context.Context, accountID string) (AuditReport, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return AuditReport{}, err
	}
	profile, err := s.store.GetProfileByAccount(ctx, accountID)
	if err != nil {
		return AuditReport{}, err
	}
	if profile == nil {
		return AuditReport{}, ErrNoBillingProfile
	}
	entries, err := s.store.ListLedger(ctx, accountID, 0)
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{
		AccountID:    accountID,
		Entries:      len(entries),
		AddonBalance: profile.AddonCreditsBalance,
		MonthlyUsed:  profile.MonthlyCreditsUsed,
	}
	periodClosed := false
	// entries are newest first
	for _, e := range entries {
		switch e.Source {
		case models.SourceAddon, models.SourceSystem:
			report.LedgerAddonBalance += e.Amount
		case models.SourceMonthly:
			if !periodClosed {
				report.LedgerMonthlyUsed -= e.Amount
			}
		}
		if e.Reason == models.ReasonMonthlyReset {
			periodClosed = true
		}
	}
	report.Consistent = report.AddonBalance == report.LedgerAddonBalance &&
		report.MonthlyUsed == report.LedgerMonthlyUsed
	if !report.Consistent {
		log.Warn().
			Str("account_id", accountID).
			Int("addon_balance", report.AddonBalance).
			Int("ledger_addon_balance", report.LedgerAddonBalance).
			Int("monthly_used", report.MonthlyUsed).
			Int("ledger_monthly_used", report.LedgerMonthlyUsed).
			Msg("ledger drift detected")
	}
	return report, nil
}
