package billing

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/metrics"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

const cacheFillTimeout = 5 * time.Second

// CreditState is the read-only view of an account's entitlement.
type CreditState struct {
	MonthlyRemaining int                       `json:"monthly_remaining"`
	AddonRemaining   int                       `json:"addon_remaining"`
	TotalRemaining   int                       `json:"total_remaining"`
	CanGenerate      bool                      `json:"can_generate"`
	PlanKey          models.PlanKey            `json:"plan_key"`
	Status           models.SubscriptionStatus `json:"status"`
	PeriodEnd        *time.Time                `json:"current_period_end,omitempty"`
}

// StateOf derives the credit state of a profile.
func StateOf(p *models.BillingProfile) CreditState {
	monthly := p.MonthlyRemaining()
	addon := p.AddonCreditsBalance
	if addon < 0 {
		addon = 0
	}
	total := monthly + addon
	return CreditState{
		MonthlyRemaining: monthly,
		AddonRemaining:   addon,
		TotalRemaining:   total,
		CanGenerate:      total > 0 && p.Status.AllowsConsumption(),
		PlanKey:          p.PlanKey,
		Status:           p.Status,
		PeriodEnd:        p.CurrentPeriodEnd,
	}
}

// GetCreditState returns the entitlement of accountID. The answer may be
// served from the cache and is advisory; ConsumeCredit is authoritative.
func (s *Service) GetCreditState(ctx context.Context, accountID string) (CreditState, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return CreditState{}, err
	}
	if s.cache == nil {
		return s.loadState(ctx, accountID)
	}

	cached, err := s.cache.Get(ctx, accountID)
	if err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("credit state cache read failed")
	} else if cached != nil {
		return *cached, nil
	}

	gen, err := s.cache.Generation(ctx, accountID)
	if err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("credit state cache generation read failed")
		return s.loadState(ctx, accountID)
	}

	// Callers share a fill only within one generation, so a read that starts
	// after a commit never joins a fill that started before it.
	flight := accountID + "@" + strconv.FormatInt(gen, 10)
	ch := s.fills.DoChan(flight, func() (interface{}, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheFillTimeout)
		defer cancel()
		return s.fillState(fillCtx, accountID, gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return CreditState{}, res.Err
		}
		return res.Val.(CreditState), nil
	case <-ctx.Done():
		return CreditState{}, ctx.Err()
	}
}

func (s *Service) loadState(ctx context.Context, accountID string) (CreditState, error) {
	profile, err := s.store.GetProfileByAccount(ctx, accountID)
	if err != nil {
		return CreditState{}, err
	}
	if profile == nil {
		return CreditState{}, ErrNoBillingProfile
	}
	return StateOf(profile), nil
}

// fillState loads the state and caches it unless the account was
// invalidated since gen was read.
func (s *Service) fillState(ctx context.Context, accountID string, gen int64) (CreditState, error) {
	state, err := s.loadState(ctx, accountID)
	if err != nil {
		return CreditState{}, err
	}
	stored, err := s.cache.SetIfGeneration(ctx, accountID, gen, state)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("account_id", accountID).Msg("credit state cache write failed")
	case !stored:
		log.Debug().Str("account_id", accountID).Msg("credit state changed during fill, not cached")
	}
	return state, nil
}

// InitializeBillingProfile creates the zero-state profile of accountID with
// the configured free grant. Calling it again returns the existing profile.
func (s *Service) InitializeBillingProfile(ctx context.Context, accountID string) (*models.BillingProfile, bool, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return nil, false, err
	}

	var (
		profile *models.BillingProfile
		created bool
	)
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		profile, created, err = s.ensureProfile(ctx, tx, accountID, s.opts.FreeGrantCredits)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		log.Info().Str("account_id", accountID).Int("free_credits", s.opts.FreeGrantCredits).Msg("billing profile initialized")
		if s.opts.FreeGrantCredits > 0 {
			metrics.CreditsGranted.WithLabelValues("free_grant").Add(float64(s.opts.FreeGrantCredits))
		}
		s.afterCommit(ctx, accountID)
	}
	return profile, created, nil
}

// ensureProfile returns the locked profile of accountID, creating a
// zero-state one holding grant addon credits when none exists.
func (s *Service) ensureProfile(ctx context.Context, tx Tx, accountID string, grant int) (*models.BillingProfile, bool, error) {
	now := s.timestamp()
	profile := &models.BillingProfile{
		AccountID:           accountID,
		PlanKey:             models.PlanNone,
		Status:              models.StatusActive,
		AddonCreditsBalance: grant,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	created, err := tx.InsertProfile(ctx, profile)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := tx.LockProfileByAccount(ctx, accountID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, ErrNoBillingProfile
		}
		return existing, false, nil
	}

	if grant > 0 {
		note := "free grant"
		if err := tx.AppendLedger(ctx, &models.CreditLedgerEntry{
			AccountID:                accountID,
			BillingProfileID:         profile.ID,
			Amount:                   grant,
			Reason:                   models.ReasonManualAdjustment,
			Source:                   models.SourceSystem,
			Note:                     &note,
			MonthlyCreditsUsedAfter:  profile.MonthlyCreditsUsed,
			AddonCreditsBalanceAfter: profile.AddonCreditsBalance,
			CreatedAt:                now,
		}); err != nil {
			return nil, false, err
		}
	}
	return profile, true, nil
}
