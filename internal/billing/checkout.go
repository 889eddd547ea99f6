package billing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// CreateSubscriptionCheckout starts a hosted checkout for planKey and returns
// its URL.
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, accountID string, planKey models.PlanKey) (string, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return "", err
	}
	plan, ok := s.catalog.PlanByKey(planKey)
	if !ok {
		return "", ErrUnknownPlan
	}
	if s.provider == nil {
		return "", ErrProviderUnavailable
	}

	profile, err := s.ensureCustomer(ctx, accountID)
	if err != nil {
		return "", err
	}

	req := models.CheckoutRequest{
		Mode:       models.CheckoutModeSubscription,
		CustomerID: profile.CustomerID(),
		AccountID:  accountID,
		PriceID:    plan.PriceID,
		SuccessURL: s.opts.SuccessURL,
		CancelURL:  s.opts.CancelURL,
		Metadata: map[string]string{
			"account_id": accountID,
			"plan_key":   string(plan.Key),
		},
	}
	if s.opts.FirstPeriodCouponID != "" && profile.ProviderSubscriptionID == nil {
		req.CouponID = s.opts.FirstPeriodCouponID
	}

	resp, err := s.provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		return "", fmt.Errorf("billing: create subscription checkout: %w", err)
	}
	log.Info().
		Str("account_id", accountID).
		Str("plan", string(plan.Key)).
		Str("session_id", resp.SessionID).
		Bool("coupon", req.CouponID != "").
		Msg("subscription checkout created")
	return resp.SessionURL, nil
}

// CreateAddonCheckout starts a hosted one-off payment for addonKey and
// returns its URL. Credits are granted when the provider confirms payment.
func (s *Service) CreateAddonCheckout(ctx context.Context, accountID, addonKey string) (string, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return "", err
	}
	addon, ok := s.catalog.AddonByKey(addonKey)
	if !ok {
		return "", ErrUnknownAddon
	}
	if s.provider == nil {
		return "", ErrProviderUnavailable
	}

	profile, err := s.ensureCustomer(ctx, accountID)
	if err != nil {
		return "", err
	}

	resp, err := s.provider.CreateCheckoutSession(ctx, models.CheckoutRequest{
		Mode:       models.CheckoutModePayment,
		CustomerID: profile.CustomerID(),
		AccountID:  accountID,
		PriceID:    addon.PriceID,
		SuccessURL: s.opts.SuccessURL,
		CancelURL:  s.opts.CancelURL,
		Metadata: map[string]string{
			"account_id": accountID,
			"addon_key":  addon.Key,
		},
	})
	if err != nil {
		return "", fmt.Errorf("billing: create addon checkout: %w", err)
	}
	log.Info().
		Str("account_id", accountID).
		Str("addon", addon.Key).
		Str("session_id", resp.SessionID).
		Msg("addon checkout created")
	return resp.SessionURL, nil
}

// CreatePortalSession returns a self-service billing portal URL for an
// account that already has a provider customer.
func (s *Service) CreatePortalSession(ctx context.Context, accountID string) (string, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return "", err
	}
	if s.provider == nil {
		return "", ErrProviderUnavailable
	}

	profile, err := s.store.GetProfileByAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if profile == nil || profile.CustomerID() == "" {
		return "", ErrNoProviderCustomer
	}

	url, err := s.provider.CreatePortalSession(ctx, profile.CustomerID(), s.opts.PortalReturnURL)
	if err != nil {
		return "", fmt.Errorf("billing: create portal session: %w", err)
	}
	return url, nil
}

// ensureCustomer returns the account's profile with a provider customer
// mapped. The provider call happens outside any profile lock; when two
// requests race, the first stored id wins and the other is discarded.
func (s *Service) ensureCustomer(ctx context.Context, accountID string) (*models.BillingProfile, error) {
	profile, _, err := s.InitializeBillingProfile(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if profile.CustomerID() != "" {
		return profile, nil
	}

	customerID, err := s.provider.CreateCustomer(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("billing: create provider customer: %w", err)
	}

	var stored *models.BillingProfile
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		current, err := tx.LockProfileByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNoBillingProfile
		}
		if current.ProviderCustomerID == nil {
			current.ProviderCustomerID = models.StringPtr(customerID)
			current.UpdatedAt = s.timestamp()
			if err := tx.UpdateProfile(ctx, current); err != nil {
				return err
			}
		}
		stored = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	if stored.CustomerID() != customerID {
		log.Warn().
			Str("account_id", accountID).
			Str("kept", stored.CustomerID()).
			Str("discarded", customerID).
			Msg("concurrent customer provisioning; keeping first mapping")
	} else {
		log.Info().Str("account_id", accountID).Str("customer_id", customerID).Msg("provider customer linked")
	}
	s.afterCommit(ctx, accountID)
	return stored, nil
}
