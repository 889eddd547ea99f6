package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

func TestCreateSubscriptionCheckoutProvisionsCustomerOnce(t *testing.T) {
	h := newHarness(t, func(o *billing.Options) { o.FirstPeriodCouponID = "WELCOME" })
	ctx := context.Background()

	url, err := h.svc.CreateSubscriptionCheckout(ctx, "shopper", models.PlanTier2)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/cs_1", url)

	p := h.profile(t, "shopper")
	require.NotEmpty(t, p.CustomerID())
	assert.Equal(t, 3, p.AddonCreditsBalance)

	_, err = h.svc.CreateAddonCheckout(ctx, "shopper", "large")
	require.NoError(t, err)

	assert.Equal(t, []string{"shopper"}, h.provider.customers)
	require.Len(t, h.provider.sessions, 2)

	sub := h.provider.sessions[0]
	assert.Equal(t, models.CheckoutModeSubscription, sub.Mode)
	assert.Equal(t, "price_tier2", sub.PriceID)
	assert.Equal(t, p.CustomerID(), sub.CustomerID)
	assert.Equal(t, "WELCOME", sub.CouponID)
	assert.Equal(t, "shopper", sub.Metadata["account_id"])
	assert.Equal(t, "https://app.test/billing/success", sub.SuccessURL)

	addon := h.provider.sessions[1]
	assert.Equal(t, models.CheckoutModePayment, addon.Mode)
	assert.Equal(t, "price_large", addon.PriceID)
	assert.Equal(t, "large", addon.Metadata["addon_key"])
	assert.Empty(t, addon.CouponID)
}

func TestCreateSubscriptionCheckoutSkipsCouponForReturningSubscriber(t *testing.T) {
	h := newHarness(t, func(o *billing.Options) { o.FirstPeriodCouponID = "WELCOME" })
	cus, sub := "cus_old", "sub_old"
	h.seed(t, models.BillingProfile{AccountID: "returning", ProviderCustomerID: &cus, ProviderSubscriptionID: &sub})

	_, err := h.svc.CreateSubscriptionCheckout(context.Background(), "returning", models.PlanTier1)
	require.NoError(t, err)
	assert.Empty(t, h.provider.customers)
	require.Len(t, h.provider.sessions, 1)
	assert.Equal(t, "cus_old", h.provider.sessions[0].CustomerID)
	assert.Empty(t, h.provider.sessions[0].CouponID)
}

func TestCheckoutValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateSubscriptionCheckout(ctx, "acct", "platinum")
	assert.ErrorIs(t, err, billing.ErrUnknownPlan)
	_, err = h.svc.CreateSubscriptionCheckout(ctx, "acct", models.PlanNone)
	assert.ErrorIs(t, err, billing.ErrUnknownPlan)
	_, err = h.svc.CreateAddonCheckout(ctx, "acct", "huge")
	assert.ErrorIs(t, err, billing.ErrUnknownAddon)
	assert.Empty(t, h.provider.customers)

	h.provider.customerErr = errors.New("stripe down")
	_, err = h.svc.CreateAddonCheckout(ctx, "acct", "small")
	require.Error(t, err)
	assert.Equal(t, billing.KindTransient, billing.Kind(err))
	assert.Empty(t, h.profile(t, "acct").CustomerID())
}

func TestCreatePortalSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreatePortalSession(ctx, "nobody")
	assert.ErrorIs(t, err, billing.ErrNoProviderCustomer)

	h.seed(t, models.BillingProfile{AccountID: "no-customer"})
	_, err = h.svc.CreatePortalSession(ctx, "no-customer")
	assert.ErrorIs(t, err, billing.ErrNoProviderCustomer)

	cus := "cus_portal"
	h.seed(t, models.BillingProfile{AccountID: "customer", ProviderCustomerID: &cus})
	url, err := h.svc.CreatePortalSession(ctx, "customer")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.test/cus_portal", url)
}

func TestCheckoutWithoutProvider(t *testing.T) {
	svc, err := billing.New(newHarness(t).store, testCatalog(), billing.DefaultOptions())
	require.NoError(t, err)
	_, err = svc.CreateSubscriptionCheckout(context.Background(), "acct", models.PlanTier1)
	assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
}
