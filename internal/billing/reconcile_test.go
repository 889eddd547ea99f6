package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

func TestUpsertFromSubscriptionEventResetsOnNewPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cus := "cus_1"
	sub := "sub_1"
	h.seed(t, models.BillingProfile{
		AccountID:              "acct",
		ProviderCustomerID:     &cus,
		ProviderSubscriptionID: &sub,
		PlanKey:                models.PlanTier1,
		CurrentPeriodStart:     ts(2026, 1, 1),
		CurrentPeriodEnd:       ts(2026, 2, 1),
		MonthlyCreditLimit:     50,
		MonthlyCreditsUsed:     42,
		AddonCreditsBalance:    9,
	})

	res, err := h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		ProviderCustomerID:     cus,
		ProviderSubscriptionID: sub,
		PriceID:                "price_tier2",
		Status:                 models.StatusActive,
		PeriodStart:            ts(2026, 2, 1),
		PeriodEnd:              ts(2026, 3, 1),
	})
	require.NoError(t, err)
	assert.True(t, res.Reset)

	p := h.profile(t, "acct")
	assert.Equal(t, 0, p.MonthlyCreditsUsed)
	assert.Equal(t, 9, p.AddonCreditsBalance)
	assert.Equal(t, models.PlanTier2, p.PlanKey)
	assert.Equal(t, 200, p.MonthlyCreditLimit)
	assert.True(t, p.CurrentPeriodStart.Equal(*ts(2026, 2, 1)))

	entries := h.ledger(t, "acct")
	require.Len(t, entries, 1)
	assert.Equal(t, models.ReasonMonthlyReset, entries[0].Reason)
	assert.Equal(t, 0, entries[0].Amount)
	assert.Equal(t, 9, entries[0].AddonCreditsBalanceAfter)

	// same period again: overwrite only, no second reset
	_, err = h.svc.ConsumeCredit(ctx, "acct", "after-reset")
	require.NoError(t, err)
	res, err = h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		ProviderSubscriptionID: sub,
		PriceID:                "price_tier2",
		Status:                 models.StatusActive,
		PeriodStart:            ts(2026, 2, 1),
		PeriodEnd:              ts(2026, 3, 1),
	})
	require.NoError(t, err)
	assert.False(t, res.Reset)
	assert.Equal(t, 1, h.profile(t, "acct").MonthlyCreditsUsed)
	assert.Equal(t, 1, countReason(h.ledger(t, "acct"), models.ReasonMonthlyReset))
}

func TestUpsertWithoutPeriodKeepsStoredWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := "sub_1"
	h.seed(t, models.BillingProfile{
		AccountID:              "acct",
		ProviderSubscriptionID: &sub,
		PlanKey:                models.PlanTier1,
		CurrentPeriodStart:     ts(2026, 2, 1),
		CurrentPeriodEnd:       ts(2026, 3, 1),
		MonthlyCreditLimit:     50,
		MonthlyCreditsUsed:     7,
	})

	res, err := h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		ProviderSubscriptionID: sub,
		PriceID:                "price_tier1",
		Status:                 models.StatusPastDue,
	})
	require.NoError(t, err)
	assert.False(t, res.Reset)

	p := h.profile(t, "acct")
	require.NotNil(t, p.CurrentPeriodStart)
	require.NotNil(t, p.CurrentPeriodEnd)
	assert.True(t, p.CurrentPeriodStart.Equal(*ts(2026, 2, 1)))
	assert.True(t, p.CurrentPeriodEnd.Equal(*ts(2026, 3, 1)))
	assert.Equal(t, models.StatusPastDue, p.Status)

	// the same period arriving later is not a new period
	res, err = h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		ProviderSubscriptionID: sub,
		PriceID:                "price_tier1",
		Status:                 models.StatusActive,
		PeriodStart:            ts(2026, 2, 1),
		PeriodEnd:              ts(2026, 3, 1),
	})
	require.NoError(t, err)
	assert.False(t, res.Reset)
	assert.Equal(t, 7, h.profile(t, "acct").MonthlyCreditsUsed)
	assert.Zero(t, countReason(h.ledger(t, "acct"), models.ReasonMonthlyReset))
}

func TestUpsertFromSubscriptionEventResolutionOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cusA, subA := "cus_a", "sub_a"
	cusB := "cus_b"
	h.seed(t, models.BillingProfile{AccountID: "by-sub", ProviderCustomerID: &cusA, ProviderSubscriptionID: &subA})
	h.seed(t, models.BillingProfile{AccountID: "by-customer", ProviderCustomerID: &cusB})
	h.seed(t, models.BillingProfile{AccountID: "by-hint"})

	// the subscription id wins over the other identifiers
	res, err := h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		AccountHint:            "by-hint",
		ProviderCustomerID:     cusA,
		ProviderSubscriptionID: subA,
		PlanKey:                models.PlanTier1,
		Status:                 models.StatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, "by-sub", res.Profile.AccountID)

	res, err = h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		AccountHint:            "by-hint",
		ProviderCustomerID:     cusB,
		ProviderSubscriptionID: "sub_new_b",
		PriceID:                "price_tier3",
		Status:                 models.StatusTrialing,
	})
	require.NoError(t, err)
	assert.Equal(t, "by-customer", res.Profile.AccountID)
	assert.Equal(t, "sub_new_b", h.profile(t, "by-customer").SubscriptionID())

	res, err = h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		AccountHint:            "by-hint",
		ProviderCustomerID:     "cus_hint",
		ProviderSubscriptionID: "sub_hint",
		PriceID:                "price_tier1",
		Status:                 models.StatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, "by-hint", res.Profile.AccountID)
	assert.Equal(t, "cus_hint", h.profile(t, "by-hint").CustomerID())

	res, err = h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		AccountHint:            "brand-new",
		ProviderSubscriptionID: "sub_fresh",
		PriceID:                "price_tier1",
		Status:                 models.StatusActive,
		PeriodStart:            ts(2026, 4, 1),
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Reset)
	fresh := h.profile(t, "brand-new")
	assert.Equal(t, 50, fresh.MonthlyCreditLimit)
	assert.Equal(t, 0, fresh.AddonCreditsBalance)
}

func TestUpsertFromSubscriptionEventFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		ProviderCustomerID:     "cus_unknown",
		ProviderSubscriptionID: "sub_unknown",
		PriceID:                "price_tier1",
		Status:                 models.StatusActive,
	})
	assert.ErrorIs(t, err, billing.ErrUnresolvableAccount)
	assert.Equal(t, billing.KindConflict, billing.Kind(err))

	_, err = h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		AccountHint: "acct",
		PriceID:     "price_mystery",
		Status:      models.StatusActive,
	})
	assert.ErrorIs(t, err, billing.ErrUnknownPlanPrice)

	_, err = h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		AccountHint: "acct",
		PriceID:     "price_tier1",
		Status:      "bogus",
	})
	assert.ErrorIs(t, err, billing.ErrInvalidStatus)

	p, err := h.store.GetProfileByAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDowngradeSelfCorrectsAtNextPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := "sub_d"
	h.seed(t, models.BillingProfile{
		AccountID:              "down",
		ProviderSubscriptionID: &sub,
		PlanKey:                models.PlanTier2,
		CurrentPeriodStart:     ts(2026, 1, 1),
		MonthlyCreditLimit:     200,
		MonthlyCreditsUsed:     120,
	})

	_, err := h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		ProviderSubscriptionID: sub,
		PriceID:                "price_tier1",
		Status:                 models.StatusActive,
		PeriodStart:            ts(2026, 1, 1),
	})
	require.NoError(t, err)
	p := h.profile(t, "down")
	assert.Equal(t, 120, p.MonthlyCreditsUsed)
	assert.Equal(t, 0, p.MonthlyRemaining())

	_, err = h.svc.ConsumeCredit(ctx, "down", "over")
	assert.ErrorIs(t, err, billing.ErrNoCreditsRemaining)

	_, err = h.svc.UpsertFromSubscriptionEvent(ctx, billing.SubscriptionUpdate{
		ProviderSubscriptionID: sub,
		PriceID:                "price_tier1",
		Status:                 models.StatusActive,
		PeriodStart:            ts(2026, 2, 1),
	})
	require.NoError(t, err)
	p = h.profile(t, "down")
	assert.Equal(t, 0, p.MonthlyCreditsUsed)
	assert.Equal(t, 50, p.MonthlyRemaining())
}

func TestMarkPastDueByCustomer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cus := "cus_late"
	h.seed(t, models.BillingProfile{AccountID: "late", ProviderCustomerID: &cus, MonthlyCreditLimit: 5})

	found, err := h.svc.MarkPastDueByCustomer(ctx, cus)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.StatusPastDue, h.profile(t, "late").Status)
	assert.Contains(t, h.notifier.kinds(), models.NotifyPaymentFailed)

	_, err = h.svc.ConsumeCredit(ctx, "late", "k")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotActive)

	found, err = h.svc.MarkPastDueByCustomer(ctx, "cus_nobody")
	require.NoError(t, err)
	assert.False(t, found)
}
