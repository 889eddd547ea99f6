package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

func insert(t *testing.T, s *Store, p *models.BillingProfile) {
	t.Helper()
	require.NoError(t, s.WithinTx(context.Background(), func(tx billing.Tx) error {
		_, err := tx.InsertProfile(context.Background(), p)
		return err
	}))
}

func TestWithinTxDiscardsWritesOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	insert(t, s, &models.BillingProfile{AccountID: "a", AddonCreditsBalance: 5})

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx billing.Tx) error {
		p, err := tx.LockProfileByAccount(ctx, "a")
		require.NoError(t, err)
		p.AddonCreditsBalance = 0
		require.NoError(t, tx.UpdateProfile(ctx, p))
		require.NoError(t, tx.AppendLedger(ctx, &models.CreditLedgerEntry{AccountID: "a", Amount: -5}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := s.GetProfileByAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5, p.AddonCreditsBalance)
	entries, err := s.ListLedger(ctx, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAccountLockIsExclusive(t *testing.T) {
	s := New()
	ctx := context.Background()
	insert(t, s, &models.BillingProfile{AccountID: "a"})
	insert(t, s, &models.BillingProfile{AccountID: "b"})

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(tx billing.Tx) error {
			if _, err := tx.LockProfileByAccount(ctx, "a"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	// another account is not blocked
	require.NoError(t, s.WithinTx(ctx, func(tx billing.Tx) error {
		_, err := tx.LockProfileByAccount(ctx, "b")
		return err
	}))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.WithinTx(short, func(tx billing.Tx) error {
		_, err := tx.LockProfileByAccount(short, "a")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}

func TestSecondaryLookups(t *testing.T) {
	s := New()
	ctx := context.Background()
	cus, sub := "cus_1", "sub_1"
	insert(t, s, &models.BillingProfile{AccountID: "a", ProviderCustomerID: &cus, ProviderSubscriptionID: &sub})

	require.NoError(t, s.WithinTx(ctx, func(tx billing.Tx) error {
		p, err := tx.LockProfileByCustomer(ctx, "cus_1")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "a", p.AccountID)

		p, err = tx.LockProfileBySubscription(ctx, "sub_1")
		require.NoError(t, err)
		require.NotNil(t, p)

		p, err = tx.LockProfileByCustomer(ctx, "cus_other")
		require.NoError(t, err)
		assert.Nil(t, p)
		return nil
	}))
}

func TestLockByMovedCustomerReleasesAccount(t *testing.T) {
	s := New()
	ctx := context.Background()
	cus := "cus_1"
	insert(t, s, &models.BillingProfile{AccountID: "a", ProviderCustomerID: &cus})

	// a moves to cus_2 while another transaction waits on cus_1
	moving := make(chan struct{})
	commitMove := make(chan struct{})
	moveDone := make(chan error, 1)
	go func() {
		moveDone <- s.WithinTx(ctx, func(tx billing.Tx) error {
			p, err := tx.LockProfileByAccount(ctx, "a")
			if err != nil {
				return err
			}
			moved := "cus_2"
			p.ProviderCustomerID = &moved
			if err := tx.UpdateProfile(ctx, p); err != nil {
				return err
			}
			close(moving)
			<-commitMove
			return nil
		})
	}()
	<-moving

	looked := make(chan *models.BillingProfile, 1)
	finish := make(chan struct{})
	lookupDone := make(chan error, 1)
	go func() {
		lookupDone <- s.WithinTx(ctx, func(tx billing.Tx) error {
			p, err := tx.LockProfileByCustomer(ctx, "cus_1")
			if err != nil {
				return err
			}
			looked <- p
			<-finish
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(commitMove)
	require.NoError(t, <-moveDone)
	assert.Nil(t, <-looked)

	// the lookup transaction is still open but must not hold a
	short, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.WithinTx(short, func(tx billing.Tx) error {
		_, err := tx.LockProfileByAccount(short, "a")
		return err
	}))

	close(finish)
	require.NoError(t, <-lookupDone)
}

func TestCommitEnforcesUniqueCustomer(t *testing.T) {
	s := New()
	ctx := context.Background()
	cus := "cus_1"
	insert(t, s, &models.BillingProfile{AccountID: "a", ProviderCustomerID: &cus})
	insert(t, s, &models.BillingProfile{AccountID: "b"})

	err := s.WithinTx(ctx, func(tx billing.Tx) error {
		p, err := tx.LockProfileByAccount(ctx, "b")
		if err != nil {
			return err
		}
		p.ProviderCustomerID = &cus
		return tx.UpdateProfile(ctx, p)
	})
	assert.ErrorIs(t, err, ErrUniqueViolation)
}

func TestBeginEventLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	ok, err := s.BeginEvent(ctx, "evt", "t", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.BeginEvent(ctx, "evt", "t", time.Minute)
	assert.False(t, ok)

	require.NoError(t, s.FailEvent(ctx, "evt", "broken"))
	ok, _ = s.BeginEvent(ctx, "evt", "t", time.Minute)
	assert.True(t, ok)

	require.NoError(t, s.CompleteEvent(ctx, "evt"))
	now = now.Add(24 * time.Hour)
	ok, _ = s.BeginEvent(ctx, "evt", "t", time.Minute)
	assert.False(t, ok)

	rec, found := s.Event("evt")
	require.True(t, found)
	assert.Equal(t, models.EventProcessed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Nil(t, rec.Error)
}

func TestRecordRevenueOncePerEvent(t *testing.T) {
	s := New()
	ctx := context.Background()
	ok, err := s.RecordRevenue(ctx, &models.RevenueEvent{ProviderEventID: "evt", GrossAmount: 100})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RecordRevenue(ctx, &models.RevenueEvent{ProviderEventID: "evt", GrossAmount: 100})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, s.Revenue(), 1)
}
