package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

const profileColumns = `id, account_id, provider_customer_id, provider_subscription_id, plan_key, status,
       current_period_start, current_period_end, monthly_credit_limit, monthly_credits_used,
       addon_credits_balance, created_at, updated_at`

// Store provides database-backed accessors for billing data.
type Store struct {
	db *sql.DB
}

var _ billing.Store = (*Store)(nil)

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// WithinTx runs fn inside a database transaction. Profile rows locked through
// the Tx stay locked until the transaction ends.
func (s *Store) WithinTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// GetProfileByAccount returns the billing profile of accountID or nil.
func (s *Store) GetProfileByAccount(ctx context.Context, accountID string) (*models.BillingProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM billing_profiles WHERE account_id = $1`
	p, err := scanProfile(s.db.QueryRowContext(ctx, query, accountID))
	if err != nil {
		return nil, fmt.Errorf("store: get billing profile: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*models.BillingProfile, error) {
	var (
		p            models.BillingProfile
		customer     sql.NullString
		subscription sql.NullString
		periodStart  sql.NullTime
		periodEnd    sql.NullTime
	)
	err := row.Scan(
		&p.ID,
		&p.AccountID,
		&customer,
		&subscription,
		&p.PlanKey,
		&p.Status,
		&periodStart,
		&periodEnd,
		&p.MonthlyCreditLimit,
		&p.MonthlyCreditsUsed,
		&p.AddonCreditsBalance,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.ProviderCustomerID = nullStringPtr(customer)
	p.ProviderSubscriptionID = nullStringPtr(subscription)
	p.CurrentPeriodStart = nullTimePtr(periodStart)
	p.CurrentPeriodEnd = nullTimePtr(periodEnd)
	return &p, nil
}

// pgTx implements billing.Tx on a *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) lockProfile(ctx context.Context, column, value string) (*models.BillingProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM billing_profiles WHERE ` + column + ` = $1 FOR UPDATE`
	p, err := scanProfile(t.tx.QueryRowContext(ctx, query, value))
	if err != nil {
		return nil, fmt.Errorf("store: lock billing profile by %s: %w", column, err)
	}
	return p, nil
}

func (t *pgTx) LockProfileByAccount(ctx context.Context, accountID string) (*models.BillingProfile, error) {
	return t.lockProfile(ctx, "account_id", accountID)
}

func (t *pgTx) LockProfileByCustomer(ctx context.Context, customerID string) (*models.BillingProfile, error) {
	return t.lockProfile(ctx, "provider_customer_id", customerID)
}

func (t *pgTx) LockProfileBySubscription(ctx context.Context, subscriptionID string) (*models.BillingProfile, error) {
	return t.lockProfile(ctx, "provider_subscription_id", subscriptionID)
}

func (t *pgTx) InsertProfile(ctx context.Context, p *models.BillingProfile) (bool, error) {
	query := `
INSERT INTO billing_profiles (
  account_id, provider_customer_id, provider_subscription_id, plan_key, status,
  current_period_start, current_period_end, monthly_credit_limit, monthly_credits_used,
  addon_credits_balance, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (account_id) DO NOTHING
RETURNING id`

	err := t.tx.QueryRowContext(ctx, query,
		p.AccountID,
		p.ProviderCustomerID,
		p.ProviderSubscriptionID,
		p.PlanKey,
		p.Status,
		p.CurrentPeriodStart,
		p.CurrentPeriodEnd,
		p.MonthlyCreditLimit,
		p.MonthlyCreditsUsed,
		p.AddonCreditsBalance,
		p.CreatedAt,
		p.UpdatedAt,
	).Scan(&p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: insert billing profile: %w", err)
	}
	return true, nil
}

func (t *pgTx) UpdateProfile(ctx context.Context, p *models.BillingProfile) error {
	query := `
UPDATE billing_profiles
SET provider_customer_id = $2,
    provider_subscription_id = $3,
    plan_key = $4,
    status = $5,
    current_period_start = $6,
    current_period_end = $7,
    monthly_credit_limit = $8,
    monthly_credits_used = $9,
    addon_credits_balance = $10,
    updated_at = $11
WHERE id = $1`

	result, err := t.tx.ExecContext(ctx, query,
		p.ID,
		p.ProviderCustomerID,
		p.ProviderSubscriptionID,
		p.PlanKey,
		p.Status,
		p.CurrentPeriodStart,
		p.CurrentPeriodEnd,
		p.MonthlyCreditLimit,
		p.MonthlyCreditsUsed,
		p.AddonCreditsBalance,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: update billing profile: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update billing profile: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("store: update billing profile %d: %d rows affected", p.ID, affected)
	}
	return nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time.UTC()
	return &v
}
