package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

const ledgerColumns = `id, account_id, billing_profile_id, amount, reason, source, idempotency_key,
       provider_event_id, provider_checkout_session_id, note, monthly_credits_used_after,
       addon_credits_balance_after, created_at`

// ListLedger returns ledger entries of accountID, newest first. limit <= 0
// returns every entry.
func (s *Store) ListLedger(ctx context.Context, accountID string, limit int) ([]models.CreditLedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM credit_ledger_entries WHERE account_id = $1 ORDER BY id DESC`
	args := []interface{}{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.CreditLedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan ledger entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate ledger: %w", err)
	}
	return entries, nil
}

func scanLedgerEntry(row rowScanner) (*models.CreditLedgerEntry, error) {
	var (
		e               models.CreditLedgerEntry
		idempotencyKey  sql.NullString
		providerEventID sql.NullString
		sessionID       sql.NullString
		note            sql.NullString
	)
	if err := row.Scan(
		&e.ID,
		&e.AccountID,
		&e.BillingProfileID,
		&e.Amount,
		&e.Reason,
		&e.Source,
		&idempotencyKey,
		&providerEventID,
		&sessionID,
		&note,
		&e.MonthlyCreditsUsedAfter,
		&e.AddonCreditsBalanceAfter,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.IdempotencyKey = nullStringPtr(idempotencyKey)
	e.ProviderEventID = nullStringPtr(providerEventID)
	e.ProviderCheckoutSessionID = nullStringPtr(sessionID)
	e.Note = nullStringPtr(note)
	return &e, nil
}

func (t *pgTx) ledgerBy(ctx context.Context, column, value string) (*models.CreditLedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM credit_ledger_entries WHERE ` + column + ` = $1`
	e, err := scanLedgerEntry(t.tx.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: ledger by %s: %w", column, err)
	}
	return e, nil
}

func (t *pgTx) LedgerByIdempotencyKey(ctx context.Context, key string) (*models.CreditLedgerEntry, error) {
	return t.ledgerBy(ctx, "idempotency_key", key)
}

func (t *pgTx) LedgerByProviderEvent(ctx context.Context, eventID string) (*models.CreditLedgerEntry, error) {
	return t.ledgerBy(ctx, "provider_event_id", eventID)
}

func (t *pgTx) LedgerByCheckoutSession(ctx context.Context, sessionID string) (*models.CreditLedgerEntry, error) {
	return t.ledgerBy(ctx, "provider_checkout_session_id", sessionID)
}

func (t *pgTx) AppendLedger(ctx context.Context, e *models.CreditLedgerEntry) error {
	query := `
INSERT INTO credit_ledger_entries (
  account_id, billing_profile_id, amount, reason, source, idempotency_key,
  provider_event_id, provider_checkout_session_id, note, monthly_credits_used_after,
  addon_credits_balance_after, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id`

	if err := t.tx.QueryRowContext(ctx, query,
		e.AccountID,
		e.BillingProfileID,
		e.Amount,
		e.Reason,
		e.Source,
		e.IdempotencyKey,
		e.ProviderEventID,
		e.ProviderCheckoutSessionID,
		e.Note,
		e.MonthlyCreditsUsedAfter,
		e.AddonCreditsBalanceAfter,
		e.CreatedAt,
	).Scan(&e.ID); err != nil {
		return fmt.Errorf("store: append ledger entry: %w", err)
	}
	return nil
}
