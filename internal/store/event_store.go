package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// BeginEvent claims eventID with a single upsert. A new, failed or stale
// processing record is (re)claimed; anything else returns false.
func (s *Store) BeginEvent(ctx context.Context, eventID, eventType string, staleAfter time.Duration) (bool, error) {
	query := `
INSERT INTO provider_events (event_id, type, status, attempts, created_at, updated_at)
VALUES ($1, $2, 'processing', 1, NOW(), NOW())
ON CONFLICT (event_id) DO UPDATE
SET status = 'processing',
    error = NULL,
    attempts = provider_events.attempts + 1,
    updated_at = NOW()
WHERE provider_events.status = 'failed'
   OR (provider_events.status = 'processing'
       AND provider_events.updated_at < NOW() - INTERVAL '1 second' * $3)
RETURNING event_id`

	var claimed string
	err := s.db.QueryRowContext(ctx, query, eventID, eventType, staleAfter.Seconds()).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: begin provider event: %w", err)
	}
	return true, nil
}

// CompleteEvent marks eventID processed.
func (s *Store) CompleteEvent(ctx context.Context, eventID string) error {
	query := `
UPDATE provider_events
SET status = 'processed',
    error = NULL,
    processed_at = NOW(),
    updated_at = NOW()
WHERE event_id = $1`

	if _, err := s.db.ExecContext(ctx, query, eventID); err != nil {
		return fmt.Errorf("store: complete provider event: %w", err)
	}
	return nil
}

// FailEvent records the failure of eventID so a redelivery may retry it.
func (s *Store) FailEvent(ctx context.Context, eventID, message string) error {
	query := `
UPDATE provider_events
SET status = 'failed',
    error = $2,
    updated_at = NOW()
WHERE event_id = $1`

	if _, err := s.db.ExecContext(ctx, query, eventID, message); err != nil {
		return fmt.Errorf("store: fail provider event: %w", err)
	}
	return nil
}

// GetEvent returns the dedupe record of eventID or nil.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.ProviderEventRecord, error) {
	query := `
SELECT event_id, type, status, error, attempts, processed_at, created_at, updated_at
FROM provider_events
WHERE event_id = $1`

	var (
		rec         models.ProviderEventRecord
		message     sql.NullString
		processedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, eventID).Scan(
		&rec.EventID,
		&rec.Type,
		&rec.Status,
		&message,
		&rec.Attempts,
		&processedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get provider event: %w", err)
	}
	rec.Error = nullStringPtr(message)
	rec.ProcessedAt = nullTimePtr(processedAt)
	return &rec, nil
}

// RecordRevenue inserts ev unless the provider event was already recorded.
func (s *Store) RecordRevenue(ctx context.Context, ev *models.RevenueEvent) (bool, error) {
	query := `
INSERT INTO revenue_events (
  provider_event_id, account_id, provider_customer_id, kind, gross_amount, currency,
  estimated_fee, net_amount, occurred_at, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (provider_event_id) DO NOTHING
RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		ev.ProviderEventID,
		ev.AccountID,
		ev.ProviderCustomerID,
		ev.Kind,
		ev.GrossAmount,
		ev.Currency,
		ev.EstimatedFee,
		ev.NetAmount,
		ev.OccurredAt,
		ev.CreatedAt,
	).Scan(&ev.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: record revenue: %w", err)
	}
	return true, nil
}
