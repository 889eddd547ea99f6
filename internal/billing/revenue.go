package billing

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// Revenue kinds.
const (
	RevenueAddonPurchase = "addon_purchase"
	RevenueSubscription  = "subscription_invoice"
)

// EstimateFee approximates the card processing fee in minor units. It is a
// reporting aid only and never feeds entitlement decisions.
func EstimateFee(gross int64) int64 {
	if gross <= 0 {
		return 0
	}
	return int64(math.Round(float64(gross)*0.029)) + 30
}

// RevenueRecord is a payment observed in a provider event.
type RevenueRecord struct {
	ProviderEventID    string
	AccountID          string
	ProviderCustomerID string
	Kind               string
	GrossAmount        int64
	Currency           string
	OccurredAt         time.Time
}

// RecordRevenue stores a revenue event once per provider event id. Failures
// are logged and swallowed.
func (s *Service) RecordRevenue(ctx context.Context, rec RevenueRecord) {
	if rec.ProviderEventID == "" || rec.GrossAmount <= 0 {
		return
	}
	fee := EstimateFee(rec.GrossAmount)
	occurred := rec.OccurredAt
	if occurred.IsZero() {
		occurred = s.timestamp()
	}
	ev := &models.RevenueEvent{
		ProviderEventID:    rec.ProviderEventID,
		AccountID:          models.StringPtr(rec.AccountID),
		ProviderCustomerID: models.StringPtr(rec.ProviderCustomerID),
		Kind:               rec.Kind,
		GrossAmount:        rec.GrossAmount,
		Currency:           strings.ToLower(rec.Currency),
		EstimatedFee:       fee,
		NetAmount:          rec.GrossAmount - fee,
		OccurredAt:         occurred.UTC(),
		CreatedAt:          s.timestamp(),
	}
	inserted, err := s.store.RecordRevenue(ctx, ev)
	if err != nil {
		log.Warn().Err(err).Str("event_id", rec.ProviderEventID).Msg("revenue event not recorded")
		return
	}
	if inserted {
		log.Debug().
			Str("event_id", rec.ProviderEventID).
			Str("kind", rec.Kind).
			Int64("gross", rec.GrossAmount).
			Msg("revenue recorded")
	}
}
