package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/metrics"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// ErrInvalidSignature is returned when a webhook body fails verification.
var ErrInvalidSignature = errors.New("billing: invalid webhook signature")

// HandleProviderWebhook verifies and applies one provider event. It returns
// the HTTP status to answer with: 200 when the event was applied or was a
// duplicate, 400 when the signature is bad and 500 when processing failed and
// the provider should redeliver.
func (s *Service) HandleProviderWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (int, error) {
	start := time.Now()
	eventType := "unknown"
	result := "processed"
	defer func() {
		metrics.WebhookEvents.WithLabelValues(eventType, result).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if s.verifier == nil {
		result = "failed"
		return http.StatusInternalServerError, ErrProviderUnavailable
	}
	if strings.TrimSpace(signatureHeader) == "" {
		result = "rejected"
		return http.StatusBadRequest, ErrInvalidSignature
	}
	event, err := s.verifier.VerifyEvent(rawBody, signatureHeader)
	if err != nil {
		result = "rejected"
		log.Warn().Err(err).Msg("stripe webhook signature rejected")
		return http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	eventType = event.Type

	owned, err := s.BeginProcessing(ctx, event.ID, event.Type)
	if err != nil {
		result = "failed"
		return http.StatusInternalServerError, err
	}
	if !owned {
		result = "duplicate"
		log.Info().Str("event_id", event.ID).Str("type", event.Type).Msg("stripe webhook already handled")
		return http.StatusOK, nil
	}

	if err := s.dispatch(ctx, event); err != nil {
		result = "failed"
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", event.Type).
			Msg("stripe webhook processing failed")
		if ferr := s.Fail(ctx, event.ID, err); ferr != nil {
			log.Error().Err(ferr).Str("event_id", event.ID).Msg("failed to release webhook event")
		}
		return http.StatusInternalServerError, err
	}

	if err := s.Complete(ctx, event.ID); err != nil {
		result = "failed"
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}

func (s *Service) dispatch(ctx context.Context, event *models.WebhookEvent) error {
	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := json.Unmarshal(event.Object, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return s.handleCheckoutCompleted(ctx, event, session)

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub subscription
		if err := json.Unmarshal(event.Object, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscription(ctx, event, sub)

	case "invoice.paid":
		var inv invoice
		if err := json.Unmarshal(event.Object, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.handleInvoicePaid(ctx, event, inv)

	case "invoice.payment_failed":
		var inv invoice
		if err := json.Unmarshal(event.Object, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		found, err := s.MarkPastDueByCustomer(ctx, inv.Customer)
		if err != nil {
			return err
		}
		if !found {
			log.Info().Str("event_id", event.ID).Str("customer_id", inv.Customer).Msg("payment failure for unknown customer ignored")
		}
		return nil

	default:
		log.Info().Str("event_id", event.ID).Str("type", event.Type).Msg("stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event *models.WebhookEvent, session checkoutSession) error {
	accountHint := session.accountHint()

	switch models.CheckoutMode(session.Mode) {
	case models.CheckoutModePayment:
		if session.PaymentStatus == "unpaid" {
			log.Info().Str("event_id", event.ID).Str("session_id", session.ID).Msg("checkout completed without payment; no credits granted")
			return nil
		}
		addon, ok := s.catalog.AddonByKey(session.Metadata["addon_key"])
		if !ok {
			return fmt.Errorf("checkout %s: %w", session.ID, ErrUnknownAddon)
		}
		grant, err := s.AddAddonCredits(ctx, AddonGrant{
			ProviderCustomerID:        session.Customer,
			AccountHint:               accountHint,
			Credits:                   addon.Credits,
			ProviderEventID:           event.ID,
			ProviderCheckoutSessionID: session.ID,
		})
		if err != nil {
			return err
		}
		s.RecordRevenue(ctx, RevenueRecord{
			ProviderEventID:    event.ID,
			AccountID:          grant.Entry.AccountID,
			ProviderCustomerID: session.Customer,
			Kind:               RevenueAddonPurchase,
			GrossAmount:        session.AmountTotal,
			Currency:           session.Currency,
			OccurredAt:         event.Created,
		})
		return nil

	case models.CheckoutModeSubscription:
		return s.LinkSubscriptionCheckout(ctx, accountHint, session.Customer, session.Subscription)

	default:
		log.Info().Str("event_id", event.ID).Str("mode", session.Mode).Msg("checkout mode ignored")
		return nil
	}
}

func (s *Service) handleSubscription(ctx context.Context, event *models.WebhookEvent, sub subscription) error {
	status, err := subscriptionStatus(sub.Status)
	if err != nil {
		return err
	}
	if event.Type == "customer.subscription.deleted" {
		status = models.StatusCanceled
	}

	upd := SubscriptionUpdate{
		AccountHint:            sub.Metadata["account_id"],
		ProviderCustomerID:     sub.Customer,
		ProviderSubscriptionID: sub.ID,
		Status:                 status,
		PeriodStart:            unixTime(sub.CurrentPeriodStart),
		PeriodEnd:              unixTime(sub.CurrentPeriodEnd),
	}
	for _, item := range sub.Items.Data {
		if upd.PriceID == "" {
			upd.PriceID = item.Price.ID
		}
		if _, ok := s.catalog.PlanByPrice(item.Price.ID); ok {
			upd.PriceID = item.Price.ID
			if upd.PeriodStart == nil {
				upd.PeriodStart = unixTime(item.CurrentPeriodStart)
				upd.PeriodEnd = unixTime(item.CurrentPeriodEnd)
			}
			break
		}
	}

	_, err = s.UpsertFromSubscriptionEvent(ctx, upd)
	return err
}

func (s *Service) handleInvoicePaid(ctx context.Context, event *models.WebhookEvent, inv invoice) error {
	subscriptionID := inv.subscriptionID()
	accountHint := inv.Parent.SubscriptionDetails.Metadata["account_id"]

	var accountID string
	if subscriptionID != "" {
		line, ok := s.planLine(inv)
		if !ok {
			log.Warn().Str("event_id", event.ID).Str("invoice_id", inv.ID).Msg("paid invoice has no plan line; subscription not refreshed")
		} else {
			res, err := s.UpsertFromSubscriptionEvent(ctx, SubscriptionUpdate{
				AccountHint:            accountHint,
				ProviderCustomerID:     inv.Customer,
				ProviderSubscriptionID: subscriptionID,
				PriceID:                line.priceID(),
				Status:                 models.StatusActive,
				PeriodStart:            unixTime(line.Period.Start),
				PeriodEnd:              unixTime(line.Period.End),
			})
			if err != nil {
				return err
			}
			accountID = res.Profile.AccountID
		}
	}

	s.RecordRevenue(ctx, RevenueRecord{
		ProviderEventID:    event.ID,
		AccountID:          accountID,
		ProviderCustomerID: inv.Customer,
		Kind:               RevenueSubscription,
		GrossAmount:        inv.AmountPaid,
		Currency:           inv.Currency,
		OccurredAt:         event.Created,
	})
	return nil
}

// planLine picks the invoice line billing a catalog plan.
func (s *Service) planLine(inv invoice) (invoiceLine, bool) {
	for _, line := range inv.Lines.Data {
		if _, ok := s.catalog.PlanByPrice(line.priceID()); ok {
			return line, true
		}
	}
	return invoiceLine{}, false
}

// LinkSubscriptionCheckout stores the customer and subscription ids of a
// completed subscription checkout on the account's profile. Plan and status
// arrive with the subscription events.
func (s *Service) LinkSubscriptionCheckout(ctx context.Context, accountHint, customerID, subscriptionID string) error {
	accountHint = strings.TrimSpace(accountHint)
	customerID = strings.TrimSpace(customerID)
	subscriptionID = strings.TrimSpace(subscriptionID)

	var accountID string
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		var (
			profile *models.BillingProfile
			err     error
		)
		if subscriptionID != "" {
			if profile, err = tx.LockProfileBySubscription(ctx, subscriptionID); err != nil {
				return err
			}
		}
		if profile == nil && customerID != "" {
			if profile, err = tx.LockProfileByCustomer(ctx, customerID); err != nil {
				return err
			}
		}
		if profile == nil {
			if accountHint == "" {
				return ErrUnresolvableAccount
			}
			if profile, _, err = s.ensureProfile(ctx, tx, accountHint, 0); err != nil {
				return err
			}
		}

		changed := false
		if profile.ProviderCustomerID == nil && customerID != "" {
			profile.ProviderCustomerID = models.StringPtr(customerID)
			changed = true
		}
		if subscriptionID != "" && profile.SubscriptionID() != subscriptionID {
			profile.ProviderSubscriptionID = models.StringPtr(subscriptionID)
			changed = true
		}
		accountID = profile.AccountID
		if !changed {
			return nil
		}
		profile.UpdatedAt = s.timestamp()
		return tx.UpdateProfile(ctx, profile)
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("account_id", accountID).
		Str("customer_id", customerID).
		Str("subscription_id", subscriptionID).
		Msg("subscription checkout linked")
	s.afterCommit(ctx, accountID)
	return nil
}

func subscriptionStatus(raw string) (models.SubscriptionStatus, error) {
	status := models.SubscriptionStatus(strings.TrimSpace(raw))
	if status == "paused" {
		return models.StatusPastDue, nil
	}
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// checkoutSession is a minimal representation of a Stripe checkout.session.
type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

func (c checkoutSession) accountHint() string {
	if v := strings.TrimSpace(c.Metadata["account_id"]); v != "" {
		return v
	}
	return strings.TrimSpace(c.ClientReferenceID)
}

// subscription is a minimal representation of a Stripe subscription. Newer
// API versions carry the period on the items only.
type subscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// invoice is a minimal representation of a Stripe invoice.
type invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	Currency     string `json:"currency"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
}

func (i invoice) subscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	return i.Parent.SubscriptionDetails.Subscription
}

type invoiceLine struct {
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing struct {
		PriceDetails struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

func (l invoiceLine) priceID() string {
	if l.Price != nil && l.Price.ID != "" {
		return l.Price.ID
	}
	return l.Pricing.PriceDetails.Price
}
