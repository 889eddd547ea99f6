package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// ErrNotConfigured is returned when no secret key was provided.
var ErrNotConfigured = errors.New("stripe: secret key not configured")

// Client creates Stripe customers, checkout sessions and portal sessions.
type Client struct {
	secretKey string

	createCustomer        func(params *stripelib.CustomerParams) (*stripelib.Customer, error)
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	createPortalSession   func(params *stripelib.BillingPortalSessionParams) (*stripelib.BillingPortalSession, error)
}

// NewClient creates a new Stripe API client
func NewClient(secretKey string) *Client {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey != "" {
		stripelib.Key = secretKey
	}
	return &Client{
		secretKey:             secretKey,
		createCustomer:        customer.New,
		createCheckoutSession: stripesession.New,
		createPortalSession:   portalsession.New,
	}
}

// CreateCustomer creates the Stripe customer of accountID. The request is
// idempotent per account so retries never create a second customer.
func (c *Client) CreateCustomer(ctx context.Context, accountID string) (string, error) {
	if c.secretKey == "" {
		return "", ErrNotConfigured
	}
	params := &stripelib.CustomerParams{
		Description: stripelib.String("account " + accountID),
	}
	params.Context = ctx
	params.AddMetadata("account_id", accountID)
	params.SetIdempotencyKey("customer-" + accountID)

	cust, err := c.createCustomer(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer: %w", err)
	}
	if cust == nil || cust.ID == "" {
		return "", fmt.Errorf("stripe: create customer: missing customer ID in response")
	}
	return cust.ID, nil
}

// CreateCheckoutSession creates a hosted checkout session for a single price.
func (c *Client) CreateCheckoutSession(ctx context.Context, req models.CheckoutRequest) (*models.CheckoutResponse, error) {
	if c.secretKey == "" {
		return nil, ErrNotConfigured
	}
	if req.PriceID == "" {
		return nil, fmt.Errorf("stripe: create checkout session: price is required")
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(req.Mode)),
		SuccessURL:        stripelib.String(req.SuccessURL),
		CancelURL:         stripelib.String(req.CancelURL),
		ClientReferenceID: stripelib.String(req.AccountID),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(req.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		Metadata: req.Metadata,
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripelib.String(req.CustomerID)
	}

	switch req.Mode {
	case models.CheckoutModeSubscription:
		// copied onto the subscription so its events carry the account
		params.SubscriptionData = &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: req.Metadata,
		}
		if req.CouponID != "" {
			params.Discounts = []*stripelib.CheckoutSessionDiscountParams{
				{Coupon: stripelib.String(req.CouponID)},
			}
		}
	case models.CheckoutModePayment:
		params.PaymentIntentData = &stripelib.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		}
	default:
		return nil, fmt.Errorf("stripe: create checkout session: unsupported mode %q", req.Mode)
	}

	session, err := c.createCheckoutSession(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	if session == nil || session.ID == "" || session.URL == "" {
		return nil, fmt.Errorf("stripe: create checkout session: missing session ID or URL in response")
	}
	return &models.CheckoutResponse{SessionID: session.ID, SessionURL: session.URL}, nil
}

// CreatePortalSession creates a billing portal session and returns its URL.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if c.secretKey == "" {
		return "", ErrNotConfigured
	}
	params := &stripelib.BillingPortalSessionParams{
		Customer: stripelib.String(customerID),
	}
	params.Context = ctx
	if returnURL != "" {
		params.ReturnURL = stripelib.String(returnURL)
	}

	session, err := c.createPortalSession(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create portal session: %w", err)
	}
	if session == nil || session.URL == "" {
		return "", fmt.Errorf("stripe: create portal session: missing URL in response")
	}
	return session.URL, nil
}

// WebhookVerifier checks Stripe-Signature headers against the endpoint secret.
type WebhookVerifier struct {
	secret string
}

// NewWebhookVerifier returns a verifier for the given signing secret.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: strings.TrimSpace(secret)}
}

// VerifyEvent authenticates payload and returns the decoded event envelope.
func (v *WebhookVerifier) VerifyEvent(payload []byte, signatureHeader string) (*models.WebhookEvent, error) {
	if v.secret == "" {
		return nil, errors.New("stripe: webhook secret not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: verify webhook: %w", err)
	}
	if event.ID == "" {
		return nil, errors.New("stripe: verify webhook: event has no id")
	}

	out := &models.WebhookEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		out.Object = event.Data.Raw
	}
	return out, nil
}
