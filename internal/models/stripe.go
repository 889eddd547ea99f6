package models

import (
	"encoding/json"
	"time"
)

// CheckoutMode selects between a recurring subscription and a one-off payment.
type CheckoutMode string

const (
	CheckoutModeSubscription CheckoutMode = "subscription"
	CheckoutModePayment      CheckoutMode = "payment"
)

// CheckoutRequest describes a provider-hosted checkout session to create.
type CheckoutRequest struct {
	Mode       CheckoutMode
	CustomerID string
	AccountID  string
	PriceID    string
	SuccessURL string
	CancelURL  string
	CouponID   string
	Metadata   map[string]string
}

// CheckoutResponse represents the response from creating a checkout session
type CheckoutResponse struct {
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
}

// WebhookEvent is a signature-verified provider event.
type WebhookEvent struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}
