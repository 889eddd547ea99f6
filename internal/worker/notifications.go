package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// DeliveryIDHeader carries the stable id of a notification across retries.
const DeliveryIDHeader = "X-Notification-ID"

// Outbox is the billing.Notifier that turns notifications into outbox jobs.
type Outbox struct {
	worker *Worker
}

var _ billing.Notifier = (*Outbox)(nil)

// NewOutbox returns a notifier enqueueing through w.
func NewOutbox(w *Worker) *Outbox {
	return &Outbox{worker: w}
}

// Notify enqueues n as a billing_notification job.
func (o *Outbox) Notify(ctx context.Context, n models.Notification) error {
	job := models.NotificationJob(n)
	job.Payload["delivery_id"] = uuid.NewString()
	if err := o.worker.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue notification %s: %w", n.Kind, err)
	}
	return nil
}

// Deliverer sends notifications to an HTTP endpoint. With no URL it only logs.
type Deliverer struct {
	URL    string
	Client *http.Client
}

// NewDeliverer returns a Deliverer posting to url.
func NewDeliverer(url string) *Deliverer {
	return &Deliverer{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type deliveryBody struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	AccountID string         `json:"account_id"`
	Data      map[string]any `json:"data,omitempty"`
	Attempt   int            `json:"attempt"`
}

// Handle is the Handler for billing_notification jobs.
func (d *Deliverer) Handle(ctx context.Context, job *models.Job) error {
	n, err := models.NotificationFromJob(job)
	if err != nil {
		return err
	}
	deliveryID, _ := job.Payload["delivery_id"].(string)
	if deliveryID == "" {
		deliveryID = fmt.Sprintf("job-%d", job.ID)
	}

	if d.URL == "" {
		log.Info().
			Str("component", "notifications").
			Str("account_id", n.AccountID).
			Str("kind", n.Kind).
			Str("delivery_id", deliveryID).
			Msg("notification")
		return nil
	}

	body, err := json.Marshal(deliveryBody{
		ID:        deliveryID,
		Kind:      n.Kind,
		AccountID: n.AccountID,
		Data:      n.Data,
		Attempt:   job.Attempts,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryIDHeader, deliveryID)

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver notification: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// RegisterNotificationJobs binds the notification delivery handler to w.
func RegisterNotificationJobs(w *Worker, d *Deliverer) {
	w.RegisterHandler(models.JobTypeNotification, d.Handle)
	log.Debug().Str("component", "worker").Str("type", models.JobTypeNotification).Msg("registered job handler")
}
