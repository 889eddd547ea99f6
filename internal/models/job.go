package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of an outbox job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobTypeNotification is the outbox job that delivers a billing notification.
const JobTypeNotification = "billing_notification"

// Job is a queued side effect. Billing mutations never wait on it.
type Job struct {
	ID          int64      `json:"id"`
	JobType     string     `json:"job_type"`
	Payload     JSONB      `json:"payload"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastError   *string    `json:"last_error,omitempty"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	WorkerID    *string    `json:"worker_id,omitempty"`
}

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// JobStats holds counts of outbox jobs by status
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// IsValid checks if the job can be enqueued
func (j *Job) IsValid() error {
	if j.JobType == "" {
		return fmt.Errorf("job type is required")
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	return nil
}

// CanRetry checks if the job has attempts left
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// Notification is a fire-and-forget message emitted after a billing mutation.
type Notification struct {
	Kind      string         `json:"kind"`
	AccountID string         `json:"account_id"`
	Data      map[string]any `json:"data,omitempty"`
}

const (
	NotifyAddonGranted    = "addon_granted"
	NotifyStatusChanged   = "subscription_status_changed"
	NotifyPaymentFailed   = "payment_failed"
	NotifyCreditsAdjusted = "credits_adjusted"
)

// NotificationJob wraps a notification into an outbox job.
func NotificationJob(n Notification) *Job {
	payload := JSONB{
		"kind":       n.Kind,
		"account_id": n.AccountID,
	}
	if len(n.Data) > 0 {
		payload["data"] = n.Data
	}
	return &Job{
		JobType:     JobTypeNotification,
		Payload:     payload,
		MaxAttempts: 5,
	}
}

// NotificationFromJob extracts the notification carried by an outbox job.
func NotificationFromJob(job *Job) (Notification, error) {
	kind, _ := job.Payload["kind"].(string)
	accountID, _ := job.Payload["account_id"].(string)
	if kind == "" || accountID == "" {
		return Notification{}, fmt.Errorf("job %d: missing notification kind or account_id", job.ID)
	}
	data, _ := job.Payload["data"].(map[string]interface{})
	return Notification{Kind: kind, AccountID: accountID, Data: data}, nil
}
