package billing

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

const maxEventErrorBytes = 1000

var errEmptyEventID = errors.New("billing: provider event id is required")

// BeginProcessing claims a provider event. It returns true when the caller
// owns the event and must finish with Complete or Fail, and false when the
// event was already processed or is being processed elsewhere.
func (s *Service) BeginProcessing(ctx context.Context, eventID, eventType string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, errEmptyEventID
	}
	return s.store.BeginEvent(ctx, eventID, eventType, s.opts.WebhookStaleAfter)
}

// Complete marks a claimed event as processed. Later deliveries are no-ops.
func (s *Service) Complete(ctx context.Context, eventID string) error {
	return s.store.CompleteEvent(ctx, eventID)
}

// Fail releases a claimed event so the provider's redelivery can retry it.
func (s *Service) Fail(ctx context.Context, eventID string, cause error) error {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	return s.store.FailEvent(ctx, eventID, truncateUTF8(message, maxEventErrorBytes))
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
