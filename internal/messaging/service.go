// Package messaging defines the outbound message delivery abstraction used by
// the outbox sender.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/hanna-crm/flowengine/internal/store"
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex matches everything that is not a digit; used to
// canonicalize recipients down to digits only.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service is a pluggable message delivery backend.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each backend applies its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and releases resources.
	Stop() error
}

// canonicalizePhoneNumber strips non-digits and validates the result.
// Shared by the WhatsApp and Twilio services.
func canonicalizePhoneNumber(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// SendFunc bridges a Service to the outbox sender. A send failure surfaces as
// an error so the outbox retries; it never affects committed flow state.
func SendFunc(svc Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		to, err := svc.ValidateAndCanonicalizeRecipient(msg.Recipient)
		if err != nil {
			return fmt.Errorf("invalid outbox recipient: %w", err)
		}
		return svc.SendMessage(ctx, to, msg.Body)
	}
}
