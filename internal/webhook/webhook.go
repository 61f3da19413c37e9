// Package webhook validates inbound payment-provider webhook deliveries:
// HMAC-SHA256 signature verification, payload size bounds, and parsing
// into the typed event the governance ingress coordinator consumes.
// Grounded on the original's ingress/webhook.py.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"vyapaar/internal/model"
)

// Size bounds on a webhook body: below minPayloadSize it cannot possibly
// hold a valid event; above maxPayloadSize it's rejected before parsing to
// bound memory and CPU spent on an attacker-controlled body.
const (
	maxPayloadSize = 1024 * 1024
	minPayloadSize = 10
)

// ValidationError carries a machine-readable code alongside the message,
// mirroring the original's WebhookValidationError.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErr(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ValidateSize enforces the payload size bounds before any parsing or
// signature work is attempted.
func ValidateSize(body []byte) error {
	if len(body) == 0 {
		return validationErr("EMPTY_PAYLOAD", "empty webhook payload")
	}
	if len(body) < minPayloadSize {
		return validationErr("PAYLOAD_TOO_SHORT", "webhook payload too short to be valid")
	}
	if len(body) > maxPayloadSize {
		return validationErr("PAYLOAD_TOO_LARGE", "webhook payload exceeds maximum size of %d bytes", maxPayloadSize)
	}
	return nil
}

// VerifySignature checks signature (the provider's hex-encoded
// HMAC-SHA256 header value) against body under secret, using a
// constant-time comparison to avoid leaking timing information about how
// many bytes matched.
func VerifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Event is the parsed shape of a payout webhook delivery.
type Event struct {
	Event   string `json:"event"`
	Payload struct {
		Payout struct {
			Entity model.PayoutEntity `json:"entity"`
		} `json:"payout"`
	} `json:"payload"`
}

// Parse decodes a validated webhook body into an Event.
func Parse(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if e.Payload.Payout.Entity.ID == "" {
		return Event{}, fmt.Errorf("invalid webhook payload: missing payout entity id")
	}
	return e, nil
}

// IdempotencyKey returns the dedup key for this event, combining the event
// type and the payout ID so re-deliveries of the same transition are
// recognised as duplicates.
func (e Event) IdempotencyKey() string {
	return e.Event + ":" + e.Payload.Payout.Entity.ID
}

// Verify runs the full inbound pipeline: size bounds, signature check,
// then parse. Returns a *ValidationError for caller-facing 4xx handling,
// or a generic error for malformed JSON.
func Verify(body []byte, signature, secret string) (Event, error) {
	if err := ValidateSize(body); err != nil {
		return Event{}, err
	}
	if !VerifySignature(body, signature, secret) {
		return Event{}, validationErr("INVALID_SIGNATURE", "webhook signature verification failed")
	}
	return Parse(body)
}
