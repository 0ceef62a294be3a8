package marketplace

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Notification is one message to a student, expert or admin.
type Notification struct {
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data"`
}

// Notifier delivers a notification (email or equivalent).
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// CalendarEvent is the meeting created for a booked session.
type CalendarEvent struct {
	Summary   string
	Start     time.Time
	End       time.Time
	Attendees []string
}

type CalendarResult struct {
	EventID     string
	MeetingLink string
}

// Calendar creates meeting events. Errors are treated as CalendarError.
type Calendar interface {
	CreateEvent(ctx context.Context, ev CalendarEvent) (CalendarResult, error)
}

// ProviderOrder is the payment provider's handle for a checkout.
type ProviderOrder struct {
	OrderID string
	Handle  string
}

// OrderCreator opens an order with the payment provider.
// amountMinor is in the smallest currency unit.
type OrderCreator interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (ProviderOrder, error)
}

// SignatureVerifier checks a provider callback signature for a stored order.
// Each provider signs different fields, so the verifier gets the whole order.
type SignatureVerifier interface {
	Verify(order *PaymentOrder, paymentID, signature, secret string) bool
}

// HMACSHA256Verifier verifies hex HMAC-SHA256 over "providerOrderID|paymentID".
type HMACSHA256Verifier struct{}

func (HMACSHA256Verifier) Verify(order *PaymentOrder, paymentID, signature, secret string) bool {
	expected := Sign(order.ProviderOrderID+"|"+paymentID, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
