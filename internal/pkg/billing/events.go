package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType is the discriminator of a provider webhook event.
type EventType string

const (
	EventPaymentSucceeded  EventType = "payment.succeeded"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentProcessing EventType = "payment.processing"
	EventPaymentCancelled  EventType = "payment.cancelled"

	EventSubscriptionActive      EventType = "subscription.active"
	EventSubscriptionPlanChanged EventType = "subscription.plan_changed"
	EventSubscriptionOnHold      EventType = "subscription.on_hold"
	EventSubscriptionRenewed     EventType = "subscription.renewed"
	EventSubscriptionCancelled   EventType = "subscription.cancelled"
	EventSubscriptionExpired     EventType = "subscription.expired"
	EventSubscriptionFailed      EventType = "subscription.failed"
)

// ErrMalformedPayload marks a webhook body that could not be parsed.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// IsPayment reports whether the event belongs to the payment family.
func (t EventType) IsPayment() bool {
	return strings.HasPrefix(string(t), "payment.")
}

// IsSubscription reports whether the event belongs to the subscription family.
func (t EventType) IsSubscription() bool {
	return strings.HasPrefix(string(t), "subscription.")
}

// Known reports whether the event type is part of the handled enumeration.
// Unknown types are acknowledged without processing so the provider does not
// retry events this system intentionally ignores.
func (t EventType) Known() bool {
	switch t {
	case EventPaymentSucceeded, EventPaymentFailed, EventPaymentProcessing, EventPaymentCancelled,
		EventSubscriptionActive, EventSubscriptionPlanChanged, EventSubscriptionOnHold,
		EventSubscriptionRenewed, EventSubscriptionCancelled, EventSubscriptionExpired,
		EventSubscriptionFailed:
		return true
	default:
		return false
	}
}

// Customer identifies the billing customer an event belongs to.
type Customer struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
}

// PaymentData is the typed payload of payment.* events.
type PaymentData struct {
	PaymentID      string   `json:"payment_id"`
	Status         string   `json:"status"`
	TotalAmount    int64    `json:"total_amount"`
	Currency       string   `json:"currency"`
	Customer       Customer `json:"customer"`
	SubscriptionID string   `json:"subscription_id"`
	PaymentMethod  string   `json:"payment_method"`
}

// SubscriptionData is the typed payload of subscription.* events.
type SubscriptionData struct {
	SubscriptionID           string     `json:"subscription_id"`
	Customer                 Customer   `json:"customer"`
	ProductID                string     `json:"product_id"`
	Status                   string     `json:"status"`
	PaymentFrequencyInterval string     `json:"payment_frequency_interval"`
	Quantity                 int        `json:"quantity"`
	NextBillingDate          *time.Time `json:"next_billing_date"`
	CancelAtNextBillingDate  bool       `json:"cancel_at_next_billing_date"`
	CancelledAt              *time.Time `json:"cancelled_at"`
}

// Event is the tagged union produced at the normalization boundary. Exactly
// one of Payment/Subscription is set for known event families; downstream
// handlers never touch the raw JSON again.
type Event struct {
	Type         EventType
	Payment      *PaymentData
	Subscription *SubscriptionData
	Raw          json.RawMessage
}

// ParseEvent parses the verified raw webhook body once into a typed Event.
// It must receive the exact bytes the signature was computed over.
func ParseEvent(raw []byte) (*Event, error) {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ev := &Event{
		Type: EventType(strings.TrimSpace(envelope.Type)),
		Raw:  envelope.Data,
	}
	if !ev.Type.Known() {
		return ev, nil
	}

	switch {
	case ev.Type.IsPayment():
		var data PaymentData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(data.PaymentID) == "" {
			return nil, fmt.Errorf("%w: missing payment_id", ErrMalformedPayload)
		}
		ev.Payment = &data
	case ev.Type.IsSubscription():
		var data SubscriptionData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(data.SubscriptionID) == "" {
			return nil, fmt.Errorf("%w: missing subscription_id", ErrMalformedPayload)
		}
		ev.Subscription = &data
	}
	return ev, nil
}

// NormalizeInterval maps provider interval spellings ("Month", "YEAR") to the
// internal month/year constants; anything else yields an empty interval.
func NormalizeInterval(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "month":
		return "month"
	case "year":
		return "year"
	default:
		return ""
	}
}
