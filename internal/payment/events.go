package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the kind of a fetcher lifecycle event.
type EventType string

const (
	EventAuthorize      EventType = "authorize"
	EventPaymentSuccess EventType = "payment_success"
	EventPaymentFailure EventType = "payment_failure"
)

// Event describes an authorization or payment performed by the Fetcher.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// URL is the request that triggered the event.
	URL string
	// ResourceServerURL is the resource that was authorized.
	ResourceServerURL string

	PaymentRequestID string
	PaymentID        string
	AccountID        string
	Amount           decimal.Decimal
	Currency         string
	Network          string
	Destination      string

	Error    error
	Duration time.Duration
}

// EventCallback receives fetcher events. Callbacks run synchronously on the
// request goroutine.
type EventCallback func(Event)

// Hooks are optional event callbacks.
type Hooks struct {
	OnAuthorize      EventCallback
	OnPayment        EventCallback
	OnPaymentFailure EventCallback
}

func (h Hooks) emit(cb EventCallback, e Event) {
	if cb == nil {
		return
	}
	e.Timestamp = time.Now()
	cb(e)
}
