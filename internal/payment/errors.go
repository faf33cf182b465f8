package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrMultipleCapabilities is returned when a Fetcher is given more than one payer.
	ErrMultipleCapabilities = errors.New("at most one payment capability is supported")

	// ErrNoCapability is returned when a payment is required but no payer is configured.
	ErrNoCapability = errors.New("no payment capability configured")

	// ErrInvalidPaymentRequest is returned for malformed payment request documents.
	// It is never retried.
	ErrInvalidPaymentRequest = errors.New("invalid payment request")

	// ErrPaymentDeclined is returned when the approval callback refuses a payment.
	ErrPaymentDeclined = errors.New("payment declined")

	// ErrAuthorizationFailed is returned when the authorization endpoint does
	// not hand back a callback URL.
	ErrAuthorizationFailed = errors.New("authorization failed")
)

// PaymentRequestError signals that a call needs payment. It is found in the
// body of an otherwise successful response.
type PaymentRequestError struct {
	// ID is the payment request ID.
	ID string
	// URL is {AuthorizationServer}/payment-request/{ID}.
	URL string
	// AuthorizationServer is the origin that issued the request.
	AuthorizationServer string
}

func (e *PaymentRequestError) Error() string {
	return fmt.Sprintf("payment required: %s", e.URL)
}

// StatusError is returned when a payment endpoint answers with an unexpected status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d", e.Method, e.URL, e.StatusCode)
}
