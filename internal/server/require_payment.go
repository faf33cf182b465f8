package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/paymcp/paymcp/pkg/oauth"
)

// PaymentConfig is what RequirePayment needs to bill the caller.
type PaymentConfig struct {
	Server *PaymentServer

	// Defaults applied to charges that leave them empty.
	Currency    string
	Network     string
	Destination string

	// ResourceName describes the resource on payment requests.
	ResourceName string
}

type requireOptions struct {
	existingPaymentID string
	resourceName      string
}

// RequireOption configures RequirePayment.
type RequireOption func(*requireOptions)

// WithExistingPaymentID reuses a payment request created earlier instead of
// creating a new one when the charge fails.
func WithExistingPaymentID(id string) RequireOption {
	return func(o *requireOptions) {
		o.existingPaymentID = id
	}
}

// WithResourceName overrides the resource name sent with a new payment request.
func WithResourceName(name string) RequireOption {
	return func(o *requireOptions) {
		o.resourceName = name
	}
}

// RequirePayment charges the authenticated caller price. It returns nil once
// the charge succeeds. When the caller cannot pay, it returns a
// *PaymentRequiredError for a payment request the caller can settle.
func RequirePayment(ctx context.Context, price Charge, opts ...RequireOption) error {
	rc, ok := RequestContextFrom(ctx)
	if !ok || rc.User == "" {
		return ErrNoUser
	}
	if rc.Payment == nil || rc.Payment.Server == nil {
		return ErrNoPaymentServer
	}
	if !price.Amount.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", price.Amount)
	}

	o := &requireOptions{resourceName: rc.Payment.ResourceName}
	for _, opt := range opts {
		opt(o)
	}

	charge := price
	charge.Source = rc.User
	if charge.Currency == "" {
		charge.Currency = rc.Payment.Currency
	}
	if charge.Network == "" {
		charge.Network = rc.Payment.Network
	}
	if charge.Destination == "" {
		charge.Destination = rc.Payment.Destination
	}

	paid, err := rc.Payment.Server.Charge(ctx, charge)
	if err != nil {
		return err
	}
	if paid {
		return nil
	}

	id := o.existingPaymentID
	if id == "" {
		id, err = rc.Payment.Server.CreatePaymentRequest(ctx, charge, o.resourceName)
		if err != nil {
			return err
		}
	}

	url, err := paymentRequestURL(rc, id)
	if err != nil {
		return err
	}
	return &PaymentRequiredError{ID: id, URL: url}
}

// paymentRequestURL places payment request id on the configured
// authorization server, or on the payment server when none is configured.
func paymentRequestURL(rc *RequestContext, id string) (string, error) {
	base := rc.AuthorizationServer
	if base == "" {
		base = rc.Payment.Server.BaseURL()
	}
	if base == "" {
		return "", errors.New("no authorization server to host the payment request")
	}
	origin, err := oauth.Origin(base)
	if err != nil {
		return "", err
	}
	return origin + "/payment-request/" + id, nil
}
