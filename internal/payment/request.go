package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
)

const maxPaymentRequestBytes = 1 << 20

// Request is the document served at {authorization server}/payment-request/{id}.
type Request struct {
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Network      string          `json:"network"`
	Destination  string          `json:"destination"`
	ResourceName string          `json:"resourceName,omitempty"`
}

// Validate checks that the request can be paid.
func (r *Request) Validate() error {
	switch {
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidPaymentRequest, r.Amount)
	case r.Currency == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidPaymentRequest)
	case r.Network == "":
		return fmt.Errorf("%w: network is required", ErrInvalidPaymentRequest)
	case r.Destination == "":
		return fmt.Errorf("%w: destination is required", ErrInvalidPaymentRequest)
	}
	return nil
}

func fetchRequest(ctx context.Context, httpClient *http.Client, url string) (*Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request lookup: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment request lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: http.MethodGet, URL: url, StatusCode: resp.StatusCode}
	}

	var pr Request
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPaymentRequestBytes)).Decode(&pr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPaymentRequest, err)
	}
	if err := pr.Validate(); err != nil {
		return nil, err
	}
	return &pr, nil
}

// completeRequest presents the signed payer token to the payment request.
func completeRequest(ctx context.Context, httpClient *http.Client, url, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create payment completion: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payment completion failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPaymentRequestBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: http.MethodPut, URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
