package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/paymcp/paymcp/internal/payment"
	"github.com/paymcp/paymcp/pkg/logging"
	"github.com/paymcp/paymcp/pkg/oauth"
)

// Charge is a priced operation billed to Source.
type Charge struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Network     string          `json:"network"`
	Destination string          `json:"destination"`
	Source      string          `json:"source"`
}

// PaymentServer is a client of the payment server's charge API. Calls are
// authenticated with a connection token.
type PaymentServer struct {
	baseURL         string
	connectionToken string
	httpClient      *http.Client
	logger          *slog.Logger
}

// PaymentServerOption configures a PaymentServer.
type PaymentServerOption func(*PaymentServer)

// WithPaymentHTTPClient sets the HTTP client.
func WithPaymentHTTPClient(c *http.Client) PaymentServerOption {
	return func(p *PaymentServer) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithPaymentLogger sets the logger.
func WithPaymentLogger(logger *slog.Logger) PaymentServerOption {
	return func(p *PaymentServer) {
		p.logger = logging.Subsystem(logger, "payment-server")
	}
}

// NewPaymentServer creates a client for the payment server at baseURL.
func NewPaymentServer(baseURL, connectionToken string, opts ...PaymentServerOption) *PaymentServer {
	p := &PaymentServer{
		baseURL:         strings.TrimRight(baseURL, "/"),
		connectionToken: connectionToken,
		httpClient:      &http.Client{Timeout: oauth.DefaultHTTPTimeout},
		logger:          logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BaseURL returns the payment server URL.
func (p *PaymentServer) BaseURL() string {
	return p.baseURL
}

// Charge debits c.Source. It reports false without error when the source
// has insufficient funds.
func (p *PaymentServer) Charge(ctx context.Context, c Charge) (bool, error) {
	resp, err := p.post(ctx, "/charge", c)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusPaymentRequired:
		p.logger.Debug("Charge declined",
			"source", c.Source,
			"amount", c.Amount.String(),
			"currency", c.Currency)
		return false, nil
	default:
		return false, &payment.StatusError{Method: http.MethodPost, URL: p.baseURL + "/charge", StatusCode: resp.StatusCode}
	}
}

// CreatePaymentRequest asks the payment server for a payment request
// covering c and returns its ID.
func (p *PaymentServer) CreatePaymentRequest(ctx context.Context, c Charge, resourceName string) (string, error) {
	body := struct {
		Charge
		ResourceName string `json:"resourceName,omitempty"`
	}{Charge: c, ResourceName: resourceName}

	resp, err := p.post(ctx, "/payment-request", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &payment.StatusError{Method: http.MethodPost, URL: p.baseURL + "/payment-request", StatusCode: resp.StatusCode}
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to parse payment request response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("payment server returned no payment request id")
	}
	return created.ID, nil
}

func (p *PaymentServer) post(ctx context.Context, path string, v any) (*http.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.connectionToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.connectionToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment server %s request failed: %w", path, err)
	}
	return resp, nil
}
