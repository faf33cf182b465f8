// Package account holds the payer identity used by the client: an ed25519
// key in Solana format that signs short-lived EdDSA tokens, plus one
// PaymentMaker per network that executes transfers.
package account

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/paymcp/paymcp/pkg/logging"
)

// NetworkSolana is the network name whose destinations are Solana addresses.
const NetworkSolana = "solana"

var (
	// ErrInvalidKey is returned for keys that are not 64-byte ed25519 private keys.
	ErrInvalidKey = errors.New("invalid private key")

	// ErrUnsupportedNetwork is returned by Pay when no PaymentMaker serves the network.
	ErrUnsupportedNetwork = errors.New("unsupported payment network")

	// ErrInvalidPayment is returned by Pay for malformed payment parameters.
	ErrInvalidPayment = errors.New("invalid payment")
)

// PaymentParams describes one transfer.
type PaymentParams struct {
	Amount      decimal.Decimal
	Currency    string
	Network     string
	Destination string

	// ResourceName and PaymentRequestID describe what is being paid for.
	ResourceName     string
	PaymentRequestID string
}

// PaymentCapability is what the payment-aware fetcher needs from a payer.
type PaymentCapability interface {
	// AccountID identifies the payer, e.g. "solana:<address>".
	AccountID() string
	// Pay executes a transfer and returns its payment ID.
	Pay(ctx context.Context, p PaymentParams) (string, error)
	// SignToken signs claims as the payer.
	SignToken(ctx context.Context, claims Claims) (string, error)
}

// PaymentMaker executes transfers on one network.
type PaymentMaker interface {
	MakePayment(ctx context.Context, from solana.PublicKey, p PaymentParams) (string, error)
}

// PaymentMakerFunc adapts a function to PaymentMaker.
type PaymentMakerFunc func(ctx context.Context, from solana.PublicKey, p PaymentParams) (string, error)

// MakePayment calls f.
func (f PaymentMakerFunc) MakePayment(ctx context.Context, from solana.PublicKey, p PaymentParams) (string, error) {
	return f(ctx, from, p)
}

// Account is a PaymentCapability backed by a local key.
type Account struct {
	key    solana.PrivateKey
	pub    solana.PublicKey
	logger *slog.Logger

	tokenLifetime time.Duration
	now           func() time.Time

	mu     sync.RWMutex
	makers map[string]PaymentMaker
}

var _ PaymentCapability = (*Account)(nil)

// Option configures an Account.
type Option func(*Account)

// WithPaymentMaker registers maker for network.
func WithPaymentMaker(network string, maker PaymentMaker) Option {
	return func(a *Account) {
		a.makers[network] = maker
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Account) {
		a.logger = logging.Subsystem(logger, "account")
	}
}

// WithTokenLifetime overrides DefaultTokenLifetime.
func WithTokenLifetime(d time.Duration) Option {
	return func(a *Account) {
		if d > 0 {
			a.tokenLifetime = d
		}
	}
}

// WithClock sets the time source used for token timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Account) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an Account from a private key.
func New(key solana.PrivateKey, opts ...Option) (*Account, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, ed25519.PrivateKeySize, len(key))
	}
	a := &Account{
		key:           key,
		pub:           key.PublicKey(),
		logger:        logging.Subsystem(nil, "account"),
		tokenLifetime: DefaultTokenLifetime,
		now:           time.Now,
		makers:        make(map[string]PaymentMaker),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// NewFromBase58 creates an Account from a base58-encoded private key.
func NewFromBase58(privateKeyBase58 string, opts ...Option) (*Account, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return New(key, opts...)
}

// NewFromKeygenFile creates an Account from a Solana keygen JSON file, a
// JSON array of the 64 private key bytes.
func NewFromKeygenFile(path string, opts ...Option) (*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var keyBytes []byte
	if err := json.Unmarshal(data, &keyBytes); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", ErrInvalidKey)
	}
	return New(solana.PrivateKey(keyBytes), opts...)
}

// Generate creates an Account with a fresh random key.
func Generate(opts ...Option) (*Account, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return New(key, opts...)
}

// AccountID returns "solana:<address>".
func (a *Account) AccountID() string {
	return NetworkSolana + ":" + a.pub.String()
}

// PublicKey returns the account address.
func (a *Account) PublicKey() solana.PublicKey {
	return a.pub
}

// Pay validates p and hands it to the PaymentMaker for p.Network.
func (a *Account) Pay(ctx context.Context, p PaymentParams) (string, error) {
	if !p.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidPayment, p.Amount)
	}
	if p.Currency == "" || p.Destination == "" {
		return "", fmt.Errorf("%w: currency and destination are required", ErrInvalidPayment)
	}
	if p.Network == NetworkSolana {
		if _, err := solana.PublicKeyFromBase58(p.Destination); err != nil {
			return "", fmt.Errorf("%w: destination %q is not a Solana address", ErrInvalidPayment, p.Destination)
		}
	}

	a.mu.RLock()
	maker, ok := a.makers[p.Network]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedNetwork, p.Network)
	}

	paymentID, err := maker.MakePayment(ctx, a.pub, p)
	if err != nil {
		return "", fmt.Errorf("payment on %s failed: %w", p.Network, err)
	}

	a.logger.Info("Payment made",
		"network", p.Network,
		"currency", p.Currency,
		"amount", p.Amount.String(),
		"payment_id", paymentID)
	return paymentID, nil
}
