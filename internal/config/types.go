package config

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config is the top-level configuration structure for paymcp.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn or error
	Format string `yaml:"format,omitempty"` // text or json
}

// StoreConfig selects where OAuth credentials are persisted.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // memory, sqlite3 or pgx
	DSN    string `yaml:"dsn,omitempty"`
}

// ClientConfig configures the paying client used by `paymcp fetch`.
type ClientConfig struct {
	// UserID scopes stored tokens and PKCE state.
	UserID string `yaml:"userId,omitempty"`

	// KeyFile is a Solana keygen JSON file. PrivateKey, a base58 key, takes
	// precedence when both are set.
	KeyFile    string `yaml:"keyFile,omitempty"`
	PrivateKey string `yaml:"privateKey,omitempty"`

	Store StoreConfig `yaml:"store"`

	// AllowedAuthorizationServers are the servers whose payment requests are paid.
	AllowedAuthorizationServers []string `yaml:"allowedAuthorizationServers,omitempty"`

	// MaxAutoApprove is the largest amount paid without asking.
	MaxAutoApprove string `yaml:"maxAutoApprove,omitempty"`

	RedirectURI string `yaml:"redirectUri,omitempty"`
	Strict      bool   `yaml:"strict,omitempty"`
	CAFile      string `yaml:"caFile,omitempty"`
}

// ServerConfig configures the protected MCP server run by `paymcp serve`.
type ServerConfig struct {
	Address             string `yaml:"address,omitempty"`
	MCPPath             string `yaml:"mcpPath,omitempty"`
	AuthorizationServer string `yaml:"authorizationServer,omitempty"`
	ResourceName        string `yaml:"resourceName,omitempty"`

	// Prices maps operations ("tools/call", "tools/call:forecast") to the
	// amount charged at introspection. Changes are picked up while running.
	Prices map[string]string `yaml:"prices,omitempty"`

	// Store holds the client credentials registered for introspection.
	Store StoreConfig `yaml:"store"`

	Payment PaymentConfig `yaml:"payment"`
	CAFile  string        `yaml:"caFile,omitempty"`
}

// PaymentConfig configures the payment server used by RequirePayment.
type PaymentConfig struct {
	ServerURL       string `yaml:"serverUrl,omitempty"`
	ConnectionToken string `yaml:"connectionToken,omitempty"`
	Currency        string `yaml:"currency,omitempty"`
	Network         string `yaml:"network,omitempty"`
	Destination     string `yaml:"destination,omitempty"`
}

// Enabled reports whether a payment server is configured.
func (p PaymentConfig) Enabled() bool {
	return p.ServerURL != ""
}

// PriceTable parses Prices.
func (s ServerConfig) PriceTable() (map[string]decimal.Decimal, error) {
	table := make(map[string]decimal.Decimal, len(s.Prices))
	for op, raw := range s.Prices {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("price for %q: %w", op, err)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("price for %q is negative", op)
		}
		table[op] = amount
	}
	return table, nil
}

// MaxAutoApproveAmount parses MaxAutoApprove.
func (c ClientConfig) MaxAutoApproveAmount() (decimal.Decimal, error) {
	if c.MaxAutoApprove == "" {
		return decimal.RequireFromString(DefaultMaxAutoApprove), nil
	}
	amount, err := decimal.NewFromString(c.MaxAutoApprove)
	if err != nil {
		return decimal.Zero, fmt.Errorf("maxAutoApprove: %w", err)
	}
	return amount, nil
}
