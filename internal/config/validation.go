package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/paymcp/paymcp/internal/server"
	"github.com/paymcp/paymcp/internal/store"
	"github.com/paymcp/paymcp/pkg/logging"
)

var storeDrivers = []string{DefaultStoreDriver, store.DriverSQLite, store.DriverPostgres}

// Validate checks the whole configuration and reports every problem found.
// The returned error is a ConfigurationErrors.
func (c *Config) Validate() error {
	var errs ConfigurationErrors
	c.validateLog(&errs)
	c.Client.validate(&errs)
	c.Server.validate(&errs)
	return errs.Err()
}

// ValidateClient checks only what `paymcp fetch` needs.
func (c *Config) ValidateClient() error {
	var errs ConfigurationErrors
	c.validateLog(&errs)
	c.Client.validate(&errs)
	return errs.Err()
}

// ValidateServer checks only what `paymcp serve` needs.
func (c *Config) ValidateServer() error {
	var errs ConfigurationErrors
	c.validateLog(&errs)
	c.Server.validate(&errs)
	return errs.Err()
}

func (c *Config) validateLog(errs *ConfigurationErrors) {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs.Add("log.level", ErrorTypeInvalid, err.Error(), "use one of debug, info, warn, error")
	}
	validateOneOf(errs, "log.format", c.Log.Format, []string{string(logging.FormatText), string(logging.FormatJSON)})
}

func (c *ClientConfig) validate(errs *ConfigurationErrors) {
	validateRequired(errs, "client.userId", c.UserID)
	validateStore(errs, "client.store", c.Store)

	for i, s := range c.AllowedAuthorizationServers {
		validateURL(errs, fmt.Sprintf("client.allowedAuthorizationServers[%d]", i), s)
	}
	if amount, err := c.MaxAutoApproveAmount(); err != nil {
		errs.Add("client.maxAutoApprove", ErrorTypeInvalid, err.Error())
	} else if amount.IsNegative() {
		errs.Add("client.maxAutoApprove", ErrorTypeInvalid, "must not be negative")
	}
	if c.RedirectURI != "" {
		validateURL(errs, "client.redirectUri", c.RedirectURI)
	}
}

func (s *ServerConfig) validate(errs *ConfigurationErrors) {
	validateRequired(errs, "server.address", s.Address)
	if !strings.HasPrefix(s.MCPPath, "/") {
		errs.Add("server.mcpPath", ErrorTypeInvalid, "must start with /")
	}
	if err := server.ValidateHTTPSRequirement(s.AuthorizationServer); err != nil {
		errs.Add("server.authorizationServer", ErrorTypeInvalid, err.Error())
	}
	for op, raw := range s.Prices {
		field := fmt.Sprintf("server.prices[%s]", op)
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			errs.Add(field, ErrorTypeInvalid, fmt.Sprintf("%q is not a decimal amount", raw))
			continue
		}
		if amount.IsNegative() {
			errs.Add(field, ErrorTypeInvalid, "must not be negative")
		}
	}
	validateStore(errs, "server.store", s.Store)

	if !s.Payment.Enabled() {
		return
	}
	if err := server.ValidateHTTPSRequirement(s.Payment.ServerURL); err != nil {
		errs.Add("server.payment.serverUrl", ErrorTypeInvalid, err.Error())
	}
	validateRequired(errs, "server.payment.connectionToken", s.Payment.ConnectionToken)
	validateRequired(errs, "server.payment.currency", s.Payment.Currency)
	validateRequired(errs, "server.payment.network", s.Payment.Network)
	validateRequired(errs, "server.payment.destination", s.Payment.Destination)
}

func validateStore(errs *ConfigurationErrors, field string, s StoreConfig) {
	validateOneOf(errs, field+".driver", s.Driver, storeDrivers)
	if s.Driver != DefaultStoreDriver && s.DSN == "" {
		errs.Add(field+".dsn", ErrorTypeRequired, fmt.Sprintf("is required for the %s driver", s.Driver))
	}
}

func validateRequired(errs *ConfigurationErrors, field, value string) {
	if strings.TrimSpace(value) == "" {
		errs.Add(field, ErrorTypeRequired, "is required")
	}
}

func validateOneOf(errs *ConfigurationErrors, field, value string, allowed []string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	errs.Add(field, ErrorTypeInvalid, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
}

func validateURL(errs *ConfigurationErrors, field, value string) {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs.Add(field, ErrorTypeInvalid, fmt.Sprintf("%q is not an absolute URL", value))
	}
}
