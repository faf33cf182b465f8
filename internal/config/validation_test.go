package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Config)
		wantFields []string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name: "unknown log level and format",
			mutate: func(c *Config) {
				c.Log.Level = "loud"
				c.Log.Format = "xml"
			},
			wantFields: []string{"log.level", "log.format"},
		},
		{
			name: "plain http authorization server",
			mutate: func(c *Config) {
				c.Server.AuthorizationServer = "http://auth.example.com"
			},
			wantFields: []string{"server.authorizationServer"},
		},
		{
			name: "loopback http authorization server",
			mutate: func(c *Config) {
				c.Server.AuthorizationServer = "http://localhost:9000"
			},
		},
		{
			name: "bad prices",
			mutate: func(c *Config) {
				c.Server.Prices = map[string]string{"tools/call": "free", "tools/list": "-0.1"}
			},
			wantFields: []string{"server.prices[tools/call]", "server.prices[tools/list]"},
		},
		{
			name: "sql store without dsn",
			mutate: func(c *Config) {
				c.Client.Store.Driver = "sqlite3"
			},
			wantFields: []string{"client.store.dsn"},
		},
		{
			name: "unknown store driver",
			mutate: func(c *Config) {
				c.Server.Store = StoreConfig{Driver: "redis", DSN: "redis://"}
			},
			wantFields: []string{"server.store.driver"},
		},
		{
			name: "incomplete payment server",
			mutate: func(c *Config) {
				c.Server.Payment.ServerURL = "https://pay.example.com"
			},
			wantFields: []string{"server.payment.connectionToken", "server.payment.destination"},
		},
		{
			name: "client problems",
			mutate: func(c *Config) {
				c.Client.UserID = ""
				c.Client.MaxAutoApprove = "-1"
				c.Client.AllowedAuthorizationServers = []string{"auth.example.com"}
			},
			wantFields: []string{"client.userId", "client.maxAutoApprove", "client.allowedAuthorizationServers[0]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if len(tt.wantFields) == 0 {
				assert.NoError(t, err)
				return
			}

			var errs ConfigurationErrors
			require.ErrorAs(t, err, &errs)
			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.ElementsMatch(t, tt.wantFields, fields)
			assert.Contains(t, errs.GetDetailedReport(), tt.wantFields[0])
		})
	}
}

func TestConfig_ValidateScopes(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.AuthorizationServer = "http://auth.example.com"

	assert.NoError(t, cfg.ValidateClient())
	assert.Error(t, cfg.ValidateServer())

	cfg = GetDefaultConfig()
	cfg.Client.UserID = ""
	assert.Error(t, cfg.ValidateClient())
	assert.NoError(t, cfg.ValidateServer())
}

func TestConfigurationErrors_Error(t *testing.T) {
	var errs ConfigurationErrors
	assert.NoError(t, errs.Err())

	errs.Add("a", ErrorTypeRequired, "is required")
	assert.Equal(t, "a: is required", errs.Error())

	errs.Add("b", ErrorTypeInvalid, "is wrong", "fix it")
	assert.Equal(t, "2 configuration errors: a: is required (and 1 more)", errs.Error())
	assert.Contains(t, errs[1].DetailedError(), "fix it")
}
