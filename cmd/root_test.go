package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymcp/paymcp/internal/account"
	oauthclient "github.com/paymcp/paymcp/internal/oauth"
	"github.com/paymcp/paymcp/internal/payment"
	"github.com/paymcp/paymcp/internal/store"
	"github.com/paymcp/paymcp/pkg/oauth"
)

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "paymcp", rootCmd.Use)
	assert.True(t, rootCmd.SilenceUsage)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config-path"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("debug"))
}

func TestSubcommands(t *testing.T) {
	want := map[string]bool{"version": false, "serve": false, "fetch": false, "store": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		assert.True(t, found, "subcommand %q not registered", name)
	}
}

func TestVersionTemplate(t *testing.T) {
	SetVersion("1.0.0")
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"--version"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "paymcp version 1.0.0\n", buf.String())
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"generic", errors.New("boom"), ExitCodeError},
		{"authentication required", &oauthclient.AuthenticationRequiredError{URL: "https://api.example.com/mcp"}, ExitCodeAuthRequired},
		{"wrapped authentication required", fmt.Errorf("fetch: %w", &oauthclient.AuthenticationRequiredError{}), ExitCodeAuthRequired},
		{"no inbound token", fmt.Errorf("hand-off: %w", oauthclient.ErrNoInboundToken), ExitCodeAuthRequired},
		{"authorization error", &oauthclient.AuthorizationError{Code: "access_denied"}, ExitCodeAuthFailed},
		{"authorization failed", fmt.Errorf("%w: status 500", payment.ErrAuthorizationFailed), ExitCodeAuthFailed},
		{"payment request", &payment.PaymentRequestError{ID: "pr_1"}, ExitCodePaymentRequired},
		{"declined", fmt.Errorf("%w: 2 USDC", payment.ErrPaymentDeclined), ExitCodePaymentRequired},
		{"no payment maker", fmt.Errorf("%w: solana", account.ErrUnsupportedNetwork), ExitCodePaymentRequired},
		{"no capability", fmt.Errorf("%w: %w", payment.ErrNoCapability, &payment.PaymentRequestError{}), ExitCodePaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getExitCode(tt.err))
		})
	}
}

func TestRequestBody(t *testing.T) {
	reset := func() {
		fetchMethod, fetchTool, fetchArgs, fetchBody = "", "", "", ""
	}
	t.Cleanup(reset)

	decode := func(t *testing.T, b []byte) map[string]any {
		t.Helper()
		var msg map[string]any
		require.NoError(t, json.Unmarshal(b, &msg))
		return msg
	}

	t.Run("defaults to tools/list", func(t *testing.T) {
		reset()
		b, err := requestBody()
		require.NoError(t, err)
		msg := decode(t, b)
		assert.Equal(t, "2.0", msg["jsonrpc"])
		assert.Equal(t, "tools/list", msg["method"])
		assert.NotContains(t, msg, "params")
	})

	t.Run("tool implies tools/call", func(t *testing.T) {
		reset()
		fetchTool = "premium_forecast"
		fetchArgs = `{"city":"Lisbon"}`
		b, err := requestBody()
		require.NoError(t, err)
		msg := decode(t, b)
		assert.Equal(t, "tools/call", msg["method"])
		params := msg["params"].(map[string]any)
		assert.Equal(t, "premium_forecast", params["name"])
		assert.Equal(t, map[string]any{"city": "Lisbon"}, params["arguments"])
	})

	t.Run("tools/call needs a tool", func(t *testing.T) {
		reset()
		fetchMethod = "tools/call"
		_, err := requestBody()
		assert.Error(t, err)
	})

	t.Run("args must be an object", func(t *testing.T) {
		reset()
		fetchTool = "echo"
		fetchArgs = `[1,2]`
		_, err := requestBody()
		assert.Error(t, err)
	})

	t.Run("raw body wins", func(t *testing.T) {
		reset()
		fetchTool = "ignored"
		fetchBody = `{"jsonrpc":"2.0","id":9,"method":"ping"}`
		b, err := requestBody()
		require.NoError(t, err)
		assert.JSONEq(t, fetchBody, string(b))
	})

	t.Run("raw body must be JSON", func(t *testing.T) {
		reset()
		fetchBody = "not json"
		_, err := requestBody()
		assert.Error(t, err)
	})
}

func TestRenderTokens(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("empty", func(t *testing.T) {
		buf := new(bytes.Buffer)
		renderTokens(buf, nil, now)
		assert.Contains(t, buf.String(), "No stored tokens")
	})

	t.Run("table", func(t *testing.T) {
		buf := new(bytes.Buffer)
		renderTokens(buf, []store.TokenRecord{
			{
				UserID:      "local",
				ResourceURL: "https://b.example.com/mcp",
				Token: &oauth.AccessToken{
					AccessToken: "secret-token-value",
					ExpiresAt:   now.Add(-time.Minute),
				},
			},
			{
				UserID:      "local",
				ResourceURL: "https://a.example.com/mcp",
				Token: &oauth.AccessToken{
					AccessToken:  "another-token-value",
					RefreshToken: "refresh",
				},
			},
		}, now)

		out := buf.String()
		assert.Contains(t, out, "RESOURCE")
		assert.Contains(t, out, "secret-t...")
		assert.NotContains(t, out, "secret-token-value")
		assert.Contains(t, out, "never")
		assert.Contains(t, out, "expired")
		assert.Less(t, bytes.Index(buf.Bytes(), []byte("a.example.com")), bytes.Index(buf.Bytes(), []byte("b.example.com")))
	})
}

func TestExpiry(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "never", expiry(time.Time{}, now))
	assert.Contains(t, expiry(now, now), "expired")
	assert.Equal(t, "1h30m0s", expiry(now.Add(90*time.Minute), now))
}
