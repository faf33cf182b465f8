package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymcp/paymcp/internal/account"
	oauthclient "github.com/paymcp/paymcp/internal/oauth"
	"github.com/paymcp/paymcp/internal/payment"
	"github.com/paymcp/paymcp/internal/store"
	"github.com/paymcp/paymcp/internal/testing/mock"
)

// paidForecast charges every call and answers with a JSON-RPC result.
func paidForecast(price string, calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		var msg struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		err := RequirePayment(r.Context(), Charge{Amount: d(price)})
		var payErr *PaymentRequiredError
		switch {
		case err == nil:
		case errors.As(err, &payErr):
			payErr.WriteJSONRPC(w, msg.ID)
			return
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"jsonrpc": "2.0",
			"id":      msg.ID,
			"result": map[string]any{
				"content": []map[string]any{{"type": "text", "text": "sunny"}},
			},
		})
	})
}

func TestRoundTrip_AuthorizePayAndRetry(t *testing.T) {
	var mu sync.Mutex
	var transfers []account.PaymentParams
	acct, err := account.Generate(account.WithPaymentMaker(account.NetworkSolana,
		account.PaymentMakerFunc(func(_ context.Context, _ solana.PublicKey, p account.PaymentParams) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			transfers = append(transfers, p)
			return "tx-1", nil
		})))
	require.NoError(t, err)
	pub := ed25519.PublicKey(acct.PublicKey().Bytes())

	as := startAuthServer(t, mock.OAuthServerConfig{
		ConnectionToken: testConnectionToken,
		AuthorizeVerifier: func(r *http.Request, _ string) (string, error) {
			claims, err := account.VerifyToken(mock.ExtractBearerToken(r.Header.Get("Authorization")), pub)
			if err != nil {
				return "", err
			}
			return claims.Subject, nil
		},
	})
	dest := solana.NewWallet().PublicKey().String()

	mw, err := NewMiddleware(newResourceClient(t), MiddlewareConfig{
		AuthorizationServer: as.GetIssuerURL(),
		Payment: &PaymentConfig{
			Server:       NewPaymentServer(as.GetIssuerURL(), testConnectionToken),
			Currency:     "USDC",
			Network:      account.NetworkSolana,
			Destination:  dest,
			ResourceName: "Forecast",
		},
	})
	require.NoError(t, err)

	var calls int
	mux := http.NewServeMux()
	mux.Handle("/", mw.Wrap(paidForecast("0.05", &calls)))
	rs := httptest.NewServer(mux)
	t.Cleanup(rs.Close)

	clientStore := store.NewMemoryStore()
	t.Cleanup(func() { _ = clientStore.Close() })

	var events []payment.Event
	fetcher, err := payment.NewFetcher(oauthclient.NewClient(clientStore),
		[]account.PaymentCapability{acct},
		payment.WithAllowedAuthorizationServers(as.GetIssuerURL()),
		payment.WithHooks(payment.Hooks{
			OnAuthorize: func(e payment.Event) { events = append(events, e) },
			OnPayment:   func(e payment.Event) { events = append(events, e) },
		}),
	)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, rs.URL+"/mcp",
		bytes.NewReader(mock.CallToolBody(1, "forecast")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := fetcher.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sunny", mock.ToolText(body))
	assert.Equal(t, 2, calls)

	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Amount.Equal(d("0.05")))
	assert.Equal(t, "USDC", transfers[0].Currency)
	assert.Equal(t, dest, transfers[0].Destination)
	assert.Equal(t, "Forecast", transfers[0].ResourceName)

	charges := as.Charges()
	require.Len(t, charges, 2)
	assert.False(t, charges[0].Succeeded)
	assert.True(t, charges[1].Succeeded)
	assert.Equal(t, acct.AccountID(), charges[1].Source)

	require.Len(t, events, 2)
	assert.Equal(t, payment.EventAuthorize, events[0].Type)
	assert.Equal(t, payment.EventPaymentSuccess, events[1].Type)
	assert.Equal(t, "tx-1", events[1].PaymentID)
}
