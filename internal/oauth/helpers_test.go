package oauth

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paymcp/paymcp/internal/store"
	"github.com/paymcp/paymcp/internal/testing/mock"
)

type fixture struct {
	as    *mock.OAuthServer
	rs    *mock.ProtectedMCPServer
	store *store.MemoryStore
}

func newFixture(t *testing.T, asConfig mock.OAuthServerConfig, rsConfig mock.ProtectedMCPServerConfig) *fixture {
	t.Helper()
	ctx := context.Background()

	as := mock.NewOAuthServer(asConfig)
	_, err := as.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = as.Stop(context.Background()) })

	rsConfig.OAuthServer = as
	if len(rsConfig.Tools) == 0 {
		rsConfig.Tools = []mock.ToolConfig{{Name: "echo", Result: "hello"}}
	}
	rs := mock.NewProtectedMCPServer(rsConfig)
	_, err = rs.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Stop(context.Background()) })

	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	return &fixture{as: as, rs: rs, store: s}
}

// authorize follows an authorization URL without a browser and returns the
// callback URL the server redirected to.
func authorize(t *testing.T, authURL string) string {
	t.Helper()
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	return resp.Header.Get("Location")
}
