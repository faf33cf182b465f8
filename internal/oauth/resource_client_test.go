package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymcp/paymcp/internal/store"
	"github.com/paymcp/paymcp/internal/testing/mock"
	"github.com/paymcp/paymcp/pkg/oauth"
)

func TestResourceClient_GetAuthorizationServer(t *testing.T) {
	ctx := context.Background()

	t.Run("protected resource metadata", func(t *testing.T) {
		f := newFixture(t, mock.OAuthServerConfig{}, mock.ProtectedMCPServerConfig{})
		c := NewResourceClient(f.store)

		md, err := c.GetAuthorizationServer(ctx, f.rs.Endpoint())
		require.NoError(t, err)
		assert.Equal(t, f.as.GetIssuerURL(), md.Issuer)
		assert.Equal(t, f.as.GetIssuerURL()+"/introspect", md.IntrospectionEndpoint)
	})

	// A resource with no metadata whose origin is itself the authorization server.
	legacy := httptest.NewServer(mock.NewOAuthServer(mock.OAuthServerConfig{}).Handler())
	defer legacy.Close()

	t.Run("legacy fallback on 404", func(t *testing.T) {
		c := NewResourceClient(store.NewMemoryStore())

		md, err := c.GetAuthorizationServer(ctx, legacy.URL+"/mcp")
		require.NoError(t, err)
		assert.Equal(t, legacy.URL+"/token", md.TokenEndpoint)
	})

	t.Run("strict mode refuses legacy fallback", func(t *testing.T) {
		c := NewResourceClient(store.NewMemoryStore(), WithStrict(true))

		_, err := c.GetAuthorizationServer(ctx, legacy.URL+"/mcp")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDiscovery)
		assert.True(t, oauth.HasStatus(err, http.StatusNotFound))
	})

	t.Run("empty authorization server list", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"resource": "x", "authorization_servers": []string{}})
		}))
		defer srv.Close()

		_, err := NewResourceClient(store.NewMemoryStore()).GetAuthorizationServer(ctx, srv.URL+"/mcp")
		assert.ErrorIs(t, err, ErrDiscovery)
	})
}

func TestResourceClient_AuthorizationServerFromURL_RejectsMetadataURL(t *testing.T) {
	c := NewResourceClient(store.NewMemoryStore())

	_, err := c.AuthorizationServerFromURL(context.Background(),
		"https://api.example.com/.well-known/oauth-protected-resource/mcp")
	assert.ErrorIs(t, err, ErrProtectedResourceMetadataURL)
}

func TestResourceClient_RegisterClient(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []oauth.ClientMetadata
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var md oauth.ClientMetadata
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&md))
		mu.Lock()
		seen = append(seen, md)
		mu.Unlock()

		resp := map[string]string{"client_id": "client-1"}
		if md.TokenEndpointAuthMethod != "none" {
			resp["client_secret"] = "secret-1"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	md := &oauth.Metadata{Issuer: "https://as.example.com", RegistrationEndpoint: srv.URL + "/register"}
	ctx := context.Background()

	t.Run("public client", func(t *testing.T) {
		s := store.NewMemoryStore()
		c := NewResourceClient(s, WithRedirectURI("http://localhost:9999/cb"))

		creds, err := c.RegisterClient(ctx, md)
		require.NoError(t, err)
		assert.True(t, creds.IsPublic())
		assert.Equal(t, "http://localhost:9999/cb", creds.RedirectURI)

		stored, err := s.LoadClientCredentials(ctx, md.Issuer)
		require.NoError(t, err)
		assert.Equal(t, creds, stored)

		mu.Lock()
		last := seen[len(seen)-1]
		mu.Unlock()
		assert.Equal(t, "none", last.TokenEndpointAuthMethod)
		assert.Equal(t, []string{"authorization_code", "refresh_token"}, last.GrantTypes)
	})

	t.Run("confidential client", func(t *testing.T) {
		c := NewResourceClient(store.NewMemoryStore(), WithConfidentialClient(true))

		creds, err := c.RegisterClient(ctx, md)
		require.NoError(t, err)
		assert.Equal(t, "secret-1", creds.ClientSecret)

		mu.Lock()
		last := seen[len(seen)-1]
		mu.Unlock()
		assert.Equal(t, "client_secret_post", last.TokenEndpointAuthMethod)
		assert.Contains(t, last.GrantTypes, "client_credentials")
	})

	t.Run("no registration endpoint", func(t *testing.T) {
		c := NewResourceClient(store.NewMemoryStore())
		_, err := c.RegisterClient(ctx, &oauth.Metadata{Issuer: "https://as.example.com"})
		assert.ErrorIs(t, err, ErrRegistration)
	})

	t.Run("credentials are reused", func(t *testing.T) {
		s := store.NewMemoryStore()
		require.NoError(t, s.SaveClientCredentials(ctx, md.Issuer, &oauth.ClientCredentials{ClientID: "existing"}))

		mu.Lock()
		before := len(seen)
		mu.Unlock()

		creds, err := NewResourceClient(s).ClientCredentials(ctx, md)
		require.NoError(t, err)
		assert.Equal(t, "existing", creds.ClientID)

		mu.Lock()
		assert.Equal(t, before, len(seen))
		mu.Unlock()
	})
}

func TestResourceClient_IntrospectToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.OAuthServerConfig{}, mock.ProtectedMCPServerConfig{})
	c := NewResourceClient(f.store, WithConfidentialClient(true))

	token := f.as.IssueToken("alice").AccessToken

	data, err := c.IntrospectToken(ctx, f.as.GetIssuerURL(), token, url.Values{"charge": {"0.03"}})
	require.NoError(t, err)
	assert.True(t, data.Active)
	assert.Equal(t, "alice", data.Sub)
	assert.Equal(t, 1, f.as.RegisterCalls())

	forms := f.as.Introspections()
	require.Len(t, forms, 1)
	assert.Equal(t, "0.03", forms[0].Get("charge"))

	t.Run("stale credentials are re-registered once", func(t *testing.T) {
		creds, err := f.store.LoadClientCredentials(ctx, f.as.GetIssuerURL())
		require.NoError(t, err)
		f.as.RevokeClient(creds.ClientID)

		data, err := c.IntrospectToken(ctx, f.as.GetIssuerURL(), token, nil)
		require.NoError(t, err)
		assert.True(t, data.Active)
		assert.Equal(t, 2, f.as.RegisterCalls())

		fresh, err := f.store.LoadClientCredentials(ctx, f.as.GetIssuerURL())
		require.NoError(t, err)
		assert.NotEqual(t, creds.ClientID, fresh.ClientID)
	})

	t.Run("unknown token is inactive", func(t *testing.T) {
		data, err := c.IntrospectToken(ctx, f.as.GetIssuerURL(), "nope", nil)
		require.NoError(t, err)
		assert.False(t, data.Active)
	})
}

func TestResourceClient_IntrospectToken_OtherStatusIsFatal(t *testing.T) {
	var registrations, introspections int
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-authorization-server":
			_ = json.NewEncoder(w).Encode(oauth.Metadata{
				Issuer:                srv.URL,
				RegistrationEndpoint:  srv.URL + "/register",
				IntrospectionEndpoint: srv.URL + "/introspect",
			})
		case "/register":
			registrations++
			_ = json.NewEncoder(w).Encode(map[string]string{"client_id": "c"})
		case "/introspect":
			introspections++
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	_, err := NewResourceClient(store.NewMemoryStore()).IntrospectToken(context.Background(), srv.URL, "tok", nil)
	require.Error(t, err)
	assert.True(t, oauth.HasStatus(err, http.StatusInternalServerError))
	assert.Equal(t, 1, registrations)
	assert.Equal(t, 1, introspections)
}
