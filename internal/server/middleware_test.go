package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauthclient "github.com/paymcp/paymcp/internal/oauth"
	"github.com/paymcp/paymcp/internal/store"
	"github.com/paymcp/paymcp/internal/testing/mock"
	"github.com/paymcp/paymcp/pkg/oauth"
)

func startAuthServer(t *testing.T, cfg mock.OAuthServerConfig) *mock.OAuthServer {
	t.Helper()
	as := mock.NewOAuthServer(cfg)
	_, err := as.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = as.Stop(context.Background()) })
	return as
}

func newResourceClient(t *testing.T) *oauthclient.ResourceClient {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return oauthclient.NewResourceClient(s, oauthclient.WithConfidentialClient(true))
}

func toolCall(t *testing.T, target, tool, token string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(mock.CallToolBody(1, tool)))
	r.Header.Set("Content-Type", "application/json")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

type staticIntrospector struct {
	data  *oauth.TokenData
	err   error
	extra url.Values
}

func (s *staticIntrospector) IntrospectToken(_ context.Context, _, _ string, extra url.Values) (*oauth.TokenData, error) {
	s.extra = extra
	return s.data, s.err
}

func TestNewMiddleware(t *testing.T) {
	_, err := NewMiddleware(nil, MiddlewareConfig{AuthorizationServer: "https://auth.example.com"})
	assert.Error(t, err)

	_, err = NewMiddleware(&staticIntrospector{}, MiddlewareConfig{AuthorizationServer: "not a url"})
	assert.Error(t, err)

	_, err = NewMiddleware(&staticIntrospector{}, MiddlewareConfig{AuthorizationServer: "https://auth.example.com"})
	assert.NoError(t, err)
}

func TestMiddleware_MissingToken(t *testing.T) {
	m, err := NewMiddleware(&staticIntrospector{}, MiddlewareConfig{AuthorizationServer: "https://auth.example.com"})
	require.NoError(t, err)

	called := false
	h := m.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	t.Run("direct", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, toolCall(t, "http://api.example.com/mcp", "echo", ""))

		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t,
			`Bearer resource_metadata="http://api.example.com/.well-known/oauth-protected-resource/mcp"`,
			rec.Header().Get("WWW-Authenticate"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "unauthorized", body["error"])
		assert.NotEmpty(t, body["error_description"])
	})

	t.Run("behind a proxy", func(t *testing.T) {
		r := toolCall(t, "http://10.0.0.5:8080/tenant/mcp", "echo", "")
		r.Header.Set("X-Forwarded-Proto", "https")
		r.Header.Set("X-Forwarded-Host", "api.example.com, proxy.internal")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		challenge, err := oauth.ParseWWWAuthenticate(rec.Header().Get("WWW-Authenticate"))
		require.NoError(t, err)
		assert.Equal(t, "https://api.example.com/.well-known/oauth-protected-resource/tenant/mcp", challenge.ResourceMetadataURL)
	})
}

func TestMiddleware_InactiveToken(t *testing.T) {
	as := startAuthServer(t, mock.OAuthServerConfig{})
	m, err := NewMiddleware(newResourceClient(t), MiddlewareConfig{AuthorizationServer: as.GetIssuerURL()})
	require.NoError(t, err)

	h := m.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, toolCall(t, "http://api.example.com/mcp", "echo", "unknown-token"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge, err := oauth.ParseWWWAuthenticate(rec.Header().Get("WWW-Authenticate"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_token", challenge.Error)
	assert.Contains(t, rec.Body.String(), `"invalid_token"`)

	// no price configured, so no charge is sent
	require.Len(t, as.Introspections(), 1)
	assert.False(t, as.Introspections()[0].Has("charge"))
}

func TestMiddleware_IntrospectionFailureIsOpaque(t *testing.T) {
	m, err := NewMiddleware(&staticIntrospector{err: errors.New("dial tcp 10.1.2.3:443: connection refused")},
		MiddlewareConfig{AuthorizationServer: "https://auth.example.com"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.Wrap(http.NotFoundHandler()).ServeHTTP(rec, toolCall(t, "http://api.example.com/mcp", "echo", "tok"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.1.2.3")
	assert.JSONEq(t, `{"error":"server_error"}`, rec.Body.String())
}

func TestMiddleware_ChargesOperation(t *testing.T) {
	as := startAuthServer(t, mock.OAuthServerConfig{})
	token := as.IssueToken("alice").AccessToken

	m, err := NewMiddleware(newResourceClient(t), MiddlewareConfig{
		AuthorizationServer: as.GetIssuerURL(),
		Price:               PriceTable{"tools/call": d("0.03")},
	})
	require.NoError(t, err)

	var seen *RequestContext
	var finishedUser string
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, ok := RequestContextFrom(r.Context())
		require.True(t, ok)
		seen = rc

		require.NoError(t, OnFinish(r.Context(), func(ctx context.Context) {
			finishedUser, _ = UserFromContext(ctx)
		}))

		// the body is intact for the handler
		var msg map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "tools/call", msg["method"])
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, toolCall(t, "http://api.example.com/mcp", "premium", token))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.User)
	assert.Equal(t, token, seen.Token)
	assert.Equal(t, "tools/call:premium", seen.Operation)
	assert.Equal(t, "http://api.example.com/mcp", seen.ResourceURL)
	assert.True(t, seen.Charge.Equal(d("0.03")))
	assert.NotEmpty(t, seen.RequestID)
	assert.Equal(t, "alice", finishedUser)

	introspections := as.Introspections()
	require.Len(t, introspections, 1)
	assert.Equal(t, "0.03", introspections[0].Get("charge"))
	assert.Equal(t, token, introspections[0].Get("token"))
}

func TestMiddleware_ChargeSentWhenZero(t *testing.T) {
	in := &staticIntrospector{data: &oauth.TokenData{Active: true, Sub: "bob"}}
	m, err := NewMiddleware(in, MiddlewareConfig{
		AuthorizationServer: "https://auth.example.com",
		Price:               PriceTable{"tools/call": d("0.03")},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "http://api.example.com/mcp",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)))
	r.Header.Set("Authorization", "Bearer tok")
	m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", in.extra.Get("charge"))
}

func TestMiddleware_LargeBodies(t *testing.T) {
	upload := func(size int) []byte {
		prefix := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"upload","arguments":{"data":"`
		suffix := `"}}}`
		return []byte(prefix + strings.Repeat("a", size-len(prefix)-len(suffix)) + suffix)
	}
	newRequest := func(body []byte) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "http://api.example.com/mcp", bytes.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer tok")
		return r
	}

	t.Run("priced and passed through whole", func(t *testing.T) {
		in := &staticIntrospector{data: &oauth.TokenData{Active: true, Sub: "alice"}}
		m, err := NewMiddleware(in, MiddlewareConfig{
			AuthorizationServer: "https://auth.example.com",
			Price:               PriceTable{"tools/call:upload": d("0.25")},
		})
		require.NoError(t, err)

		payload := upload(2 << 20)
		var got []byte
		h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusNoContent)
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, newRequest(payload))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "0.25", in.extra.Get("charge"))
		assert.Equal(t, payload, got)
	})

	t.Run("over the limit is rejected", func(t *testing.T) {
		in := &staticIntrospector{data: &oauth.TokenData{Active: true, Sub: "alice"}}
		m, err := NewMiddleware(in, MiddlewareConfig{
			AuthorizationServer: "https://auth.example.com",
			Price:               PriceTable{"tools/call:upload": d("0.25")},
		})
		require.NoError(t, err)

		h := m.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler must not run")
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, newRequest(upload(MaxOperationBodyBytes+1024)))

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Nil(t, in.extra, "no introspection for an unpriced body")

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "invalid_request", body["error"])
	})
}

func TestMiddleware_Metadata(t *testing.T) {
	m, err := NewMiddleware(&staticIntrospector{}, MiddlewareConfig{
		AuthorizationServer: "https://auth.example.com",
		ResourceName:        "Weather",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/.well-known/oauth-protected-resource/mcp", nil)
	m.Wrap(http.NotFoundHandler()).ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var prm oauth.ProtectedResourceMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prm))
	assert.Equal(t, "http://api.example.com/mcp", prm.Resource)
	assert.Equal(t, []string{"https://auth.example.com"}, prm.AuthorizationServers)
	assert.Equal(t, "Weather", prm.ResourceName)

	rec = httptest.NewRecorder()
	m.MetadataHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://api.example.com/.well-known/oauth-protected-resource/mcp", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestOnFinish_WithoutRequestContext(t *testing.T) {
	err := OnFinish(context.Background(), func(context.Context) {})
	assert.ErrorIs(t, err, ErrNoRequestContext)
}

func TestRun(t *testing.T) {
	var order []string
	Run(context.Background(), &RequestContext{User: "carol"}, func(ctx context.Context) {
		require.NoError(t, OnFinish(ctx, func(ctx context.Context) {
			user, _ := UserFromContext(ctx)
			order = append(order, "first:"+user)
		}))
		require.NoError(t, OnFinish(ctx, func(context.Context) { order = append(order, "second") }))
		order = append(order, "handler")
	})
	assert.Equal(t, []string{"handler", "first:carol", "second"}, order)
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	_, ok := UserFromContext(ctx)
	assert.False(t, ok)
	_, ok = AccessTokenFromContext(ctx)
	assert.False(t, ok)

	ctx = WithRequestContext(ctx, &RequestContext{User: "dave", Token: "tok"})
	user, ok := UserFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "dave", user)
	token, ok := AccessTokenFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "tok", token)
}
