package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymcp/paymcp/pkg/logging"
	"github.com/paymcp/paymcp/pkg/oauth"
)

func TestNewHTTPServer_RequiresHTTPSAuthorizationServer(t *testing.T) {
	m, err := NewMiddleware(&staticIntrospector{}, MiddlewareConfig{AuthorizationServer: "http://auth.example.com"})
	require.NoError(t, err)

	_, err = NewHTTPServer(m, http.NotFoundHandler(), "", logging.Discard())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "HTTPS is required")
}

func TestNewHTTPServer_MissingHandler(t *testing.T) {
	m, err := NewMiddleware(&staticIntrospector{}, MiddlewareConfig{AuthorizationServer: "https://auth.example.com"})
	require.NoError(t, err)

	_, err = NewHTTPServer(m, nil, "", logging.Discard())
	assert.Error(t, err)
}

func TestValidateHTTPSRequirement(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{
			name:    "HTTPS URL is valid",
			baseURL: "https://auth.paymcp.com",
			wantErr: false,
		},
		{
			name:    "HTTP localhost is valid",
			baseURL: "http://localhost:8080",
			wantErr: false,
		},
		{
			name:    "HTTP 127.0.0.1 is valid",
			baseURL: "http://127.0.0.1:8080",
			wantErr: false,
		},
		{
			name:    "HTTP ::1 is valid",
			baseURL: "http://[::1]:8080",
			wantErr: false,
		},
		{
			name:    "HTTP on non-loopback is invalid",
			baseURL: "http://auth.example.com",
			wantErr: true,
		},
		{
			name:    "Empty URL is invalid",
			baseURL: "",
			wantErr: true,
		},
		{
			name:    "Invalid scheme is invalid",
			baseURL: "ftp://example.com",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHTTPSRequirement(tt.baseURL)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func newTestHTTPServer(t *testing.T, in *staticIntrospector) *HTTPServer {
	t.Helper()
	m, err := NewMiddleware(in, MiddlewareConfig{AuthorizationServer: "https://auth.example.com"})
	require.NoError(t, err)

	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"user": user})
	})
	s, err := NewHTTPServer(m, mcpHandler, "", logging.Discard())
	require.NoError(t, err)
	return s
}

func TestHTTPServer_CreateMux(t *testing.T) {
	s := newTestHTTPServer(t, &staticIntrospector{data: &oauth.TokenData{Active: true, Sub: "alice"}})
	mux := s.CreateMux()

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("resource metadata", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://api.example.com/.well-known/oauth-protected-resource/mcp", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var prm oauth.ProtectedResourceMetadata
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prm))
		assert.Equal(t, "http://api.example.com/mcp", prm.Resource)
	})

	t.Run("mcp without token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, toolCall(t, "http://api.example.com/mcp", "echo", ""))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("mcp with token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, toolCall(t, "http://api.example.com/mcp", "echo", "tok"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"user":"alice"}`, rec.Body.String())
	})
}

func TestHTTPServer_ServeStopsOnCancel(t *testing.T) {
	s := newTestHTTPServer(t, &staticIntrospector{})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, listener) }()

	healthURL := "http://" + listener.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
