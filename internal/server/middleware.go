package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	oauthclient "github.com/paymcp/paymcp/internal/oauth"
	"github.com/paymcp/paymcp/pkg/logging"
	"github.com/paymcp/paymcp/pkg/oauth"
)

// MiddlewareConfig configures a Middleware.
type MiddlewareConfig struct {
	// AuthorizationServer is the URL of the authorization server that
	// introspects tokens and is advertised in resource metadata.
	AuthorizationServer string

	// Price, when set, is resolved per operation and sent to introspection
	// as the charge parameter.
	Price Price

	// Payment is made available to RequirePayment. It may be nil.
	Payment *PaymentConfig

	// ResourceName is advertised in resource metadata.
	ResourceName string
}

// Middleware authenticates requests by introspecting their bearer token,
// charging each operation its price as part of the introspection.
type Middleware struct {
	config       MiddlewareConfig
	introspector oauthclient.Introspector
	logger       *slog.Logger
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MiddlewareOption {
	return func(m *Middleware) {
		m.logger = logging.Subsystem(logger, "middleware")
	}
}

// NewMiddleware creates a Middleware introspecting with introspector.
func NewMiddleware(introspector oauthclient.Introspector, cfg MiddlewareConfig, opts ...MiddlewareOption) (*Middleware, error) {
	if introspector == nil {
		return nil, errors.New("introspector is required")
	}
	if _, err := oauth.Origin(cfg.AuthorizationServer); err != nil {
		return nil, err
	}
	m := &Middleware{
		config:       cfg,
		introspector: introspector,
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CheckToken authenticates r. On success it returns the RequestContext to
// bind to the request. Otherwise it has already written an error response
// and returns false.
func (m *Middleware) CheckToken(w http.ResponseWriter, r *http.Request) (*RequestContext, bool) {
	ctx := r.Context()
	requestID := uuid.NewString()
	logger := m.logger.With("request_id", requestID)

	resourceURL := RequestResourceURL(r)
	metadataURL, err := oauth.ProtectedResourceMetadataURL(resourceURL)
	if err != nil {
		logger.Error("Failed to build resource metadata URL", "resource", resourceURL, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return nil, false
	}

	token := bearerToken(r)
	if token == "" {
		logger.Debug("Missing bearer token", "resource", resourceURL)
		w.Header().Set("WWW-Authenticate", oauth.BearerChallenge(metadataURL, "", ""))
		writeOAuthError(w, http.StatusUnauthorized, "unauthorized", "a bearer token is required")
		return nil, false
	}

	operation, err := GetOperation(r)
	if errors.Is(err, ErrBodyTooLarge) {
		logger.Debug("Request body too large", "resource", resourceURL, "limit", MaxOperationBodyBytes)
		writeOAuthError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
		return nil, false
	}
	if err != nil {
		logger.Debug("Failed to read request body", "resource", resourceURL, "error", err)
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return nil, false
	}
	var extra url.Values
	charge, err := ResolveCharge(ctx, m.config.Price, operation)
	if err != nil {
		logger.Error("Failed to resolve price", "operation", operation, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return nil, false
	}
	if m.config.Price != nil {
		extra = url.Values{"charge": {charge.String()}}
	}

	data, err := m.introspector.IntrospectToken(ctx, m.config.AuthorizationServer, token, extra)
	if err != nil {
		logger.Error("Token introspection failed",
			"authorization_server", m.config.AuthorizationServer,
			"operation", operation,
			"error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return nil, false
	}
	if !data.Active {
		logger.Debug("Inactive token", "resource", resourceURL, "operation", operation)
		w.Header().Set("WWW-Authenticate", oauth.BearerChallenge(metadataURL, "invalid_token", ""))
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "the access token is not active")
		return nil, false
	}

	logger.Debug("Request authenticated",
		"user", data.Sub,
		"operation", operation,
		"charge", charge.String())
	return &RequestContext{
		RequestID:           requestID,
		User:                data.Sub,
		Token:               token,
		ResourceURL:         resourceURL,
		Operation:           operation,
		Charge:              charge,
		AuthorizationServer: m.config.AuthorizationServer,
		Payment:             m.config.Payment,
	}, true
}

// Wrap protects next. Protected-resource metadata requests are answered
// directly. Callbacks registered with OnFinish run after next returns.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	metadata := m.MetadataHandler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, oauth.ProtectedResourceMetadataPath) {
			metadata.ServeHTTP(w, r)
			return
		}

		rc, ok := m.CheckToken(w, r)
		if !ok {
			return
		}
		ctx := WithRequestContext(r.Context(), rc)
		defer rc.finish(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Run calls fn with rc bound to ctx and then runs the OnFinish callbacks.
func Run(ctx context.Context, rc *RequestContext, fn func(ctx context.Context)) {
	ctx = WithRequestContext(ctx, rc)
	defer rc.finish(ctx)
	fn(ctx)
}

// MetadataHandler serves the RFC 9728 protected-resource metadata for the
// resource named by the request path.
func (m *Middleware) MetadataHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeOAuthError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
			return
		}
		resource := oauth.ResourceURLFromMetadataURL(RequestResourceURL(r))
		writeJSON(w, http.StatusOK, oauth.ProtectedResourceMetadata{
			Resource:               resource,
			AuthorizationServers:   []string{m.config.AuthorizationServer},
			BearerMethodsSupported: []string{"header"},
			ResourceName:           m.config.ResourceName,
		})
	})
}

// RequestResourceURL reconstructs the URL the caller used for r, honouring
// X-Forwarded-Proto and X-Forwarded-Host.
func RequestResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + r.URL.EscapedPath()
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}
