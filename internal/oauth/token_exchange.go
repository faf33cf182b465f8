package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-oauth/providers/oidc"

	"github.com/paymcp/paymcp/pkg/logging"
)

// TokenExchanger trades a subject token for a token accepted by another
// resource (RFC 8693). It is how a server that was called with a bearer
// token calls further protected resources on the same user's behalf.
type TokenExchanger interface {
	Exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResult, error)
}

// cacheClearer is implemented by exchangers that cache results, such as
// OIDCExchanger.
type cacheClearer interface {
	ClearCache(tokenEndpoint, userID, resource string)
}

// ExchangeRequest contains the parameters for a token exchange operation.
type ExchangeRequest struct {
	// TokenEndpoint is the token endpoint of the downstream authorization server.
	TokenEndpoint string

	// SubjectToken is the inbound token to exchange.
	SubjectToken string

	// SubjectTokenType defaults to an access token.
	SubjectTokenType string

	// UserID scopes the cache entry. It must come from a validated token,
	// never from user input.
	UserID string

	// Resource is the downstream resource the token is for.
	Resource string

	// ClientID and ClientSecret authenticate the registered client, if any.
	ClientID     string
	ClientSecret string
}

// ExchangeResult contains the result of a successful token exchange.
type ExchangeResult struct {
	AccessToken     string
	IssuedTokenType string
	ExpiresIn       int

	// FromCache indicates whether the token was served from cache.
	FromCache bool
}

// OIDCExchangerOptions configures NewOIDCExchanger.
type OIDCExchangerOptions struct {
	Logger *slog.Logger

	// ConnectorID is passed to identity providers (such as Dex) that select
	// an upstream connector for the exchange.
	ConnectorID string

	// Scopes requested for the exchanged token.
	Scopes string

	// AllowPrivateIP allows token endpoints to resolve to private IP addresses.
	// WARNING: Reduces SSRF protection. Only enable for internal/VPN deployments.
	AllowPrivateIP bool

	// CacheMaxEntries is the maximum number of cached tokens (0 = library default).
	CacheMaxEntries int

	HTTPClient *http.Client
}

// OIDCExchanger implements TokenExchanger with the mcp-oauth OIDC token
// exchange client and caches exchanged tokens until they expire.
//
// Thread-safe: Yes, the underlying TokenExchangeClient and cache are thread-safe.
type OIDCExchanger struct {
	client      *oidc.TokenExchangeClient
	cache       *oidc.TokenExchangeCache
	logger      *slog.Logger
	connectorID string
	scopes      string
}

var _ TokenExchanger = (*OIDCExchanger)(nil)

// NewOIDCExchanger creates an OIDCExchanger.
func NewOIDCExchanger(opts OIDCExchangerOptions) *OIDCExchanger {
	logger := logging.Subsystem(opts.Logger, "token-exchange")

	client := oidc.NewTokenExchangeClientWithOptions(oidc.TokenExchangeClientOptions{
		Logger:         logger,
		AllowPrivateIP: opts.AllowPrivateIP,
		HTTPClient:     opts.HTTPClient,
	})

	maxEntries := opts.CacheMaxEntries
	if maxEntries <= 0 {
		maxEntries = oidc.DefaultCacheMaxEntries
	}

	if opts.AllowPrivateIP {
		logger.Warn("Token exchanger created with AllowPrivateIP=true, SSRF protection is reduced")
	}

	return &OIDCExchanger{
		client:      client,
		cache:       oidc.NewTokenExchangeCacheWithMaxEntries(maxEntries),
		logger:      logger,
		connectorID: opts.ConnectorID,
		scopes:      opts.Scopes,
	}
}

// validateExchangeRequest validates the exchange request and returns an error if invalid.
func validateExchangeRequest(req *ExchangeRequest) error {
	if req == nil {
		return fmt.Errorf("exchange request is nil")
	}
	if req.SubjectToken == "" {
		return fmt.Errorf("subject token is required")
	}
	if req.TokenEndpoint == "" {
		return fmt.Errorf("token endpoint is required")
	}
	// The mcp-oauth client enforces this too; checking here gives a clearer error.
	if !strings.HasPrefix(req.TokenEndpoint, "https://") {
		return fmt.Errorf("token endpoint must use HTTPS (got: %s)", req.TokenEndpoint)
	}
	if req.UserID == "" {
		return fmt.Errorf("user ID is required for cache key generation")
	}
	return nil
}

func (e *OIDCExchanger) cacheKey(req *ExchangeRequest) string {
	return oidc.GenerateCacheKey(req.TokenEndpoint, e.connectorID, req.UserID+"|"+req.Resource)
}

// Exchange exchanges req.SubjectToken at req.TokenEndpoint, serving
// unexpired results from cache.
func (e *OIDCExchanger) Exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResult, error) {
	if err := validateExchangeRequest(req); err != nil {
		return nil, err
	}

	key := e.cacheKey(req)
	if cached := e.cache.Get(key); cached != nil {
		e.logger.Debug("Token exchange cache hit",
			"user", logging.TruncateID(req.UserID, 8),
			"endpoint", req.TokenEndpoint)
		return &ExchangeResult{
			AccessToken:     cached.AccessToken,
			IssuedTokenType: cached.IssuedTokenType,
			FromCache:       true,
		}, nil
	}

	tokenType := req.SubjectTokenType
	if tokenType == "" {
		tokenType = oidc.TokenTypeAccessToken
	}

	resp, err := e.client.Exchange(ctx, oidc.TokenExchangeRequest{
		TokenEndpoint:      req.TokenEndpoint,
		SubjectToken:       req.SubjectToken,
		SubjectTokenType:   tokenType,
		ConnectorID:        e.connectorID,
		Scope:              e.scopes,
		RequestedTokenType: oidc.TokenTypeAccessToken,
		ClientID:           req.ClientID,
		ClientSecret:       req.ClientSecret,
	})
	if err != nil {
		e.logger.Warn("Token exchange failed",
			"user", logging.TruncateID(req.UserID, 8),
			"endpoint", req.TokenEndpoint,
			"error", err)
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	if resp.ExpiresIn > 0 {
		e.cache.Set(key, resp.AccessToken, resp.IssuedTokenType, resp.ExpiresIn)
	}

	e.logger.Info("Exchanged token",
		"user", logging.TruncateID(req.UserID, 8),
		"endpoint", req.TokenEndpoint)

	return &ExchangeResult{
		AccessToken:     resp.AccessToken,
		IssuedTokenType: resp.IssuedTokenType,
		ExpiresIn:       resp.ExpiresIn,
	}, nil
}

// ClearCache removes the cached token for a user and resource.
func (e *OIDCExchanger) ClearCache(tokenEndpoint, userID, resource string) {
	e.cache.Delete(e.cacheKey(&ExchangeRequest{TokenEndpoint: tokenEndpoint, UserID: userID, Resource: resource}))
}

// Cleanup removes expired tokens from the cache.
// This should be called periodically for long-running services.
func (e *OIDCExchanger) Cleanup() int {
	return e.cache.Cleanup()
}
