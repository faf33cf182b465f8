package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/paymcp/paymcp/internal/store"
	"github.com/paymcp/paymcp/pkg/logging"
	"github.com/paymcp/paymcp/pkg/oauth"
)

// AuthorizationServerResolver finds the authorization server guarding a resource.
type AuthorizationServerResolver interface {
	GetAuthorizationServer(ctx context.Context, resourceServerURL string) (*oauth.Metadata, error)
}

// Introspector validates bearer tokens against an authorization server.
type Introspector interface {
	IntrospectToken(ctx context.Context, authServerURL, token string, extra url.Values) (*oauth.TokenData, error)
}

// ResourceClient is the narrow OAuth capability a resource server needs:
// discovery, dynamic registration and introspection. Registered client
// credentials are persisted per issuer in the credential store.
type ResourceClient struct {
	store        store.CredentialStore
	discovery    *oauth.Client
	httpClient   *http.Client
	logger       *slog.Logger
	strict       bool
	redirectURI  string
	clientName   string
	confidential bool
}

var (
	_ AuthorizationServerResolver = (*ResourceClient)(nil)
	_ Introspector                = (*ResourceClient)(nil)
)

// NewResourceClient creates a ResourceClient persisting into s.
func NewResourceClient(s store.CredentialStore, opts ...Option) *ResourceClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newResourceClient(s, o)
}

func newResourceClient(s store.CredentialStore, o *options) *ResourceClient {
	return &ResourceClient{
		store:        s,
		discovery:    o.discoveryClient(),
		httpClient:   o.httpClient,
		logger:       logging.Subsystem(o.logger, "oauth"),
		strict:       o.strict,
		redirectURI:  o.redirectURI,
		clientName:   o.clientName,
		confidential: o.confidential,
	}
}

// AuthorizationServerFromURL discovers authorization server metadata at
// authServerURL, trying RFC 8414 and then OpenID Connect discovery.
func (c *ResourceClient) AuthorizationServerFromURL(ctx context.Context, authServerURL string) (*oauth.Metadata, error) {
	if oauth.IsProtectedResourceMetadataURL(authServerURL) {
		return nil, fmt.Errorf("%w: %s", ErrProtectedResourceMetadataURL, authServerURL)
	}
	md, err := c.discovery.DiscoverMetadata(ctx, authServerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	return md, nil
}

// GetAuthorizationServer resolves the authorization server for a resource.
// Protected-resource metadata is consulted first and its first listed
// authorization server wins. When the resource publishes no metadata (404)
// and the client is not strict, the resource origin's own RFC 8414 document
// is used instead.
func (c *ResourceClient) GetAuthorizationServer(ctx context.Context, resourceServerURL string) (*oauth.Metadata, error) {
	prm, err := c.discovery.FetchProtectedResourceMetadata(ctx, resourceServerURL)
	switch {
	case err == nil:
		if len(prm.AuthorizationServers) == 0 {
			return nil, fmt.Errorf("%w: protected resource metadata for %s lists no authorization servers",
				ErrDiscovery, resourceServerURL)
		}
		return c.AuthorizationServerFromURL(ctx, prm.AuthorizationServers[0])

	case oauth.HasStatus(err, http.StatusNotFound) && !c.strict:
		origin, originErr := oauth.Origin(resourceServerURL)
		if originErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrDiscovery, originErr)
		}
		c.logger.Debug("No protected resource metadata, falling back to legacy discovery",
			"resource", resourceServerURL)
		md, mdErr := c.discovery.FetchMetadata(ctx, origin+oauth.AuthorizationServerMetadataPath)
		if mdErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrDiscovery, mdErr)
		}
		return md, nil

	default:
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
}

// ClientCredentials returns the stored client for the authorization server,
// registering one first if none exists.
func (c *ResourceClient) ClientCredentials(ctx context.Context, md *oauth.Metadata) (*oauth.ClientCredentials, error) {
	creds, err := c.store.LoadClientCredentials(ctx, md.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to load client credentials: %w", err)
	}
	if creds != nil {
		return creds, nil
	}
	return c.RegisterClient(ctx, md)
}

// RegisterClient performs dynamic client registration and stores the result,
// replacing any previous client for the issuer.
func (c *ResourceClient) RegisterClient(ctx context.Context, md *oauth.Metadata) (*oauth.ClientCredentials, error) {
	if md.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("%w: %s has no registration endpoint", ErrRegistration, md.Issuer)
	}

	metadata := &oauth.ClientMetadata{
		ClientName:              c.clientName,
		RedirectURIs:            []string{c.redirectURI},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
	}
	if c.confidential {
		metadata.TokenEndpointAuthMethod = "client_secret_post"
		metadata.GrantTypes = append(metadata.GrantTypes, "client_credentials")
	}

	reg, err := c.discovery.Register(ctx, md.RegistrationEndpoint, metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	creds := &oauth.ClientCredentials{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURI:  c.redirectURI,
	}
	if err := c.store.SaveClientCredentials(ctx, md.Issuer, creds); err != nil {
		return nil, fmt.Errorf("failed to save client credentials: %w", err)
	}

	c.logger.Info("Registered OAuth client",
		"issuer", md.Issuer,
		"client_id", logging.TruncateID(reg.ClientID, 8),
		"public", creds.IsPublic())
	return creds, nil
}

// IntrospectToken introspects token at the authorization server. extra is
// sent with the token, e.g. a charge. Credentials rejected with 401 or 403
// are considered stale: the client re-registers once and retries once.
func (c *ResourceClient) IntrospectToken(ctx context.Context, authServerURL, token string, extra url.Values) (*oauth.TokenData, error) {
	md, err := c.AuthorizationServerFromURL(ctx, authServerURL)
	if err != nil {
		return nil, err
	}
	if md.IntrospectionEndpoint == "" {
		return nil, fmt.Errorf("%w: %s has no introspection endpoint", ErrDiscovery, md.Issuer)
	}

	creds, err := c.ClientCredentials(ctx, md)
	if err != nil {
		return nil, err
	}

	data, err := c.discovery.Introspect(ctx, md.IntrospectionEndpoint, creds, token, extra)
	if !oauth.HasStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
		return data, err
	}

	c.logger.Warn("Introspection rejected client credentials, re-registering",
		"issuer", md.Issuer)
	creds, err = c.RegisterClient(ctx, md)
	if err != nil {
		return nil, err
	}
	return c.discovery.Introspect(ctx, md.IntrospectionEndpoint, creds, token, extra)
}

// isStaleClient reports whether err says the client credentials were rejected.
func isStaleClient(err error) bool {
	if oauth.HasStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		return code == http.StatusUnauthorized || code == http.StatusForbidden
	}
	return false
}
