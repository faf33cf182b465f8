package oauth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/paymcp/paymcp/pkg/logging"
	"github.com/paymcp/paymcp/pkg/oauth"
)

const (
	// DefaultUserID is the user that owns credentials when none is bound.
	DefaultUserID = "local"

	// DefaultRedirectURI is registered for clients that complete the
	// authorization flow programmatically rather than in a browser.
	DefaultRedirectURI = "http://localhost:3000/callback"

	// DefaultClientName is sent as client_name during registration.
	DefaultClientName = "paymcp"
)

type options struct {
	httpClient   *http.Client
	logger       *slog.Logger
	discovery    *oauth.Client
	strict       bool
	redirectURI  string
	clientName   string
	confidential bool
	userID       string
	exchanger    TokenExchanger
}

func defaultOptions() *options {
	return &options{
		httpClient:  &http.Client{Timeout: oauth.DefaultHTTPTimeout},
		logger:      logging.Discard(),
		redirectURI: DefaultRedirectURI,
		clientName:  DefaultClientName,
		userID:      DefaultUserID,
	}
}

// Option configures a ResourceClient or Client.
type Option func(*options)

// WithHTTPClient sets the HTTP client used for resource and OAuth requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) {
		if httpClient != nil {
			o.httpClient = httpClient
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStrict disables the legacy authorization-server metadata fallback
// for resources that publish no protected-resource metadata.
func WithStrict(strict bool) Option {
	return func(o *options) {
		o.strict = strict
	}
}

// WithRedirectURI sets the redirect URI registered with authorization servers.
func WithRedirectURI(uri string) Option {
	return func(o *options) {
		o.redirectURI = uri
	}
}

// WithClientName sets the client_name sent during registration.
func WithClientName(name string) Option {
	return func(o *options) {
		o.clientName = name
	}
}

// WithConfidentialClient registers clients with a secret (client_secret_post)
// instead of as public clients.
func WithConfidentialClient(confidential bool) Option {
	return func(o *options) {
		o.confidential = confidential
	}
}

// WithDiscoveryClient shares a metadata discovery client (and its cache).
func WithDiscoveryClient(c *oauth.Client) Option {
	return func(o *options) {
		o.discovery = c
	}
}

// WithUserID sets the user that owns stored credentials when the request
// context carries none.
func WithUserID(userID string) Option {
	return func(o *options) {
		o.userID = userID
	}
}

// WithTokenExchanger enables hand-off of the inbound token to downstream resources.
func WithTokenExchanger(e TokenExchanger) Option {
	return func(o *options) {
		o.exchanger = e
	}
}

func (o *options) discoveryClient() *oauth.Client {
	if o.discovery != nil {
		return o.discovery
	}
	return oauth.NewClient(
		oauth.WithHTTPClient(o.httpClient),
		oauth.WithLogger(o.logger),
		oauth.WithMetadataCacheTTL(oauth.DefaultMetadataCacheTTL),
	)
}

type userKey struct{}

// WithUser binds userID to ctx. Credentials loaded and saved under ctx are
// scoped to that user.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the user bound by WithUser.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userKey{}).(string)
	return userID, ok && userID != ""
}
