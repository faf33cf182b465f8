// Package store defines the credential persistence contract used by the OAuth
// client and ships two implementations: an in-memory store and a SQL store
// backed by sqlite3 or PostgreSQL.
package store

import (
	"context"
	"errors"

	"github.com/paymcp/paymcp/pkg/oauth"
)

// InboundResourceKey is the resource key under which a caller's own inbound
// bearer token is kept so it can be exchanged for downstream tokens.
const InboundResourceKey = ""

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// CredentialStore persists OAuth client state. Load methods return (nil, nil)
// when nothing is stored. Implementations must be safe for concurrent use;
// concurrent writes to the same key are last-writer-wins.
type CredentialStore interface {
	// LoadClientCredentials returns the registered client for an issuer.
	LoadClientCredentials(ctx context.Context, issuer string) (*oauth.ClientCredentials, error)
	// SaveClientCredentials stores or replaces the registered client for an issuer.
	SaveClientCredentials(ctx context.Context, issuer string, creds *oauth.ClientCredentials) error

	LoadPKCEValues(ctx context.Context, userID, state string) (*oauth.PKCEValues, error)
	SavePKCEValues(ctx context.Context, userID, state string, values *oauth.PKCEValues) error
	DeletePKCEValues(ctx context.Context, userID, state string) error

	// LoadAccessToken returns the token stored for exactly resourceURL.
	// Ancestor paths are never consulted.
	LoadAccessToken(ctx context.Context, userID, resourceURL string) (*oauth.AccessToken, error)
	SaveAccessToken(ctx context.Context, userID, resourceURL string, token *oauth.AccessToken) error

	Close() error
}

// TokenRecord is a stored access token with its key, used for listing.
type TokenRecord struct {
	UserID      string
	ResourceURL string
	Token       *oauth.AccessToken
}

// Lister is implemented by stores that can enumerate their access tokens.
type Lister interface {
	ListAccessTokens(ctx context.Context) ([]TokenRecord, error)
}
