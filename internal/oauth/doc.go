// Package oauth implements the stateful OAuth 2.1 client used against
// protected MCP resources.
//
// ResourceClient is the narrow capability a resource server needs: it
// resolves the authorization server for a resource (protected-resource
// metadata first, then the legacy RFC 8414 document when allowed),
// registers itself dynamically, and introspects tokens. Client credentials
// that an authorization server stops accepting are re-registered once.
//
// Client builds on ResourceClient for request-making callers. Client.Do
// attaches the token stored for the exact request URL and turns an
// unrecoverable 401 into *AuthenticationRequiredError. MakeAuthorizationURL
// and HandleCallback drive the authorization code + PKCE flow through
// golang.org/x/oauth2, and TryRefreshToken performs refresh grants.
//
// All state lives in a store.CredentialStore and is scoped to a user. The
// user is taken from the request context (WithUser) and defaults to
// DefaultUserID.
package oauth
