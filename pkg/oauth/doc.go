// Package oauth provides the OAuth 2.1 protocol types and stateless helpers
// shared by the paymcp client and server.
//
// # Core Components
//
//   - Metadata: authorization server metadata (RFC 8414)
//   - ProtectedResourceMetadata: resource discovery document (RFC 9728)
//   - AuthChallenge: parsed WWW-Authenticate header information
//   - PKCE: Proof Key for Code Exchange generation (RFC 7636)
//   - ClientCredentials, PKCEValues, AccessToken: the records a CredentialStore persists
//   - Client: discovery, dynamic client registration (RFC 7591), introspection (RFC 7662)
//
// # Resource URLs
//
// Access tokens are keyed by the exact resource URL with query and fragment
// removed (NormalizeResourceURL). A 401 names its resource either through
// `Bearer resource_metadata="..."` or, for older servers, a bare URL;
// ResourceServerURL resolves both.
package oauth
