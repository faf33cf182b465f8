package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrDiscovery is returned when no authorization server can be found for a resource.
	ErrDiscovery = errors.New("authorization server discovery failed")

	// ErrRegistration is returned when dynamic client registration is impossible or rejected.
	ErrRegistration = errors.New("client registration failed")

	// ErrUnknownState is returned by HandleCallback when the state matches no pending authorization.
	ErrUnknownState = errors.New("no pending authorization for state")

	// ErrProtectedResourceMetadataURL is returned when a protected-resource
	// metadata URL is passed where an authorization server URL is expected.
	ErrProtectedResourceMetadataURL = errors.New("URL is a protected resource metadata document, not an authorization server")

	// ErrNoInboundToken is returned when a token hand-off is requested without an inbound token.
	ErrNoInboundToken = errors.New("no inbound token to exchange")

	// ErrNoTokenExchanger is returned when a token hand-off is requested but no exchanger is configured.
	ErrNoTokenExchanger = errors.New("no token exchanger configured")
)

// AuthenticationRequiredError is returned by Client.Do when a resource still
// answers 401 after any refresh attempt. The caller must run an authorization
// flow for ResourceServerURL and retry.
type AuthenticationRequiredError struct {
	URL               string
	ResourceServerURL string

	// IdempotencyKey identifies this (url, resource, token) attempt so that a
	// caller can collapse duplicate authorization prompts.
	IdempotencyKey string
}

func (e *AuthenticationRequiredError) Error() string {
	if e.ResourceServerURL == "" {
		return fmt.Sprintf("authentication required for %s", e.URL)
	}
	return fmt.Sprintf("authentication required for %s (resource %s)", e.URL, e.ResourceServerURL)
}

// AuthorizationError is an error reported by the authorization server on the callback.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authorization failed: %s", e.Code)
	}
	return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
}
