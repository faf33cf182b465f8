// Package server protects an MCP endpoint with PayMCP bearer tokens.
//
// The Middleware names each request's operation (GetOperation), prices it
// (Price, ChargeForOperation) and introspects the bearer token against the
// authorization server with the price attached as the charge parameter.
// Authenticated requests carry a RequestContext that handlers read through
// UserFromContext, extend with OnFinish, and bill with RequirePayment.
//
// # Endpoints
//
// HTTPServer mounts:
//
//   - /health - unauthenticated health check
//   - /.well-known/oauth-protected-resource{path} - Protected Resource Metadata (RFC 9728)
//   - {path} - the MCP handler behind the Middleware (default /mcp)
//
// # Challenges
//
// A request without a bearer token gets
//
//	401 WWW-Authenticate: Bearer resource_metadata="https://host/.well-known/oauth-protected-resource/mcp"
//
// An inactive token gets the same challenge with error="invalid_token".
// Introspection failures are answered with a 500 whose body carries no detail.
package server
