// Package payment settles PayMCP challenges on the client side.
//
// A Fetcher wraps an oauth.Client. When a resource answers 401 it authorizes
// by signing the PKCE code challenge with the configured payer, or by
// handing off the caller's inbound token when there is no payer. When a
// successful MCP response carries a payment request (a tool error starting
// with PaymentRequiredPreamble, or a JSON-RPC -32604/-30402 error with a url
// elicitation) from a trusted authorization server, it pays, finalizes the
// request and retries the call once.
package payment
