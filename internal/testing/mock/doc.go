// Package mock provides in-process servers for exercising the client and
// middleware end to end.
//
// OAuthServer is an OAuth 2.1 authorization server with dynamic client
// registration, PKCE authorization codes, refresh and token-exchange grants,
// RFC 7662 introspection, and the payment-request endpoints
// (GET/PUT /payment-request/{id}, POST /payment-request, POST /charge).
// Counters such as RegisterCalls and TokenCalls let tests assert retry bounds.
//
// ProtectedMCPServer is an MCP tools server behind bearer-token validation.
// It serves protected-resource metadata, answers 401 with either an RFC 9728
// challenge or a bare resource URL, and can gate tools on a payment request,
// reporting it as tool-error text or as a JSON-RPC elicitation error.
//
// Both servers listen on 127.0.0.1 with a random port:
//
//	as := mock.NewOAuthServer(mock.OAuthServerConfig{})
//	_, _ = as.Start(ctx)
//	defer as.Stop(ctx)
//
//	rs := mock.NewProtectedMCPServer(mock.ProtectedMCPServerConfig{
//		OAuthServer: as,
//		Tools:       []mock.ToolConfig{{Name: "echo", Result: "ok"}},
//	})
//	_, _ = rs.Start(ctx)
//	defer rs.Stop(ctx)
package mock
