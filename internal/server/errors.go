package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/paymcp/paymcp/internal/payment"
)

var (
	// ErrNoRequestContext is returned when a request-scoped call is made
	// outside a request handled by the middleware.
	ErrNoRequestContext = errors.New("no request context bound; is the middleware installed?")

	// ErrNoUser is returned by RequirePayment when no authenticated user is bound.
	ErrNoUser = errors.New("no authenticated user bound to request")

	// ErrNoPaymentServer is returned by RequirePayment when no payment server is configured.
	ErrNoPaymentServer = errors.New("no payment server configured")
)

// PaymentRequiredError is returned by RequirePayment when the caller must pay
// before the operation can proceed.
type PaymentRequiredError struct {
	// ID is the payment request ID.
	ID string
	// URL is where the payment request can be settled.
	URL string
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required: %s", e.URL)
}

// Message is the text shown to the caller.
func (e *PaymentRequiredError) Message() string {
	return payment.PaymentRequiredPreamble + e.URL
}

// ToolResult renders the error as an MCP tool error.
func (e *PaymentRequiredError) ToolResult() *mcp.CallToolResult {
	return mcp.NewToolResultError(e.Message())
}

// JSONRPCError renders the error as a JSON-RPC error object carrying a url
// elicitation.
func (e *PaymentRequiredError) JSONRPCError() map[string]any {
	return map[string]any{
		"code":    payment.PaymentRequiredCode,
		"message": e.Message(),
		"data": map[string]any{
			"elicitations": []map[string]string{{
				"mode":          "url",
				"url":           e.URL,
				"elicitationId": e.ID,
				"message":       e.Message(),
			}},
		},
	}
}

// WriteJSONRPC writes a JSON-RPC error response for request id.
func (e *PaymentRequiredError) WriteJSONRPC(w http.ResponseWriter, id json.RawMessage) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   e.JSONRPCError(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}
