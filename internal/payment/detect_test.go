package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaymentRequestURL(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantID     string
		wantURL    string
		wantServer string
	}{
		{
			name:       "bare url",
			in:         "https://auth.paymcp.com/payment-request/abc123",
			wantID:     "abc123",
			wantURL:    "https://auth.paymcp.com/payment-request/abc123",
			wantServer: "https://auth.paymcp.com",
		},
		{
			name:       "embedded in text",
			in:         "please visit https://auth.example.com:8443/payment-request/pr_1 thanks",
			wantID:     "pr_1",
			wantURL:    "https://auth.example.com:8443/payment-request/pr_1",
			wantServer: "https://auth.example.com:8443",
		},
		{
			name:       "url rebuilt on the server origin",
			in:         "https://auth.example.com/api/payment-request/abc",
			wantID:     "abc",
			wantURL:    "https://auth.example.com/payment-request/abc",
			wantServer: "https://auth.example.com",
		},
		{
			name:       "uuid id",
			in:         "http://127.0.0.1:9000/payment-request/0b9f2f9e-1f7c-4c55-9d5e-1e0b2c3d4e5f",
			wantID:     "0b9f2f9e-1f7c-4c55-9d5e-1e0b2c3d4e5f",
			wantURL:    "http://127.0.0.1:9000/payment-request/0b9f2f9e-1f7c-4c55-9d5e-1e0b2c3d4e5f",
			wantServer: "http://127.0.0.1:9000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := ParsePaymentRequestURL(tt.in)
			require.NotNil(t, pr)
			assert.Equal(t, tt.wantID, pr.ID)
			assert.Equal(t, tt.wantURL, pr.URL)
			assert.Equal(t, tt.wantServer, pr.AuthorizationServer)
		})
	}

	assert.Nil(t, ParsePaymentRequestURL("https://auth.paymcp.com/payments/abc"))
	assert.Nil(t, ParsePaymentRequestURL(""))
}

func TestDetectPaymentRequest(t *testing.T) {
	const prURL = "https://auth.paymcp.com/payment-request/pr1"

	toolError := `{"jsonrpc":"2.0","id":1,"result":{"isError":true,"content":[{"type":"text","text":"` +
		PaymentRequiredPreamble + prURL + `"}]}}`

	tests := []struct {
		name        string
		body        string
		contentType string
		wantID      string
	}{
		{
			name:        "tool error with preamble",
			body:        toolError,
			contentType: "application/json",
			wantID:      "pr1",
		},
		{
			name:        "tool error without preamble",
			body:        `{"jsonrpc":"2.0","id":1,"result":{"isError":true,"content":[{"type":"text","text":"pay at ` + prURL + `"}]}}`,
			contentType: "application/json",
		},
		{
			name:        "successful tool result",
			body:        `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"` + PaymentRequiredPreamble + prURL + `"}]}}`,
			contentType: "application/json",
		},
		{
			name:        "elicitation error",
			body:        `{"jsonrpc":"2.0","id":1,"error":{"code":-32604,"message":"x","data":{"elicitations":[{"mode":"url","url":"` + prURL + `"}]}}}`,
			contentType: "application/json",
			wantID:      "pr1",
		},
		{
			name:        "payment required error",
			body:        `{"jsonrpc":"2.0","id":1,"error":{"code":-30402,"message":"x","data":{"elicitations":[{"mode":"url","url":"` + prURL + `"}]}}}`,
			contentType: "application/json; charset=utf-8",
			wantID:      "pr1",
		},
		{
			name:        "elicitation in form mode is ignored",
			body:        `{"jsonrpc":"2.0","id":1,"error":{"code":-32604,"message":"x","data":{"elicitations":[{"mode":"form","url":"` + prURL + `"}]}}}`,
			contentType: "application/json",
		},
		{
			name:        "other error code is ignored",
			body:        `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"x","data":{"elicitations":[{"mode":"url","url":"` + prURL + `"}]}}}`,
			contentType: "application/json",
		},
		{
			name:        "batch",
			body:        `[{"jsonrpc":"2.0","id":1,"result":{"content":[]}},` + toolError + `]`,
			contentType: "application/json",
			wantID:      "pr1",
		},
		{
			name:        "event stream",
			body:        "event: message\ndata: " + toolError + "\n\n",
			contentType: "text/event-stream",
			wantID:      "pr1",
		},
		{
			name:        "event stream without trailing blank line",
			body:        "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\ndata:" + toolError,
			contentType: "text/event-stream",
			wantID:      "pr1",
		},
		{
			name:        "event stream stops at the first response",
			body:        "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"content\":[]}}\n\ndata: " + toolError + "\n\n",
			contentType: "text/event-stream",
		},
		{
			name:        "event stream with CRLF lines",
			body:        "event: message\r\ndata: " + toolError + "\r\n\r\n",
			contentType: "text/event-stream",
			wantID:      "pr1",
		},
		{
			name:        "not json",
			body:        "<html>" + PaymentRequiredPreamble + prURL + "</html>",
			contentType: "text/html",
		},
		{
			name: "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := DetectPaymentRequest([]byte(tt.body), tt.contentType)
			if tt.wantID == "" {
				assert.Nil(t, pr)
				return
			}
			require.NotNil(t, pr)
			assert.Equal(t, tt.wantID, pr.ID)
			assert.Equal(t, prURL, pr.URL)
			assert.Equal(t, "https://auth.paymcp.com", pr.AuthorizationServer)
		})
	}
}
