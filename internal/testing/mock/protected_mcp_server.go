package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// PaymentRequiredPreamble prefixes tool-error text that carries a payment URL.
const PaymentRequiredPreamble = "PayMCP-v1 payment required. Please pay at: "

// ChallengeMode selects the WWW-Authenticate form sent with a 401.
type ChallengeMode string

const (
	// ChallengeResourceMetadata sends Bearer resource_metadata="..." (RFC 9728).
	ChallengeResourceMetadata ChallengeMode = "resource_metadata"
	// ChallengeLegacyURL sends the bare resource URL as the header value.
	ChallengeLegacyURL ChallengeMode = "legacy"
)

// PaymentErrorMode selects how an unpaid tool call reports its payment request.
type PaymentErrorMode string

const (
	// PaymentErrorToolText returns an MCP tool error whose text starts with the preamble.
	PaymentErrorToolText PaymentErrorMode = "tool_text"
	// PaymentErrorElicitation returns a JSON-RPC -32604 error with a url elicitation.
	PaymentErrorElicitation PaymentErrorMode = "elicitation"
	// PaymentErrorPaymentRequired returns a JSON-RPC -30402 error.
	PaymentErrorPaymentRequired PaymentErrorMode = "payment_required"
)

// ToolConfig describes a tool exposed by the mock resource.
type ToolConfig struct {
	Name        string
	Description string

	// Result is the text returned on success.
	Result string

	// PaymentRequestID, when set, gates the tool until that request on the
	// OAuthServer has been paid.
	PaymentRequestID string

	// PaymentRequestURL overrides the advertised payment URL, e.g. to point
	// at an authorization server that is not trusted by the client.
	PaymentRequestURL string

	// PaymentErrorMode defaults to PaymentErrorToolText.
	PaymentErrorMode PaymentErrorMode
}

// ProtectedMCPServerConfig configures an OAuth-protected mock MCP server
type ProtectedMCPServerConfig struct {
	// Name is the name of this MCP server
	Name string

	// OAuthServer is the mock OAuth server to validate tokens against
	OAuthServer *OAuthServer

	// Path is the MCP endpoint path (defaults to /mcp).
	Path string

	// Challenge selects the WWW-Authenticate form.
	Challenge ChallengeMode

	// DisableMetadata makes the protected-resource metadata endpoint 404.
	DisableMetadata bool

	// Public skips token validation entirely.
	Public bool

	// Tools are the tools to expose when authenticated
	Tools []ToolConfig
}

// ProtectedMCPServer is a mock MCP server that requires OAuth authentication
type ProtectedMCPServer struct {
	config     ProtectedMCPServerConfig
	httpServer *http.Server
	listener   net.Listener
	baseURL    string
	port       int
	running    bool
	mu         sync.RWMutex

	toolCalls      map[string]int
	unauthorized   int
	lastAuthHeader string
}

// NewProtectedMCPServer creates a new OAuth-protected mock MCP server
func NewProtectedMCPServer(config ProtectedMCPServerConfig) *ProtectedMCPServer {
	if config.Path == "" {
		config.Path = "/mcp"
	}
	if config.Challenge == "" {
		config.Challenge = ChallengeResourceMetadata
	}
	if config.Name == "" {
		config.Name = "mock"
	}
	return &ProtectedMCPServer{
		config:    config,
		toolCalls: make(map[string]int),
	}
}

// Start starts the protected MCP server on a random loopback port.
func (s *ProtectedMCPServer) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.port, nil
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.baseURL = fmt.Sprintf("http://127.0.0.1:%d", s.port)

	s.httpServer = &http.Server{
		Handler:  s.createProtectedHandler(),
		ErrorLog: log.New(io.Discard, "", 0),
	}

	go func() {
		_ = s.httpServer.Serve(listener)
	}()

	s.running = true
	return s.port, nil
}

// Stop stops the protected MCP server
func (s *ProtectedMCPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	err := s.httpServer.Shutdown(ctx)
	s.running = false
	return err
}

// Endpoint returns the MCP endpoint URL
func (s *ProtectedMCPServer) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return ""
	}
	return s.baseURL + s.config.Path
}

// MetadataURL returns the protected-resource metadata URL for the endpoint.
func (s *ProtectedMCPServer) MetadataURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL + "/.well-known/oauth-protected-resource" + s.config.Path
}

// ToolCalls returns how many times the named tool ran past authentication.
func (s *ProtectedMCPServer) ToolCalls(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.toolCalls[name]
}

// Unauthorized returns how many requests were answered with 401.
func (s *ProtectedMCPServer) Unauthorized() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unauthorized
}

// LastAuthorization returns the Authorization header of the last accepted request.
func (s *ProtectedMCPServer) LastAuthorization() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAuthHeader
}

func (s *ProtectedMCPServer) createProtectedHandler() http.Handler {
	mcpServer := server.NewMCPServer(
		fmt.Sprintf("protected-%s", s.config.Name),
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	for _, tool := range s.config.Tools {
		mcpServer.AddTool(
			mcp.NewTool(tool.Name, mcp.WithDescription(tool.Description)),
			s.toolHandler(tool),
		)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-protected-resource"+s.config.Path, s.handleMetadata)
	mux.Handle(s.config.Path, &oauthProtectionMiddleware{
		server:  s,
		handler: server.NewStreamableHTTPServer(mcpServer, server.WithStateLess(true)),
	})
	return mux
}

func (s *ProtectedMCPServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if s.config.DisableMetadata {
		http.NotFound(w, r)
		return
	}
	issuer := ""
	if s.config.OAuthServer != nil {
		issuer = s.config.OAuthServer.GetIssuerURL()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource":                 s.Endpoint(),
		"authorization_servers":    []string{issuer},
		"bearer_methods_supported": []string{"header"},
		"resource_name":            s.config.Name,
	})
}

func (s *ProtectedMCPServer) toolHandler(tool ToolConfig) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.mu.Lock()
		s.toolCalls[tool.Name]++
		s.mu.Unlock()

		if url, unpaid := s.unpaid(tool); unpaid {
			return mcp.NewToolResultError(PaymentRequiredPreamble + url), nil
		}
		return mcp.NewToolResultText(tool.Result), nil
	}
}

// unpaid reports whether tool is still gated, returning the URL to pay at.
func (s *ProtectedMCPServer) unpaid(tool ToolConfig) (string, bool) {
	if tool.PaymentRequestID == "" || s.config.OAuthServer == nil {
		return "", false
	}
	pr := s.config.OAuthServer.PaymentRequest(tool.PaymentRequestID)
	if pr != nil && pr.Paid {
		return "", false
	}
	if tool.PaymentRequestURL != "" {
		return tool.PaymentRequestURL, true
	}
	return s.config.OAuthServer.PaymentRequestURL(tool.PaymentRequestID), true
}

func (s *ProtectedMCPServer) challenge(w http.ResponseWriter, errCode string) {
	s.mu.Lock()
	s.unauthorized++
	s.mu.Unlock()

	var header string
	switch s.config.Challenge {
	case ChallengeLegacyURL:
		header = s.Endpoint()
	default:
		header = "Bearer"
		if errCode != "" {
			header += fmt.Sprintf(` error="%s",`, errCode)
		}
		header += fmt.Sprintf(` resource_metadata="%s"`, s.MetadataURL())
	}
	w.Header().Set("WWW-Authenticate", header)
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

// oauthProtectionMiddleware validates OAuth tokens before passing to MCP handler
type oauthProtectionMiddleware struct {
	server  *ProtectedMCPServer
	handler http.Handler
}

func (m *oauthProtectionMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := m.server
	if !s.config.Public {
		auth := r.Header.Get("Authorization")
		token := ExtractBearerToken(auth)
		if token == "" {
			s.challenge(w, "")
			return
		}
		if s.config.OAuthServer == nil || s.config.OAuthServer.TokenSubject(token) == "" {
			s.challenge(w, "invalid_token")
			return
		}
		s.mu.Lock()
		s.lastAuthHeader = auth
		s.mu.Unlock()
	}

	if r.Method == http.MethodPost && m.writeJSONRPCPaymentError(w, r) {
		return
	}
	m.handler.ServeHTTP(w, r)
}

// writeJSONRPCPaymentError answers tools/call for tools whose payment error is
// a protocol-level error rather than tool output.
func (m *oauthProtectionMiddleware) writeJSONRPCPaymentError(w http.ResponseWriter, r *http.Request) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var msg struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if json.Unmarshal(body, &msg) != nil || msg.Method != "tools/call" {
		return false
	}

	s := m.server
	for _, tool := range s.config.Tools {
		if tool.Name != msg.Params.Name {
			continue
		}
		if tool.PaymentErrorMode == "" || tool.PaymentErrorMode == PaymentErrorToolText {
			return false
		}
		url, unpaid := s.unpaid(tool)
		if !unpaid {
			return false
		}
		s.mu.Lock()
		s.toolCalls[tool.Name]++
		s.mu.Unlock()

		code := -32604
		if tool.PaymentErrorMode == PaymentErrorPaymentRequired {
			code = -30402
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      msg.ID,
			"error": map[string]interface{}{
				"code":    code,
				"message": "Payment required",
				"data": map[string]interface{}{
					"elicitations": []map[string]string{{
						"mode":          "url",
						"url":           url,
						"elicitationId": tool.PaymentRequestID,
						"message":       "Payment required",
					}},
				},
			},
		})
		return true
	}
	return false
}

// CallToolBody builds a JSON-RPC tools/call request body.
func CallToolBody(id int, name string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      name,
			"arguments": map[string]interface{}{},
		},
	})
	return b
}

// IsToolError reports whether a JSON-RPC response body is a tool result with isError set.
func IsToolError(body []byte) bool {
	var resp struct {
		Result struct {
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	return resp.Result.IsError
}

// ToolText returns the concatenated text content of a JSON-RPC tool result body.
func ToolText(body []byte) string {
	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	var parts []string
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "")
}
