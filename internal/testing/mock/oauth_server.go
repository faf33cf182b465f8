package mock

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const tokenExchangeGrantType = "urn:ietf:params:oauth:grant-type:token-exchange"

// AuthorizeResponseMode selects how /authorize hands back the code.
type AuthorizeResponseMode string

const (
	// AuthorizeRedirect answers with a 302 to the redirect URI.
	AuthorizeRedirect AuthorizeResponseMode = "redirect"
	// AuthorizeJSON answers 200 with {"redirect": "<redirect URI with code>"}.
	AuthorizeJSON AuthorizeResponseMode = "json"
)

// OAuthServerConfig configures the mock authorization and payment server.
type OAuthServerConfig struct {
	// TokenLifetime is how long access tokens remain valid.
	TokenLifetime time.Duration

	// DefaultSubject is the sub bound to tokens when no AuthorizeVerifier is set.
	DefaultSubject string

	// AuthorizeMode selects redirect or JSON-embedded redirect answers.
	AuthorizeMode AuthorizeResponseMode

	// AuthorizeVerifier authenticates the caller of /authorize and returns the
	// subject to bind to the code. A nil verifier approves everyone as DefaultSubject.
	AuthorizeVerifier func(r *http.Request, codeChallenge string) (string, error)

	// RotateRefreshTokens issues a new refresh token on every refresh grant.
	// When false the refresh response carries no refresh_token.
	RotateRefreshTokens bool

	// ConnectionToken, when set, must be presented as a bearer token on the
	// /charge and POST /payment-request endpoints.
	ConnectionToken string

	// PaymentTokenVerifier validates the bearer token PUT to /payment-request/{id}.
	PaymentTokenVerifier func(token, paymentRequestID string) error

	// Clock is the clock to use for time operations (defaults to RealClock).
	Clock Clock
}

// OAuthServer is a mock OAuth 2.1 authorization server that also speaks the
// payment-request sub-protocol.
type OAuthServer struct {
	config     OAuthServerConfig
	issuer     string
	httpServer *http.Server
	listener   net.Listener
	port       int
	running    bool
	mu         sync.RWMutex

	clients      map[string]*registeredClient
	authCodes    map[string]*authCodeEntry
	issuedTokens map[string]*issuedToken

	paymentRequests map[string]*PaymentRequestRecord
	balances        map[string]decimal.Decimal
	charges         []ChargeRecord

	registerCalls   int
	tokenCalls      map[string]int
	introspections  []url.Values
	authorizeCalls  int
	paymentGetCalls int

	clock Clock
}

type registeredClient struct {
	ClientID     string
	ClientSecret string
	RedirectURIs []string
	Revoked      bool
}

type authCodeEntry struct {
	ClientID        string
	RedirectURI     string
	Subject         string
	Resource        string
	CodeChallenge   string
	ChallengeMethod string
	CreatedAt       time.Time
}

type issuedToken struct {
	AccessToken  string
	RefreshToken string
	Subject      string
	ClientID     string
	ExpiresAt    time.Time
}

// TokenResponse is the OAuth token response
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// NewOAuthServer creates a new mock OAuth server
func NewOAuthServer(config OAuthServerConfig) *OAuthServer {
	if config.TokenLifetime == 0 {
		config.TokenLifetime = 1 * time.Hour
	}
	if config.DefaultSubject == "" {
		config.DefaultSubject = "test-user"
	}
	if config.AuthorizeMode == "" {
		config.AuthorizeMode = AuthorizeRedirect
	}

	clock := config.Clock
	if clock == nil {
		clock = RealClock{}
	}

	return &OAuthServer{
		config:          config,
		clients:         make(map[string]*registeredClient),
		authCodes:       make(map[string]*authCodeEntry),
		issuedTokens:    make(map[string]*issuedToken),
		paymentRequests: make(map[string]*PaymentRequestRecord),
		balances:        make(map[string]decimal.Decimal),
		tokenCalls:      make(map[string]int),
		clock:           clock,
	}
}

// Start starts the server on a random loopback port.
func (s *OAuthServer) Start(ctx context.Context) (int, error) {
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
	s.issuer = fmt.Sprintf("http://127.0.0.1:%d", s.port)

	s.httpServer = &http.Server{
		Handler:  s.Handler(),
		ErrorLog: log.New(io.Discard, "", 0),
	}

	go func() {
		_ = s.httpServer.Serve(listener)
	}()

	s.running = true
	return s.port, nil
}

// Handler returns the server's routes without binding a listener.
func (s *OAuthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleMetadata)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /authorize", s.handleAuthorize)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("POST /introspect", s.handleIntrospect)
	mux.HandleFunc("GET /payment-request/{id}", s.handleGetPaymentRequest)
	mux.HandleFunc("PUT /payment-request/{id}", s.handlePutPaymentRequest)
	mux.HandleFunc("POST /payment-request", s.handleCreatePaymentRequest)
	mux.HandleFunc("POST /charge", s.handleCharge)
	return mux
}

// Stop stops the OAuth server
func (s *OAuthServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	err := s.httpServer.Shutdown(ctx)
	s.running = false
	return err
}

// IsRunning returns whether the server is currently running
func (s *OAuthServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetIssuerURL returns the issuer URL, known once the server has started.
func (s *OAuthServer) GetIssuerURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.issuer
}

// RegisterCalls returns how many times /register was called.
func (s *OAuthServer) RegisterCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registerCalls
}

// TokenCalls returns how many /token calls used grantType, or all calls when grantType is empty.
func (s *OAuthServer) TokenCalls(grantType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if grantType != "" {
		return s.tokenCalls[grantType]
	}
	total := 0
	for _, n := range s.tokenCalls {
		total += n
	}
	return total
}

// AuthorizeCalls returns how many times /authorize was called.
func (s *OAuthServer) AuthorizeCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorizeCalls
}

// Introspections returns the form bodies of all introspection requests.
func (s *OAuthServer) Introspections() []url.Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]url.Values, len(s.introspections))
	copy(out, s.introspections)
	return out
}

// RevokeClient makes a registered client stale: its credentials are rejected with 401.
func (s *OAuthServer) RevokeClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[clientID]; ok {
		c.Revoked = true
	}
}

// IssueToken mints an access token for subject without an authorization flow.
func (s *OAuthServer) IssueToken(subject string) *TokenResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked("", subject, true)
}

// ExpireToken makes accessToken inactive while keeping its refresh token usable.
func (s *OAuthServer) ExpireToken(accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.issuedTokens[accessToken]; ok {
		t.ExpiresAt = s.clock.Now().Add(-time.Second)
	}
}

// TokenSubject returns the subject of an active token, or "" if the token is unknown or expired.
func (s *OAuthServer) TokenSubject(accessToken string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.issuedTokens[accessToken]
	if !ok || !s.clock.Now().Before(t.ExpiresAt) {
		return ""
	}
	return t.Subject
}

// handleMetadata returns OAuth 2.1 server metadata
func (s *OAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := s.GetIssuerURL()
	if issuer == "" {
		issuer = "http://" + r.Host
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"registration_endpoint":                 issuer + "/register",
		"introspection_endpoint":                issuer + "/introspect",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", tokenExchangeGrantType},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (s *OAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RedirectURIs            []string `json:"redirect_uris"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
		GrantTypes              []string `json:"grant_types"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed JSON")
		return
	}
	if len(req.RedirectURIs) == 0 {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}

	client := &registeredClient{
		ClientID:     uuid.NewString(),
		RedirectURIs: req.RedirectURIs,
	}
	if req.TokenEndpointAuthMethod != "none" {
		client.ClientSecret = generateOpaqueToken()
	}

	s.mu.Lock()
	s.clients[client.ClientID] = client
	s.registerCalls++
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"client_id":                  client.ClientID,
		"client_secret":              client.ClientSecret,
		"client_id_issued_at":        s.clock.Now().Unix(),
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                req.GrantTypes,
		"token_endpoint_auth_method": req.TokenEndpointAuthMethod,
	})
}

// handleAuthorize auto-approves authorization requests from known clients.
func (s *OAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")

	s.mu.Lock()
	s.authorizeCalls++
	_, known := s.clients[clientID]
	s.mu.Unlock()

	if q.Get("response_type") != "code" {
		oauthError(w, http.StatusBadRequest, "unsupported_response_type", "")
		return
	}
	if !known {
		oauthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	if codeChallenge == "" || codeChallengeMethod != "S256" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "PKCE S256 required")
		return
	}

	subject := s.config.DefaultSubject
	if s.config.AuthorizeVerifier != nil {
		sub, err := s.config.AuthorizeVerifier(r, codeChallenge)
		if err != nil {
			oauthError(w, http.StatusUnauthorized, "access_denied", err.Error())
			return
		}
		subject = sub
	}

	code := generateOpaqueToken()
	s.mu.Lock()
	s.authCodes[code] = &authCodeEntry{
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		Subject:         subject,
		Resource:        q.Get("resource"),
		CodeChallenge:   codeChallenge,
		ChallengeMethod: codeChallengeMethod,
		CreatedAt:       s.clock.Now(),
	}
	s.mu.Unlock()

	redirectURL, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}
	rq := redirectURL.Query()
	rq.Set("code", code)
	if state != "" {
		rq.Set("state", state)
	}
	redirectURL.RawQuery = rq.Encode()

	if s.config.AuthorizeMode == AuthorizeJSON {
		writeJSON(w, http.StatusOK, map[string]string{"redirect": redirectURL.String()})
		return
	}
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

// handleToken handles token requests
func (s *OAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}

	grantType := r.PostFormValue("grant_type")
	s.mu.Lock()
	s.tokenCalls[grantType]++
	s.mu.Unlock()

	switch grantType {
	case "authorization_code":
		s.handleAuthCodeExchange(w, r)
	case "refresh_token":
		s.handleRefreshToken(w, r)
	case tokenExchangeGrantType:
		s.handleTokenExchange(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type",
			fmt.Sprintf("grant_type %s not supported", grantType))
	}
}

// authenticateClient checks client_id/client_secret from the form or Basic auth.
func (s *OAuthServer) authenticateClient(r *http.Request) (*registeredClient, bool) {
	clientID, clientSecret, ok := r.BasicAuth()
	if ok {
		clientID, _ = url.QueryUnescape(clientID)
		clientSecret, _ = url.QueryUnescape(clientSecret)
	} else {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	client, exists := s.clients[clientID]
	if !exists || client.Revoked {
		return nil, false
	}
	if client.ClientSecret != "" && client.ClientSecret != clientSecret {
		return nil, false
	}
	return client, true
}

func (s *OAuthServer) handleAuthCodeExchange(w http.ResponseWriter, r *http.Request) {
	client, ok := s.authenticateClient(r)
	if !ok {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	code := r.PostFormValue("code")
	s.mu.Lock()
	entry, exists := s.authCodes[code]
	if exists {
		delete(s.authCodes, code)
	}
	s.mu.Unlock()

	if !exists {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization code not found or expired")
		return
	}

	if !verifyPKCE(entry.CodeChallenge, entry.ChallengeMethod, r.PostFormValue("code_verifier")) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier verification failed")
		return
	}

	s.mu.Lock()
	resp := s.issueLocked(client.ClientID, entry.Subject, true)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *OAuthServer) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	client, ok := s.authenticateClient(r)
	if !ok {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	refreshToken := r.PostFormValue("refresh_token")

	s.mu.Lock()
	defer s.mu.Unlock()

	var original *issuedToken
	for _, token := range s.issuedTokens {
		if token.RefreshToken != "" && token.RefreshToken == refreshToken {
			original = token
			break
		}
	}
	if original == nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token not found")
		return
	}

	delete(s.issuedTokens, original.AccessToken)
	resp := s.issueLocked(client.ClientID, original.Subject, s.config.RotateRefreshTokens)
	if !s.config.RotateRefreshTokens {
		// the original refresh token stays valid on the new access token
		s.issuedTokens[resp.AccessToken].RefreshToken = original.RefreshToken
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleTokenExchange implements RFC 8693 for tokens this server issued.
func (s *OAuthServer) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	subjectToken := r.PostFormValue("subject_token")
	if subjectToken == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "subject_token is required")
		return
	}

	subject := s.TokenSubject(subjectToken)
	if subject == "" {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "subject_token is not active")
		return
	}

	s.mu.Lock()
	resp := s.issueLocked(r.PostFormValue("client_id"), subject, false)
	s.mu.Unlock()
	resp.IssuedTokenType = "urn:ietf:params:oauth:token-type:access_token"

	writeJSON(w, http.StatusOK, resp)
}

// handleIntrospect implements RFC 7662 with Basic client authentication.
func (s *OAuthServer) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}
	if _, _, ok := r.BasicAuth(); !ok {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "basic auth required")
		return
	}
	client, ok := s.authenticateClient(r)
	if !ok {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	s.mu.Lock()
	s.introspections = append(s.introspections, r.PostForm)
	token, exists := s.issuedTokens[r.PostFormValue("token")]
	active := exists && s.clock.Now().Before(token.ExpiresAt)
	s.mu.Unlock()

	if !active {
		writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":    true,
		"sub":       token.Subject,
		"client_id": client.ClientID,
		"exp":       token.ExpiresAt.Unix(),
	})
}

// issueLocked mints a token; s.mu must be held.
func (s *OAuthServer) issueLocked(clientID, subject string, withRefresh bool) *TokenResponse {
	token := &issuedToken{
		AccessToken: generateOpaqueToken(),
		Subject:     subject,
		ClientID:    clientID,
		ExpiresAt:   s.clock.Now().Add(s.config.TokenLifetime),
	}
	if withRefresh {
		token.RefreshToken = generateOpaqueToken()
	}
	s.issuedTokens[token.AccessToken] = token

	return &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.config.TokenLifetime.Seconds()),
	}
}

// verifyPKCE verifies the PKCE code verifier against an S256 challenge
func verifyPKCE(challenge, method, verifier string) bool {
	if method != "S256" || verifier == "" {
		return false
	}
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:]) == challenge
}

// generateOpaqueToken generates a random opaque token.
// Panics if crypto/rand fails, which should never happen in practice.
func generateOpaqueToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("crypto/rand failed: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}

// ExtractBearerToken extracts a bearer token from an Authorization header
func ExtractBearerToken(authHeader string) string {
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(authHeader[7:])
}
