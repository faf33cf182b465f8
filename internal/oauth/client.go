package oauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/paymcp/paymcp/internal/store"
	"github.com/paymcp/paymcp/pkg/logging"
	"github.com/paymcp/paymcp/pkg/oauth"
)

// Client makes authenticated HTTP requests on behalf of a user. It attaches
// stored tokens, refreshes them when a resource reports them invalid, and
// drives the authorization code + PKCE flow.
//
// Tokens are keyed by the exact request URL without query or fragment. A
// token obtained for https://host/a is never sent to https://host/a/b.
type Client struct {
	*ResourceClient

	defaultUser  string
	exchanger    TokenExchanger
	states       *flowStates
	refreshGroup singleflight.Group
}

// AuthorizationRequest is a pending authorization created by MakeAuthorizationURL.
type AuthorizationRequest struct {
	// URL is the authorization endpoint URL the user agent must visit.
	URL string
	// State correlates the callback with the stored PKCE values.
	State string
	// CodeChallenge is the S256 challenge sent in URL.
	CodeChallenge string
	// ResourceURL is the resource the token will be bound to.
	ResourceURL string
}

// NewClient creates a Client persisting into s.
func NewClient(s store.CredentialStore, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Client{
		ResourceClient: newResourceClient(s, o),
		defaultUser:    o.userID,
		exchanger:      o.exchanger,
		states:         newFlowStates(),
	}
}

func (c *Client) userID(ctx context.Context) string {
	if userID, ok := UserFromContext(ctx); ok {
		return userID
	}
	return c.defaultUser
}

// State returns the flow state of rawURL for the user bound to ctx.
func (c *Client) State(ctx context.Context, rawURL string) FlowState {
	return c.states.get(c.userID(ctx), oauth.NormalizeResourceURL(rawURL))
}

// Do sends req with the stored token for its URL.
//
// Responses other than 401 are returned unchanged. On 401 the resource URL is
// taken from WWW-Authenticate; if the challenge reports invalid_grant or
// invalid_token, the token of that resource is refreshed once and the request
// retried once. A request that
// still cannot be authenticated fails with *AuthenticationRequiredError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	userID := c.userID(ctx)
	resourceKey := oauth.NormalizeResourceURL(req.URL.String())

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	token, err := c.store.LoadAccessToken(ctx, userID, resourceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}

	resp, err := c.send(req, body, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		if err == nil && token != nil {
			c.states.set(userID, resourceKey, StateAuthorized)
		}
		return resp, err
	}

	header := resp.Header.Get("WWW-Authenticate")
	resourceServerURL := oauth.ResourceServerURL(header)
	c.states.set(userID, resourceKey, StateChallenged)

	challenge, _ := oauth.ParseWWWAuthenticate(header)
	if token != nil && challenge.SignalsInvalidGrant() {
		refreshed, err := c.refreshFor(ctx, userID, resourceServerURL, resourceKey)
		if err != nil {
			discard(resp)
			return nil, err
		}
		if refreshed != nil {
			discard(resp)
			token = refreshed
			resp, err = c.send(req, body, token)
			if err != nil || resp.StatusCode != http.StatusUnauthorized {
				if err == nil {
					c.states.set(userID, resourceKey, StateAuthorized)
				}
				return resp, err
			}
			if rs := oauth.ResourceServerURL(resp.Header.Get("WWW-Authenticate")); rs != "" {
				resourceServerURL = rs
			}
			c.states.set(userID, resourceKey, StateChallenged)
		}
	}
	discard(resp)

	presented := ""
	if token != nil {
		presented = token.AccessToken
	}
	c.logger.Debug("Authentication required",
		"url", resourceKey,
		"resource", resourceServerURL)
	return nil, &AuthenticationRequiredError{
		URL:               req.URL.String(),
		ResourceServerURL: resourceServerURL,
		IdempotencyKey:    IdempotencyKey(req.URL.String(), resourceServerURL, presented),
	}
}

// refreshFor refreshes the token of the resource named by a challenge. When
// the challenge names no resource, or nothing refreshable is stored for it,
// the token stored for the called URL is refreshed instead. The result is
// also stored under the called URL so that the next lookup finds it.
func (c *Client) refreshFor(ctx context.Context, userID, resourceServerURL, resourceKey string) (*oauth.AccessToken, error) {
	key := resourceKey
	if resourceServerURL != "" {
		resolved := oauth.NormalizeResourceURL(resourceServerURL)
		stored, err := c.store.LoadAccessToken(ctx, userID, resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to load access token: %w", err)
		}
		if stored != nil && stored.RefreshToken != "" {
			key = resolved
		}
	}

	refreshed, err := c.TryRefreshToken(ctx, key)
	if err != nil || refreshed == nil || key == resourceKey {
		return refreshed, err
	}
	if err := c.store.SaveAccessToken(ctx, userID, resourceKey, refreshed); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}
	return refreshed, nil
}

// send issues a copy of req carrying body and token.
func (c *Client) send(req *http.Request, body []byte, token *oauth.AccessToken) (*http.Response, error) {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	if token != nil && token.AccessToken != "" {
		out.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}
	return c.httpClient.Do(out)
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}

// MakeAuthorizationURL starts an authorization code + PKCE flow for rawURL.
// resourceServerURL is the resource named by the challenge; when empty the
// normalized rawURL is used. The PKCE values are stored under the returned
// state until HandleCallback consumes them.
func (c *Client) MakeAuthorizationURL(ctx context.Context, rawURL, resourceServerURL string) (*AuthorizationRequest, error) {
	userID := c.userID(ctx)
	requestURL := oauth.NormalizeResourceURL(rawURL)
	resourceURL := resourceServerURL
	if resourceURL == "" {
		resourceURL = requestURL
	}

	md, err := c.GetAuthorizationServer(ctx, resourceURL)
	if err != nil {
		return nil, err
	}
	creds, err := c.ClientCredentials(ctx, md)
	if err != nil {
		return nil, err
	}

	pkce := oauth.GeneratePKCE()
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}

	values := &oauth.PKCEValues{
		CodeVerifier:  pkce.CodeVerifier,
		CodeChallenge: pkce.CodeChallenge,
		State:         state,
		URL:           requestURL,
		ResourceURL:   resourceURL,
		CreatedAt:     time.Now(),
	}
	if err := c.store.SavePKCEValues(ctx, userID, state, values); err != nil {
		return nil, fmt.Errorf("failed to save PKCE values: %w", err)
	}

	authURL := oauth2Config(md, creds).AuthCodeURL(state,
		oauth2.S256ChallengeOption(pkce.CodeVerifier),
		oauth2.SetAuthURLParam("resource", resourceURL),
	)

	c.states.set(userID, requestURL, StateAuthorizing)
	c.logger.Debug("Created authorization URL",
		"issuer", md.Issuer,
		"resource", resourceURL,
		"state", logging.TruncateID(state, 8))

	return &AuthorizationRequest{
		URL:           authURL,
		State:         state,
		CodeChallenge: pkce.CodeChallenge,
		ResourceURL:   resourceURL,
	}, nil
}

// HandleCallback completes the flow started by MakeAuthorizationURL. The
// pending authorization is consumed whether or not the exchange succeeds.
// A token endpoint rejecting the client with 401 or 403 triggers one
// re-registration and one retried exchange.
func (c *Client) HandleCallback(ctx context.Context, callbackURL string) error {
	userID := c.userID(ctx)

	u, err := url.Parse(callbackURL)
	if err != nil {
		return fmt.Errorf("invalid callback URL: %w", err)
	}
	q := u.Query()

	state := q.Get("state")
	if state == "" {
		return ErrUnknownState
	}
	values, err := c.store.LoadPKCEValues(ctx, userID, state)
	if err != nil {
		return fmt.Errorf("failed to load PKCE values: %w", err)
	}
	if values == nil {
		return ErrUnknownState
	}
	if err := c.store.DeletePKCEValues(ctx, userID, state); err != nil {
		return fmt.Errorf("failed to delete PKCE values: %w", err)
	}

	if code := q.Get("error"); code != "" {
		c.states.set(userID, values.URL, StateChallenged)
		return &AuthorizationError{Code: code, Description: q.Get("error_description")}
	}
	code := q.Get("code")
	if code == "" {
		return errors.New("callback carries no authorization code")
	}

	md, err := c.GetAuthorizationServer(ctx, values.ResourceURL)
	if err != nil {
		return err
	}
	creds, err := c.ClientCredentials(ctx, md)
	if err != nil {
		return err
	}

	tok, err := c.exchangeCode(ctx, md, creds, code, values.CodeVerifier)
	if isStaleClient(err) {
		c.logger.Warn("Token endpoint rejected client credentials, re-registering",
			"issuer", md.Issuer)
		creds, err = c.RegisterClient(ctx, md)
		if err != nil {
			return err
		}
		tok, err = c.exchangeCode(ctx, md, creds, code, values.CodeVerifier)
	}
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	accessToken := oauth.AccessTokenFromOAuth2(tok, values.ResourceURL)
	if err := c.store.SaveAccessToken(ctx, userID, values.ResourceURL, accessToken); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	if values.URL != "" && values.URL != values.ResourceURL {
		if err := c.store.SaveAccessToken(ctx, userID, values.URL, accessToken); err != nil {
			return fmt.Errorf("failed to save access token: %w", err)
		}
	}

	c.states.set(userID, values.URL, StateAuthorized)
	c.states.set(userID, values.ResourceURL, StateAuthorized)
	c.logger.Info("Authorization completed",
		"issuer", md.Issuer,
		"resource", values.ResourceURL)
	return nil
}

func (c *Client) exchangeCode(ctx context.Context, md *oauth.Metadata, creds *oauth.ClientCredentials, code, verifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2Config(md, creds).Exchange(ctx, code, oauth2.VerifierOption(verifier))
}

// TryRefreshToken refreshes the token stored for rawURL. It returns nil
// without error when there is nothing to refresh or the authorization server
// refuses the refresh grant; discovery, registration and storage failures
// are returned. Concurrent refreshes for the same user and URL share one
// refresh grant.
func (c *Client) TryRefreshToken(ctx context.Context, rawURL string) (*oauth.AccessToken, error) {
	userID := c.userID(ctx)
	key := oauth.NormalizeResourceURL(rawURL)

	v, err, _ := c.refreshGroup.Do(userID+"|"+key, func() (interface{}, error) {
		return c.refresh(ctx, userID, key)
	})
	if err != nil {
		return nil, err
	}
	tok, _ := v.(*oauth.AccessToken)
	return tok, nil
}

func (c *Client) refresh(ctx context.Context, userID, key string) (*oauth.AccessToken, error) {
	current, err := c.store.LoadAccessToken(ctx, userID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	if current == nil || current.RefreshToken == "" {
		return nil, nil
	}

	c.states.set(userID, key, StateRefreshing)

	resourceURL := current.ResourceURL
	if resourceURL == "" {
		resourceURL = key
	}
	md, err := c.GetAuthorizationServer(ctx, resourceURL)
	if err != nil {
		return nil, err
	}
	creds, err := c.ClientCredentials(ctx, md)
	if err != nil {
		return nil, err
	}

	stale := current.ToOAuth2Token()
	stale.Expiry = time.Now().Add(-time.Minute)

	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := oauth2Config(md, creds).TokenSource(tokenCtx, stale).Token()
	if err != nil {
		c.states.set(userID, key, StateChallenged)
		c.logger.Warn("Token refresh failed",
			"issuer", md.Issuer,
			"resource", resourceURL,
			"error", err)
		return nil, nil
	}

	refreshed := oauth.AccessTokenFromOAuth2(tok, resourceURL)
	if err := c.store.SaveAccessToken(ctx, userID, key, refreshed); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	c.states.set(userID, key, StateAuthorized)
	c.logger.Debug("Refreshed access token", "resource", resourceURL)
	return refreshed, nil
}

// SetInboundToken stores the caller's own bearer token so that it can be
// exchanged for downstream resources.
func (c *Client) SetInboundToken(ctx context.Context, token string) error {
	if err := c.store.SaveAccessToken(ctx, c.userID(ctx), store.InboundResourceKey,
		&oauth.AccessToken{AccessToken: token}); err != nil {
		return fmt.Errorf("failed to save inbound token: %w", err)
	}
	return nil
}

// ExchangeInboundToken trades the stored inbound token for a token accepted
// by resourceServerURL (RFC 8693) and stores it under that resource.
func (c *Client) ExchangeInboundToken(ctx context.Context, resourceServerURL string) (*oauth.AccessToken, error) {
	if c.exchanger == nil {
		return nil, ErrNoTokenExchanger
	}
	userID := c.userID(ctx)

	inbound, err := c.store.LoadAccessToken(ctx, userID, store.InboundResourceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load inbound token: %w", err)
	}
	if inbound == nil || inbound.AccessToken == "" {
		return nil, ErrNoInboundToken
	}

	resourceURL := oauth.NormalizeResourceURL(resourceServerURL)
	md, err := c.GetAuthorizationServer(ctx, resourceURL)
	if err != nil {
		return nil, err
	}
	creds, err := c.ClientCredentials(ctx, md)
	if err != nil {
		return nil, err
	}

	// A token already stored for the resource was handed off earlier and has
	// since been rejected, so a cached exchange result must not be reused.
	stale, err := c.store.LoadAccessToken(ctx, userID, resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	if stale != nil {
		if cc, ok := c.exchanger.(cacheClearer); ok {
			cc.ClearCache(md.TokenEndpoint, userID, resourceURL)
		}
	}

	result, err := c.exchanger.Exchange(ctx, &ExchangeRequest{
		TokenEndpoint: md.TokenEndpoint,
		SubjectToken:  inbound.AccessToken,
		UserID:        userID,
		Resource:      resourceURL,
		ClientID:      creds.ClientID,
		ClientSecret:  creds.ClientSecret,
	})
	if err != nil {
		return nil, err
	}

	token := &oauth.AccessToken{
		AccessToken: result.AccessToken,
		ResourceURL: resourceURL,
	}
	if result.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	if err := c.store.SaveAccessToken(ctx, userID, resourceURL, token); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}
	c.states.set(userID, resourceURL, StateAuthorized)
	return token, nil
}

// oauth2Config builds the x/oauth2 configuration for a registered client.
// Credentials always travel in the request body, which serves both public
// clients and client_secret_post.
func oauth2Config(md *oauth.Metadata, creds *oauth.ClientCredentials) *oauth2.Config {
	endpoint := md.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  creds.RedirectURI,
	}
}
