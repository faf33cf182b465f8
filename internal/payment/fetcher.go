package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/paymcp/paymcp/internal/account"
	oauthclient "github.com/paymcp/paymcp/internal/oauth"
	"github.com/paymcp/paymcp/pkg/logging"
	"github.com/paymcp/paymcp/pkg/oauth"
)

// DefaultAuthorizationServer is trusted for payments when no allow-list is given.
const DefaultAuthorizationServer = "https://auth.paymcp.com"

const maxInspectedBodyBytes = 4 << 20

// Fetcher sends requests through an oauth Client and settles the
// authentication and payment challenges it meets along the way.
//
// Each call to Do authenticates at most once and pays at most once.
type Fetcher struct {
	client     *oauthclient.Client
	capability account.PaymentCapability
	allowed    map[string]struct{}
	approve    ApprovalFunc
	hooks      Hooks
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithAllowedAuthorizationServers replaces the set of authorization servers
// whose payment requests are honoured. Entries are compared by origin.
func WithAllowedAuthorizationServers(servers ...string) Option {
	return func(f *Fetcher) {
		f.allowed = make(map[string]struct{}, len(servers))
		for _, s := range servers {
			if origin, err := oauth.Origin(s); err == nil {
				f.allowed[origin] = struct{}{}
			}
		}
	}
}

// WithApproval sets the callback consulted before every payment.
func WithApproval(fn ApprovalFunc) Option {
	return func(f *Fetcher) {
		if fn != nil {
			f.approve = fn
		}
	}
}

// WithHooks sets event callbacks.
func WithHooks(h Hooks) Option {
	return func(f *Fetcher) {
		f.hooks = h
	}
}

// WithHTTPClient sets the client used for authorization and payment-request calls.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.httpClient = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logging.Subsystem(logger, "payment")
	}
}

// NewFetcher creates a Fetcher. capabilities may be empty, in which case
// authentication falls back to exchanging the caller's inbound token and
// payments cannot be made.
func NewFetcher(client *oauthclient.Client, capabilities []account.PaymentCapability, opts ...Option) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("oauth client is required")
	}
	if len(capabilities) > 1 {
		return nil, fmt.Errorf("%w: got %d", ErrMultipleCapabilities, len(capabilities))
	}

	f := &Fetcher{
		client:     client,
		approve:    DefaultApproval,
		httpClient: &http.Client{Timeout: oauth.DefaultHTTPTimeout},
		logger:     logging.Discard(),
	}
	if len(capabilities) == 1 {
		f.capability = capabilities[0]
	}
	WithAllowedAuthorizationServers(DefaultAuthorizationServer)(f)
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Do sends req. A 401 is answered by authorizing and retrying once. A
// successful response that carries a payment request from a trusted
// authorization server is answered by paying and retrying once. Payment
// requests from other servers are returned to the caller untouched.
func (f *Fetcher) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		body = b
	}

	authenticated, paid := false, false
	for {
		resp, err := f.client.Do(withBody(req, body))

		var authErr *oauthclient.AuthenticationRequiredError
		if errors.As(err, &authErr) && !authenticated {
			authenticated = true
			if err := f.authenticate(ctx, authErr); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		payErr, err := inspect(resp)
		if err != nil {
			return nil, err
		}
		if payErr == nil {
			return resp, nil
		}
		if !f.trusted(payErr.AuthorizationServer) {
			f.logger.Warn("Ignoring payment request from untrusted authorization server",
				"authorization_server", payErr.AuthorizationServer,
				"payment_request_id", payErr.ID)
			return resp, nil
		}
		_ = resp.Body.Close()
		if paid {
			return nil, payErr
		}
		paid = true
		if err := f.pay(ctx, req.URL.String(), payErr); err != nil {
			return nil, err
		}
	}
}

func withBody(req *http.Request, body []byte) *http.Request {
	if body == nil {
		return req
	}
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	return out
}

// replayBody serves the bytes inspect consumed followed by the rest of the
// original body, and closes the original body.
type replayBody struct {
	io.Reader
	io.Closer
}

// inspect looks for a payment request in a successful response. At most
// maxInspectedBodyBytes are read, and event streams only until their first
// JSON-RPC response. The body is restored in full so the caller can still
// read it.
func inspect(resp *http.Response) (*PaymentRequestError, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil
	}

	var (
		prefix []byte
		pr     *PaymentRequestError
		err    error
	)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		prefix, pr, err = scanEventStream(resp.Body, maxInspectedBodyBytes)
	} else {
		prefix, err = io.ReadAll(io.LimitReader(resp.Body, maxInspectedBodyBytes+1))
		if err == nil && len(prefix) <= maxInspectedBodyBytes {
			pr = detectInJSON(prefix)
		}
	}
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	resp.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(prefix), resp.Body), Closer: resp.Body}
	return pr, nil
}

func (f *Fetcher) trusted(authServer string) bool {
	origin, err := oauth.Origin(authServer)
	if err != nil {
		return false
	}
	_, ok := f.allowed[origin]
	return ok
}

func (f *Fetcher) authenticate(ctx context.Context, authErr *oauthclient.AuthenticationRequiredError) error {
	start := time.Now()
	resourceServerURL := authErr.ResourceServerURL
	if resourceServerURL == "" {
		resourceServerURL = authErr.URL
	}

	if f.capability == nil {
		if _, err := f.client.ExchangeInboundToken(ctx, resourceServerURL); err != nil {
			return fmt.Errorf("token hand-off for %s failed: %w", resourceServerURL, err)
		}
		f.hooks.emit(f.hooks.OnAuthorize, Event{
			Type:              EventAuthorize,
			URL:               authErr.URL,
			ResourceServerURL: resourceServerURL,
			Duration:          time.Since(start),
		})
		return nil
	}

	authReq, err := f.client.MakeAuthorizationURL(ctx, authErr.URL, authErr.ResourceServerURL)
	if err != nil {
		return err
	}
	token, err := f.capability.SignToken(ctx, account.Claims{CodeChallenge: authReq.CodeChallenge})
	if err != nil {
		return err
	}
	callbackURL, err := f.submitAuthorization(ctx, authReq.URL, token)
	if err != nil {
		return err
	}
	if err := f.client.HandleCallback(ctx, callbackURL); err != nil {
		return err
	}

	f.logger.Info("Authorized resource",
		"resource", authReq.ResourceURL,
		"account", f.capability.AccountID())
	f.hooks.emit(f.hooks.OnAuthorize, Event{
		Type:              EventAuthorize,
		URL:               authErr.URL,
		ResourceServerURL: authReq.ResourceURL,
		AccountID:         f.capability.AccountID(),
		Duration:          time.Since(start),
	})
	return nil
}

// submitAuthorization presents the signed token to the authorization
// endpoint and returns the callback URL it hands back, either as a
// redirect or as {"redirect": "..."} in a 200 body.
func (f *Fetcher) submitAuthorization(ctx context.Context, authURL, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create authorization request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	noRedirect := *f.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorization request failed: %w", err)
	}
	defer resp.Body.Close()

	var location string
	switch {
	case resp.StatusCode >= 300 && resp.StatusCode <= 399:
		location = resp.Header.Get("Location")
	case resp.StatusCode == http.StatusOK:
		var payload struct {
			Redirect string `json:"redirect"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
			return "", fmt.Errorf("%w: unreadable response: %w", ErrAuthorizationFailed, err)
		}
		location = payload.Redirect
	default:
		return "", fmt.Errorf("%w: status %d", ErrAuthorizationFailed, resp.StatusCode)
	}
	if location == "" {
		return "", fmt.Errorf("%w: no redirect", ErrAuthorizationFailed)
	}

	base, err := url.Parse(authURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthorizationFailed, err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("%w: invalid redirect: %w", ErrAuthorizationFailed, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (f *Fetcher) pay(ctx context.Context, requestURL string, payErr *PaymentRequestError) error {
	start := time.Now()
	event := Event{
		URL:              requestURL,
		PaymentRequestID: payErr.ID,
	}
	fail := func(err error) error {
		event.Type = EventPaymentFailure
		event.Error = err
		event.Duration = time.Since(start)
		f.hooks.emit(f.hooks.OnPaymentFailure, event)
		return err
	}

	if f.capability == nil {
		return fail(fmt.Errorf("%w: %w", ErrNoCapability, payErr))
	}
	event.AccountID = f.capability.AccountID()

	pr, err := fetchRequest(ctx, f.httpClient, payErr.URL)
	if err != nil {
		return fail(err)
	}
	event.Amount = pr.Amount
	event.Currency = pr.Currency
	event.Network = pr.Network
	event.Destination = pr.Destination

	approved, err := f.approve(ctx, ProspectivePayment{
		AccountID:        f.capability.AccountID(),
		ResourceName:     pr.ResourceName,
		PaymentRequestID: payErr.ID,
		Amount:           pr.Amount,
		Currency:         pr.Currency,
		Network:          pr.Network,
		Destination:      pr.Destination,
	})
	if err != nil {
		return fail(fmt.Errorf("payment approval failed: %w", err))
	}
	if !approved {
		return fail(fmt.Errorf("%w: %s %s for %s", ErrPaymentDeclined, pr.Amount, pr.Currency, payErr.URL))
	}

	paymentID, err := f.capability.Pay(ctx, account.PaymentParams{
		Amount:           pr.Amount,
		Currency:         pr.Currency,
		Network:          pr.Network,
		Destination:      pr.Destination,
		ResourceName:     pr.ResourceName,
		PaymentRequestID: payErr.ID,
	})
	if err != nil {
		return fail(err)
	}
	event.PaymentID = paymentID

	token, err := f.capability.SignToken(ctx, account.Claims{PaymentIDs: []string{paymentID}})
	if err != nil {
		return fail(err)
	}
	if err := completeRequest(ctx, f.httpClient, payErr.URL, token); err != nil {
		return fail(err)
	}

	f.logger.Info("Payment request settled",
		"payment_request_id", payErr.ID,
		"amount", pr.Amount.String(),
		"currency", pr.Currency,
		"network", pr.Network)
	event.Type = EventPaymentSuccess
	event.Duration = time.Since(start)
	f.hooks.emit(f.hooks.OnPayment, event)
	return nil
}
