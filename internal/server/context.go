package server

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const requestContextKey contextKey = "paymcp_request"

// RequestContext is the identity and pricing state of an authenticated
// request. The middleware binds it to the request context before calling
// the wrapped handler.
type RequestContext struct {
	// RequestID correlates log lines for one request.
	RequestID string

	// User is the introspected sub of the bearer token.
	User string

	// Token is the bearer token presented by the caller.
	Token string

	// ResourceURL is the URL of the protected resource as seen by the caller.
	ResourceURL string

	// Operation is the value returned by GetOperation.
	Operation string

	// Charge is the price sent with introspection.
	Charge decimal.Decimal

	// AuthorizationServer is the configured authorization server URL.
	AuthorizationServer string

	// Payment is the configuration used by RequirePayment. It may be nil.
	Payment *PaymentConfig

	mu       sync.Mutex
	finishes []func(context.Context)
}

// WithRequestContext binds rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// RequestContextFrom returns the RequestContext bound to ctx.
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(*RequestContext)
	return rc, ok && rc != nil
}

// UserFromContext returns the authenticated user bound to ctx.
func UserFromContext(ctx context.Context) (string, bool) {
	rc, ok := RequestContextFrom(ctx)
	if !ok || rc.User == "" {
		return "", false
	}
	return rc.User, true
}

// AccessTokenFromContext returns the caller's bearer token. It can be handed
// to an oauth.Client with SetInboundToken for pass-through calls.
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	rc, ok := RequestContextFrom(ctx)
	if !ok || rc.Token == "" {
		return "", false
	}
	return rc.Token, true
}

// OnFinish registers fn to run once the handler for the request bound to ctx
// has returned. Callbacks run in registration order with the request context.
func OnFinish(ctx context.Context, fn func(context.Context)) error {
	rc, ok := RequestContextFrom(ctx)
	if !ok {
		return ErrNoRequestContext
	}
	rc.mu.Lock()
	rc.finishes = append(rc.finishes, fn)
	rc.mu.Unlock()
	return nil
}

// finish runs and clears the registered callbacks.
func (rc *RequestContext) finish(ctx context.Context) {
	rc.mu.Lock()
	fns := rc.finishes
	rc.finishes = nil
	rc.mu.Unlock()

	for _, fn := range fns {
		fn(ctx)
	}
}
