// Package ginadapter exposes the token and charge middleware to Gin
// routers. It translates gin.Context to the net/http form the server
// package works with and delegates all checks to it.
package ginadapter

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/paymcp/paymcp/internal/server"
	"github.com/paymcp/paymcp/pkg/oauth"
)

// RequestContextKey is the gin context key holding the *server.RequestContext.
const RequestContextKey = "paymcp_request"

// Middleware returns a gin.HandlerFunc that authenticates and charges each
// request with m. Requests for protected-resource metadata are answered
// directly. Callbacks registered with server.OnFinish run after the
// remaining handlers.
//
//	r := gin.New()
//	r.Use(ginadapter.Middleware(m))
//	r.POST("/mcp", gin.WrapH(mcpHandler))
func Middleware(m *server.Middleware) gin.HandlerFunc {
	metadata := m.MetadataHandler()
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, oauth.ProtectedResourceMetadataPath) {
			metadata.ServeHTTP(c.Writer, c.Request)
			c.Abort()
			return
		}

		rc, ok := m.CheckToken(c.Writer, c.Request)
		if !ok {
			c.Abort()
			return
		}

		c.Set(RequestContextKey, rc)
		server.Run(c.Request.Context(), rc, func(ctx context.Context) {
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
	}
}

// RequestContext returns the request context bound by Middleware.
func RequestContext(c *gin.Context) (*server.RequestContext, bool) {
	v, ok := c.Get(RequestContextKey)
	if !ok {
		return nil, false
	}
	rc, ok := v.(*server.RequestContext)
	return rc, ok
}
