package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/paymcp/paymcp/pkg/logging"
	"github.com/paymcp/paymcp/pkg/oauth"
)

const (
	// DefaultMCPPath is where the protected MCP handler is mounted.
	DefaultMCPPath = "/mcp"

	// DefaultReadHeaderTimeout is the default timeout for reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultWriteTimeout is the default timeout for writing responses.
	DefaultWriteTimeout = 120 * time.Second
	// DefaultIdleTimeout is the default idle timeout for keepalive connections.
	DefaultIdleTimeout = 120 * time.Second
)

// HTTPServer serves an MCP handler behind a Middleware.
type HTTPServer struct {
	middleware *Middleware
	mcpHandler http.Handler
	mcpPath    string
	logger     *slog.Logger
	httpServer *http.Server
}

// NewHTTPServer wraps mcpHandler, mounted at mcpPath, with m.
func NewHTTPServer(m *Middleware, mcpHandler http.Handler, mcpPath string, logger *slog.Logger) (*HTTPServer, error) {
	if m == nil || mcpHandler == nil {
		return nil, errors.New("middleware and MCP handler are required")
	}
	if err := ValidateHTTPSRequirement(m.config.AuthorizationServer); err != nil {
		return nil, fmt.Errorf("authorization server: %w", err)
	}
	if mcpPath == "" {
		mcpPath = DefaultMCPPath
	}
	return &HTTPServer{
		middleware: m,
		mcpHandler: mcpHandler,
		mcpPath:    mcpPath,
		logger:     logging.Subsystem(logger, "http"),
	}, nil
}

// CreateMux routes the health check, resource metadata and the protected
// MCP endpoint.
func (s *HTTPServer) CreateMux() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint (unauthenticated)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Protected Resource Metadata endpoint (RFC 9728)
	mux.Handle(oauth.ProtectedResourceMetadataPath+s.mcpPath, s.middleware.MetadataHandler())

	mux.Handle(s.mcpPath, s.middleware.Wrap(s.mcpHandler))

	s.logger.Info("Protected MCP endpoint",
		"path", s.mcpPath,
		"authorization_server", s.middleware.config.AuthorizationServer)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *HTTPServer) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled.
func (s *HTTPServer) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.CreateMux(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", "address", listener.Addr().String())
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// NewHTTPClientWithCA creates an HTTP client that trusts certificates signed by
// the CA in the specified file, in addition to the system pool.
func NewHTTPClientWithCA(caFile string) (*http.Client, error) {
	// #nosec G304 -- caFile is a configuration value from operator, not user input
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file %s: %w", caFile, err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}

	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caFile)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			RootCAs:    caCertPool,
			MinVersion: tls.VersionTLS12,
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   oauth.DefaultHTTPTimeout,
	}, nil
}

// ValidateHTTPSRequirement ensures an authorization or payment server URL
// uses HTTPS. Plain HTTP is allowed only for loopback addresses.
func ValidateHTTPSRequirement(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	if u.Scheme == "http" {
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("HTTPS is required (got: %s). Use HTTPS or localhost for development", baseURL)
		}
	} else if u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s. Must be http (localhost only) or https", u.Scheme)
	}

	return nil
}
