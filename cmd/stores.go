package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/paymcp/paymcp/internal/config"
	"github.com/paymcp/paymcp/internal/server"
	"github.com/paymcp/paymcp/internal/store"
)

// openStore opens the credential store described by sc.
func openStore(ctx context.Context, sc config.StoreConfig, logger *slog.Logger) (store.CredentialStore, error) {
	if sc.Driver == "" || sc.Driver == config.DefaultStoreDriver {
		return store.NewMemoryStore(store.WithMemoryLogger(logger)), nil
	}
	return store.OpenSQL(ctx, sc.Driver, sc.DSN, store.WithSQLLogger(logger))
}

// httpClient returns a client trusting caFile in addition to the system
// roots, or nil to keep the default client.
func httpClient(caFile string) (*http.Client, error) {
	if caFile == "" {
		return nil, nil
	}
	return server.NewHTTPClientWithCA(caFile)
}
