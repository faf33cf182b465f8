package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/paymcp/paymcp/internal/config"
	oauthclient "github.com/paymcp/paymcp/internal/oauth"
	"github.com/paymcp/paymcp/internal/server"
)

var (
	serveAddress      string
	servePremiumPrice string
)

// serveCmd runs a demo MCP server behind the token and charge middleware.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a priced MCP endpoint",
	Long: `Starts an MCP server (streamable HTTP) protected by bearer tokens.

Every request is introspected at the configured authorization server. The
price of the operation, taken from server.prices, is sent as the charge.
server.prices is reloaded whenever config.yaml changes.

The server offers two tools:
  echo              returns its input
  premium_forecast  charges the caller through the payment server first

Configuration:
  server.authorizationServer  introspecting authorization server (HTTPS)
  server.prices               operation -> amount
  server.payment              payment server used by premium_forecast`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveAddress != "" {
		cfg.Server.Address = serveAddress
	}
	if err := cfg.ValidateServer(); err != nil {
		var errs config.ConfigurationErrors
		if errors.As(err, &errs) {
			fmt.Fprintln(cmd.ErrOrStderr(), errs.GetDetailedReport())
		}
		return err
	}
	premium, err := decimal.NewFromString(servePremiumPrice)
	if err != nil || !premium.IsPositive() {
		return fmt.Errorf("--premium-price must be a positive amount, got %q", servePremiumPrice)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	credentials, err := openStore(ctx, cfg.Server.Store, logger)
	if err != nil {
		return err
	}
	defer credentials.Close()

	hc, err := httpClient(cfg.Server.CAFile)
	if err != nil {
		return err
	}
	introspector := oauthclient.NewResourceClient(credentials,
		oauthclient.WithConfidentialClient(true),
		oauthclient.WithClientName("paymcp-server"),
		oauthclient.WithHTTPClient(hc),
		oauthclient.WithLogger(logger))

	table, err := cfg.Server.PriceTable()
	if err != nil {
		return err
	}
	prices := server.NewDynamicPrice(table)
	watcher := config.NewPriceWatcher(priceFile(), func(t map[string]decimal.Decimal) {
		prices.Store(t)
	}, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("Prices will not be reloaded", "error", err)
	}
	defer watcher.Stop()

	var payments *server.PaymentConfig
	if cfg.Server.Payment.Enabled() {
		payments = &server.PaymentConfig{
			Server: server.NewPaymentServer(cfg.Server.Payment.ServerURL, cfg.Server.Payment.ConnectionToken,
				server.WithPaymentHTTPClient(hc),
				server.WithPaymentLogger(logger)),
			Currency:     cfg.Server.Payment.Currency,
			Network:      cfg.Server.Payment.Network,
			Destination:  cfg.Server.Payment.Destination,
			ResourceName: cfg.Server.ResourceName,
		}
	}

	m, err := server.NewMiddleware(introspector, server.MiddlewareConfig{
		AuthorizationServer: cfg.Server.AuthorizationServer,
		Price:               prices,
		Payment:             payments,
		ResourceName:        cfg.Server.ResourceName,
	}, server.WithLogger(logger))
	if err != nil {
		return err
	}

	mcp := newMCPServer(GetVersion(), premium, logger)
	httpServer, err := server.NewHTTPServer(m, newStreamableHandler(mcp), cfg.Server.MCPPath, logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving MCP on http://%s%s\n", cfg.Server.Address, cfg.Server.MCPPath)
	return httpServer.ListenAndServe(ctx, cfg.Server.Address)
}

func priceFile() string {
	dir := configPath
	if dir == "" {
		dir = config.GetDefaultConfigPathOrPanic()
	}
	return config.ConfigFilePath(dir)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddress, "address", "", "Listen address (overrides server.address)")
	serveCmd.Flags().StringVar(&servePremiumPrice, "premium-price", "0.05", "Amount charged by the premium_forecast tool")
}
