package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/paymcp/paymcp/internal/account"
	"github.com/paymcp/paymcp/internal/config"
	oauthclient "github.com/paymcp/paymcp/internal/oauth"
	"github.com/paymcp/paymcp/internal/payment"
	"github.com/paymcp/paymcp/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates authentication is required but not available.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the authorization flow failed.
	ExitCodeAuthFailed = 3
	// ExitCodePaymentRequired indicates a payment was requested and not made.
	ExitCodePaymentRequired = 4
)

var (
	configPath string
	debug      bool
)

// rootCmd represents the base command for the paymcp application.
var rootCmd = &cobra.Command{
	Use:   "paymcp",
	Short: "Pay for and charge for MCP tool calls",
	Long: `paymcp connects MCP clients and servers to a payment-aware
authorization server.

As a client ('paymcp fetch') it authorizes with a signed challenge and pays
payment requests from trusted authorization servers, within an approval limit.

As a server ('paymcp serve') it protects an MCP endpoint with bearer tokens,
charging every operation its configured price during token introspection.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "paymcp version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	var authRequired *oauthclient.AuthenticationRequiredError
	if errors.As(err, &authRequired) || errors.Is(err, oauthclient.ErrNoInboundToken) {
		return ExitCodeAuthRequired
	}

	var authErr *oauthclient.AuthorizationError
	if errors.As(err, &authErr) || errors.Is(err, payment.ErrAuthorizationFailed) {
		return ExitCodeAuthFailed
	}

	var payErr *payment.PaymentRequestError
	if errors.As(err, &payErr) ||
		errors.Is(err, payment.ErrPaymentDeclined) ||
		errors.Is(err, payment.ErrNoCapability) ||
		errors.Is(err, account.ErrUnsupportedNetwork) {
		return ExitCodePaymentRequired
	}

	return ExitCodeError
}

// loadConfig reads the configuration selected by --config-path and builds
// the logger it describes. --debug forces debug logging.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	dir := configPath
	if dir == "" {
		dir = config.GetDefaultConfigPathOrPanic()
	}
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return config.Config{}, nil, err
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("log.level: %w", err)
	}
	logger := logging.New(logging.Options{
		Level:  level,
		Format: logging.Format(cfg.Log.Format),
		Output: cmd.ErrOrStderr(),
	})
	return cfg, logger, nil
}

func init() {
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", "", "Configuration directory (default is $HOME/.config/paymcp)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
