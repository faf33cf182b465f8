package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/paymcp/paymcp/internal/account"
	"github.com/paymcp/paymcp/internal/config"
	oauthclient "github.com/paymcp/paymcp/internal/oauth"
	"github.com/paymcp/paymcp/internal/payment"
)

var (
	fetchMethod       string
	fetchTool         string
	fetchArgs         string
	fetchBody         string
	fetchInboundToken string
	fetchAllowPrivate bool
	fetchTimeout      time.Duration
)

// fetchCmd sends one JSON-RPC request through the payment-aware fetcher.
var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Call an MCP endpoint, authorizing and paying as needed",
	Long: `Sends one JSON-RPC request to an MCP endpoint and prints the response.

A 401 is answered by authorizing with a challenge signed by the configured
key (client.keyFile or client.privateKey). Without a key, --inbound-token is
exchanged for a token for the endpoint instead.

A payment request from a server in client.allowedAuthorizationServers is
paid when its amount is within client.maxAutoApprove, and the request is
retried once.

Examples:
  paymcp fetch https://api.example.com/mcp
  paymcp fetch https://api.example.com/mcp --tool forecast --args '{"city":"Berlin"}'

Exit codes:
  2  authentication required
  3  authorization failed
  4  payment required and not made`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		var errs config.ConfigurationErrors
		if errors.As(err, &errs) {
			fmt.Fprintln(cmd.ErrOrStderr(), errs.GetDetailedReport())
		}
		return err
	}

	body, err := requestBody()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
	}

	credentials, err := openStore(ctx, cfg.Client.Store, logger)
	if err != nil {
		return err
	}
	defer credentials.Close()

	hc, err := httpClient(cfg.Client.CAFile)
	if err != nil {
		return err
	}

	opts := []oauthclient.Option{
		oauthclient.WithUserID(cfg.Client.UserID),
		oauthclient.WithStrict(cfg.Client.Strict),
		oauthclient.WithHTTPClient(hc),
		oauthclient.WithLogger(logger),
		oauthclient.WithTokenExchanger(oauthclient.NewOIDCExchanger(oauthclient.OIDCExchangerOptions{
			Logger:         logger,
			AllowPrivateIP: fetchAllowPrivate,
			HTTPClient:     hc,
		})),
	}
	if cfg.Client.RedirectURI != "" {
		opts = append(opts, oauthclient.WithRedirectURI(cfg.Client.RedirectURI))
	}
	client := oauthclient.NewClient(credentials, opts...)

	if fetchInboundToken != "" {
		if err := client.SetInboundToken(ctx, fetchInboundToken); err != nil {
			return err
		}
	}

	capabilities, err := loadCapabilities(cfg.Client, logger)
	if err != nil {
		return err
	}
	maxAmount, err := cfg.Client.MaxAutoApproveAmount()
	if err != nil {
		return err
	}

	fetcher, err := payment.NewFetcher(client, capabilities,
		payment.WithAllowedAuthorizationServers(cfg.Client.AllowedAuthorizationServers...),
		payment.WithApproval(payment.MaxAmountApproval(maxAmount)),
		payment.WithHooks(loggingHooks(logger)),
		payment.WithHTTPClient(hc),
		payment.WithLogger(logger))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, args[0], bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := fetcher.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s answered %s", args[0], resp.Status)
	}
	return nil
}

// requestBody builds the JSON-RPC request from the flags.
func requestBody() ([]byte, error) {
	if fetchBody != "" {
		if !json.Valid([]byte(fetchBody)) {
			return nil, errors.New("--body is not valid JSON")
		}
		return []byte(fetchBody), nil
	}

	method := fetchMethod
	if method == "" {
		method = "tools/list"
		if fetchTool != "" {
			method = "tools/call"
		}
	}

	msg := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if method == "tools/call" {
		if fetchTool == "" {
			return nil, errors.New("--tool is required for tools/call")
		}
		arguments := map[string]any{}
		if fetchArgs != "" {
			if err := json.Unmarshal([]byte(fetchArgs), &arguments); err != nil {
				return nil, fmt.Errorf("--args must be a JSON object: %w", err)
			}
		}
		msg["params"] = map[string]any{"name": fetchTool, "arguments": arguments}
	}
	return json.Marshal(msg)
}

// loadCapabilities returns the configured payer, if any. Transfers are not
// executed by the CLI itself, so the account can authorize but not pay.
func loadCapabilities(cc config.ClientConfig, logger *slog.Logger) ([]account.PaymentCapability, error) {
	var (
		acct *account.Account
		err  error
	)
	switch {
	case cc.PrivateKey != "":
		acct, err = account.NewFromBase58(cc.PrivateKey, account.WithLogger(logger))
	case cc.KeyFile != "":
		acct, err = account.NewFromKeygenFile(cc.KeyFile, account.WithLogger(logger))
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("Loaded payer account", "account", acct.AccountID())
	return []account.PaymentCapability{acct}, nil
}

func loggingHooks(logger *slog.Logger) payment.Hooks {
	return payment.Hooks{
		OnAuthorize: func(e payment.Event) {
			logger.Info("Authorized", "resource", e.ResourceServerURL, "account", e.AccountID, "duration", e.Duration)
		},
		OnPayment: func(e payment.Event) {
			logger.Info("Paid",
				"payment_request_id", e.PaymentRequestID,
				"payment_id", e.PaymentID,
				"amount", e.Amount.String(),
				"currency", e.Currency,
				"network", e.Network)
		},
		OnPaymentFailure: func(e payment.Event) {
			logger.Warn("Payment failed", "payment_request_id", e.PaymentRequestID, "error", e.Error)
		},
	}
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVar(&fetchMethod, "method", "", "JSON-RPC method (default tools/list, or tools/call with --tool)")
	fetchCmd.Flags().StringVar(&fetchTool, "tool", "", "Tool to call")
	fetchCmd.Flags().StringVar(&fetchArgs, "args", "", "Tool arguments as a JSON object")
	fetchCmd.Flags().StringVar(&fetchBody, "body", "", "Raw JSON-RPC request body (overrides --method, --tool and --args)")
	fetchCmd.Flags().StringVar(&fetchInboundToken, "inbound-token", "", "Token to exchange for the endpoint when no key is configured")
	fetchCmd.Flags().BoolVar(&fetchAllowPrivate, "allow-private-ip", false, "Allow token exchange with private-network endpoints")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 2*time.Minute, "Overall timeout")
}
