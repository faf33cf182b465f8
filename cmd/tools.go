package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/shopspring/decimal"

	"github.com/paymcp/paymcp/internal/server"
	"github.com/paymcp/paymcp/pkg/logging"
)

// newMCPServer builds the demo MCP server offered by `paymcp serve`.
func newMCPServer(version string, premium decimal.Decimal, logger *slog.Logger) *mcpserver.MCPServer {
	logger = logging.Subsystem(logger, "tools")
	s := mcpserver.NewMCPServer("paymcp", version, mcpserver.WithToolCapabilities(false))

	s.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Returns its input"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo")),
		),
		echoTool,
	)
	s.AddTool(
		mcp.NewTool("premium_forecast",
			mcp.WithDescription(fmt.Sprintf("Weather forecast, charged %s per call", premium)),
			mcp.WithString("city", mcp.Required(), mcp.Description("City to forecast")),
		),
		premiumForecastTool(premium, logger),
	)
	return s
}

// newStreamableHandler serves s over stateless streamable HTTP so that
// every request carries its own bearer token.
func newStreamableHandler(s *mcpserver.MCPServer) http.Handler {
	return mcpserver.NewStreamableHTTPServer(s, mcpserver.WithStateLess(true))
}

func echoTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func premiumForecastTool(price decimal.Decimal, logger *slog.Logger) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		city, err := req.RequireString("city")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		err = server.RequirePayment(ctx, server.Charge{Amount: price})
		var payErr *server.PaymentRequiredError
		switch {
		case errors.As(err, &payErr):
			return payErr.ToolResult(), nil
		case err != nil:
			logger.Error("Charge failed", "error", err)
			return mcp.NewToolResultError("payment could not be processed"), nil
		}

		_ = server.OnFinish(ctx, func(ctx context.Context) {
			user, _ := server.UserFromContext(ctx)
			logger.Info("Premium forecast served", "user", user, "city", city, "amount", price.String())
		})
		return mcp.NewToolResultText(fmt.Sprintf("Forecast for %s: sunny, 21°C", city)), nil
	}
}
