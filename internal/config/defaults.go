package config

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	// DefaultAuthorizationServer is used by servers and trusted by clients
	// when nothing else is configured.
	DefaultAuthorizationServer = "https://auth.paymcp.com"

	DefaultAddress = "localhost:8090"
	DefaultMCPPath = "/mcp"

	// DefaultStoreDriver keeps credentials in memory only.
	DefaultStoreDriver = "memory"

	DefaultCurrency       = "USDC"
	DefaultNetwork        = "solana"
	DefaultMaxAutoApprove = "1"
	DefaultUserID         = "local"
)

// GetDefaultConfig returns the configuration used when no file is present.
func GetDefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Client: ClientConfig{
			UserID:                      DefaultUserID,
			Store:                       StoreConfig{Driver: DefaultStoreDriver},
			AllowedAuthorizationServers: []string{DefaultAuthorizationServer},
			MaxAutoApprove:              DefaultMaxAutoApprove,
		},
		Server: ServerConfig{
			Address:             DefaultAddress,
			MCPPath:             DefaultMCPPath,
			AuthorizationServer: DefaultAuthorizationServer,
			Store:               StoreConfig{Driver: DefaultStoreDriver},
			Payment: PaymentConfig{
				Currency: DefaultCurrency,
				Network:  DefaultNetwork,
			},
		},
	}
}
