// Package config loads paymcp configuration.
//
// Configuration is read from config.yaml in a single directory, by default
// ~/.config/paymcp. Every value has a default, so a missing file is not an
// error. The file has three sections:
//
//	log:
//	  level: info
//	  format: text
//	client:
//	  userId: local
//	  keyFile: ~/.config/solana/id.json
//	  store:
//	    driver: sqlite3
//	    dsn: /home/me/.config/paymcp/credentials.db
//	  allowedAuthorizationServers: [https://auth.paymcp.com]
//	  maxAutoApprove: "1"
//	server:
//	  address: localhost:8090
//	  authorizationServer: https://auth.paymcp.com
//	  prices:
//	    tools/call: "0.01"
//	    tools/call:forecast: "0.05"
//	  payment:
//	    serverUrl: https://auth.paymcp.com
//	    connectionToken: ...
//	    destination: ...
//
// Validate reports every problem at once as ConfigurationErrors.
//
// PriceWatcher follows the file with fsnotify so server.prices can be
// changed without a restart.
package config
