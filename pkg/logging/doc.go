// Package logging provides the slog construction helpers used across paymcp.
//
// Loggers are built once at startup from configuration and then passed to each
// component explicitly. Components tag their records with a subsystem so that
// client, server, and store output can be filtered independently.
//
// # Usage
//
//	logger := logging.New(logging.Options{
//		Level:  logging.LevelDebug,
//		Format: logging.FormatJSON,
//		Output: os.Stderr,
//	})
//
//	fetcher, err := payment.NewFetcher(oauthClient,
//		payment.WithLogger(logging.Subsystem(logger, "payment")))
//
// Secrets never reach a logger. Identifiers such as client IDs and payment
// request IDs are shortened with TruncateID before they are logged.
package logging
