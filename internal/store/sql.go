package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver

	"github.com/paymcp/paymcp/pkg/logging"
	"github.com/paymcp/paymcp/pkg/oauth"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS client_credentials (
		issuer        TEXT PRIMARY KEY,
		client_id     TEXT NOT NULL,
		client_secret TEXT NOT NULL DEFAULT '',
		redirect_uri  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS pkce_values (
		user_id        TEXT NOT NULL,
		state          TEXT NOT NULL,
		code_verifier  TEXT NOT NULL,
		code_challenge TEXT NOT NULL,
		url            TEXT NOT NULL,
		resource_url   TEXT NOT NULL,
		created_at     BIGINT NOT NULL,
		PRIMARY KEY (user_id, state)
	)`,
	`CREATE TABLE IF NOT EXISTS access_tokens (
		user_id       TEXT NOT NULL,
		resource_url  TEXT NOT NULL,
		access_token  TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at    BIGINT,
		PRIMARY KEY (user_id, resource_url)
	)`,
}

type clientRow struct {
	ClientID     string `db:"client_id"`
	ClientSecret string `db:"client_secret"`
	RedirectURI  string `db:"redirect_uri"`
}

type pkceRow struct {
	CodeVerifier  string `db:"code_verifier"`
	CodeChallenge string `db:"code_challenge"`
	State         string `db:"state"`
	URL           string `db:"url"`
	ResourceURL   string `db:"resource_url"`
	CreatedAt     int64  `db:"created_at"`
}

type tokenRow struct {
	UserID       string        `db:"user_id"`
	ResourceURL  string        `db:"resource_url"`
	AccessToken  string        `db:"access_token"`
	RefreshToken string        `db:"refresh_token"`
	ExpiresAt    sql.NullInt64 `db:"expires_at"`
}

func (r *tokenRow) toAccessToken() *oauth.AccessToken {
	t := &oauth.AccessToken{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ResourceURL:  r.ResourceURL,
	}
	if r.ExpiresAt.Valid {
		t.ExpiresAt = time.UnixMilli(r.ExpiresAt.Int64)
	}
	return t
}

// SQLStore persists credentials in a SQL database through sqlx.
// Timestamps are stored as unix milliseconds.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithSQLLogger sets the logger.
func WithSQLLogger(logger *slog.Logger) SQLOption {
	return func(s *SQLStore) {
		s.logger = logger
	}
}

// OpenSQL connects to driver/dsn and creates the schema if needed.
func OpenSQL(ctx context.Context, driver, dsn string, opts ...SQLOption) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	if driver == DriverSQLite && strings.Contains(dsn, ":memory:") {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	s, err := NewSQLStore(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing connection and creates the schema if needed.
func NewSQLStore(ctx context.Context, db *sqlx.DB, opts ...SQLOption) (*SQLStore, error) {
	s := &SQLStore{db: db, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to migrate store schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) LoadClientCredentials(ctx context.Context, issuer string) (*oauth.ClientCredentials, error) {
	var row clientRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT client_id, client_secret, redirect_uri FROM client_credentials WHERE issuer = ?`), issuer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client credentials: %w", err)
	}
	return &oauth.ClientCredentials{
		ClientID:     row.ClientID,
		ClientSecret: row.ClientSecret,
		RedirectURI:  row.RedirectURI,
	}, nil
}

func (s *SQLStore) SaveClientCredentials(ctx context.Context, issuer string, creds *oauth.ClientCredentials) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO client_credentials (issuer, client_id, client_secret, redirect_uri)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (issuer) DO UPDATE SET
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			redirect_uri = excluded.redirect_uri`),
		issuer, creds.ClientID, creds.ClientSecret, creds.RedirectURI)
	if err != nil {
		return fmt.Errorf("failed to save client credentials: %w", err)
	}
	s.logger.Debug("Stored client credentials",
		"issuer", issuer,
		"client_id", logging.TruncateID(creds.ClientID, 8))
	return nil
}

func (s *SQLStore) LoadPKCEValues(ctx context.Context, userID, state string) (*oauth.PKCEValues, error) {
	var row pkceRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT code_verifier, code_challenge, state, url, resource_url, created_at
		FROM pkce_values WHERE user_id = ? AND state = ?`), userID, state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load PKCE values: %w", err)
	}
	return &oauth.PKCEValues{
		CodeVerifier:  row.CodeVerifier,
		CodeChallenge: row.CodeChallenge,
		State:         row.State,
		URL:           row.URL,
		ResourceURL:   row.ResourceURL,
		CreatedAt:     time.UnixMilli(row.CreatedAt),
	}, nil
}

func (s *SQLStore) SavePKCEValues(ctx context.Context, userID, state string, values *oauth.PKCEValues) error {
	createdAt := values.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO pkce_values (user_id, state, code_verifier, code_challenge, url, resource_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, state) DO UPDATE SET
			code_verifier = excluded.code_verifier,
			code_challenge = excluded.code_challenge,
			url = excluded.url,
			resource_url = excluded.resource_url,
			created_at = excluded.created_at`),
		userID, state, values.CodeVerifier, values.CodeChallenge, values.URL, values.ResourceURL, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save PKCE values: %w", err)
	}
	return nil
}

func (s *SQLStore) DeletePKCEValues(ctx context.Context, userID, state string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM pkce_values WHERE user_id = ? AND state = ?`), userID, state)
	if err != nil {
		return fmt.Errorf("failed to delete PKCE values: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadAccessToken(ctx context.Context, userID, resourceURL string) (*oauth.AccessToken, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT user_id, resource_url, access_token, refresh_token, expires_at
		FROM access_tokens WHERE user_id = ? AND resource_url = ?`), userID, resourceURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	return row.toAccessToken(), nil
}

func (s *SQLStore) SaveAccessToken(ctx context.Context, userID, resourceURL string, token *oauth.AccessToken) error {
	var expiresAt sql.NullInt64
	if !token.ExpiresAt.IsZero() {
		expiresAt = sql.NullInt64{Int64: token.ExpiresAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO access_tokens (user_id, resource_url, access_token, refresh_token, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, resource_url) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at`),
		userID, resourceURL, token.AccessToken, token.RefreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	s.logger.Debug("Stored access token",
		"user", userID,
		"resource", resourceURL,
		"expires_at", token.ExpiresAt)
	return nil
}

// ListAccessTokens returns all stored tokens ordered by user and resource.
func (s *SQLStore) ListAccessTokens(ctx context.Context) ([]TokenRecord, error) {
	var rows []tokenRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT user_id, resource_url, access_token, refresh_token, expires_at
		FROM access_tokens ORDER BY user_id, resource_url`)
	if err != nil {
		return nil, fmt.Errorf("failed to list access tokens: %w", err)
	}
	out := make([]TokenRecord, 0, len(rows))
	for i := range rows {
		out = append(out, TokenRecord{
			UserID:      rows[i].UserID,
			ResourceURL: rows[i].ResourceURL,
			Token:       rows[i].toAccessToken(),
		})
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
