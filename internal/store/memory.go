package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/paymcp/paymcp/pkg/logging"
	"github.com/paymcp/paymcp/pkg/oauth"
)

// DefaultPKCEExpiry bounds how long an unfinished authorization attempt is kept.
const DefaultPKCEExpiry = 10 * time.Minute

type userKey struct {
	userID string
	key    string
}

// MemoryStore provides thread-safe in-memory credential storage.
// Abandoned PKCE records are swept by a background goroutine until Close.
type MemoryStore struct {
	mu      sync.RWMutex
	clients map[string]*oauth.ClientCredentials
	pkce    map[userKey]*oauth.PKCEValues
	tokens  map[userKey]*oauth.AccessToken
	closed  bool

	logger          *slog.Logger
	pkceExpiry      time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// WithPKCEExpiry sets how long PKCE records survive and how often they are swept.
func WithPKCEExpiry(expiry time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.pkceExpiry = expiry
		s.cleanupInterval = expiry / 2
	}
}

// NewMemoryStore creates a new in-memory store.
// It starts a background goroutine for periodic cleanup of expired PKCE records.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		clients:         make(map[string]*oauth.ClientCredentials),
		pkce:            make(map[userKey]*oauth.PKCEValues),
		tokens:          make(map[userKey]*oauth.AccessToken),
		logger:          logging.Discard(),
		pkceExpiry:      DefaultPKCEExpiry,
		cleanupInterval: DefaultPKCEExpiry / 2,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cleanupInterval <= 0 {
		s.cleanupInterval = time.Minute
	}

	go s.cleanupLoop()

	return s
}

func (s *MemoryStore) LoadClientCredentials(_ context.Context, issuer string) (*oauth.ClientCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.clients[issuer]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) SaveClientCredentials(_ context.Context, issuer string, creds *oauth.ClientCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *creds
	s.clients[issuer] = &cp
	s.logger.Debug("Stored client credentials",
		"issuer", issuer,
		"client_id", logging.TruncateID(creds.ClientID, 8))
	return nil
}

func (s *MemoryStore) LoadPKCEValues(_ context.Context, userID, state string) (*oauth.PKCEValues, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.pkce[userKey{userID, state}]
	if !ok || s.pkceExpired(v, time.Now()) {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) SavePKCEValues(_ context.Context, userID, state string, values *oauth.PKCEValues) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *values
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.pkce[userKey{userID, state}] = &cp
	return nil
}

func (s *MemoryStore) DeletePKCEValues(_ context.Context, userID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.pkce, userKey{userID, state})
	return nil
}

func (s *MemoryStore) LoadAccessToken(_ context.Context, userID, resourceURL string) (*oauth.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if t, ok := s.tokens[userKey{userID, resourceURL}]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) SaveAccessToken(_ context.Context, userID, resourceURL string, token *oauth.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *token
	s.tokens[userKey{userID, resourceURL}] = &cp
	s.logger.Debug("Stored access token",
		"user", userID,
		"resource", resourceURL,
		"expires_at", token.ExpiresAt)
	return nil
}

// ListAccessTokens returns all stored tokens ordered by user and resource.
func (s *MemoryStore) ListAccessTokens(_ context.Context) ([]TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]TokenRecord, 0, len(s.tokens))
	for k, t := range s.tokens {
		cp := *t
		out = append(out, TokenRecord{UserID: k.userID, ResourceURL: k.key, Token: &cp})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ResourceURL < out[j].ResourceURL
	})
	return out, nil
}

// Close stops the cleanup goroutine. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCleanup)
	return nil
}

func (s *MemoryStore) pkceExpired(v *oauth.PKCEValues, now time.Time) bool {
	return s.pkceExpiry > 0 && now.Sub(v.CreatedAt) > s.pkceExpiry
}

// cleanupLoop periodically removes expired PKCE records.
func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for key, v := range s.pkce {
		if s.pkceExpired(v, now) {
			delete(s.pkce, key)
			count++
		}
	}
	if count > 0 {
		s.logger.Debug("Cleaned up expired PKCE records", "count", count)
	}
}
