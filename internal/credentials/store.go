// Package credentials holds the long-term bearer credential for the
// foreground context. The background worker never reads this storage
// directly; it asks over the bridge.
package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var errMissingPath = errors.New("credentials: storage path is required")

// Store is the file-backed credential holder.
type Store struct {
	mu     sync.RWMutex
	path   string
	logger *zap.Logger
}

// NewStore constructs a credential store over the given file path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger}, nil
}

// Save persists the bearer credential.
func (s *Store) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(token), 0o600)
}

// Load returns the stored credential, or empty when none is saved.
func (s *Store) Load() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Clear removes the stored credential.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// TokenSourceConfig captures the dependencies of a TokenSource.
type TokenSourceConfig struct {
	Store  *Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// TokenSource yields a usable bearer token. An expired JWT counts as absent
// so submission falls back to the guest endpoint instead of being rejected.
type TokenSource struct {
	store  *Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewTokenSource constructs a TokenSource with sane defaults.
func NewTokenSource(cfg TokenSourceConfig) (*TokenSource, error) {
	if cfg.Store == nil {
		return nil, errors.New("credentials: store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenSource{store: cfg.Store, clock: clock, logger: logger}, nil
}

// Token returns the stored credential, or empty when none is available or the
// credential is past its expiry.
func (ts *TokenSource) Token() (string, error) {
	token, err := ts.store.Load()
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", nil
	}
	if expired(token, ts.clock()) {
		ts.logger.Warn("stored credential expired, submitting as guest")
		return "", nil
	}
	return token, nil
}

// expired inspects the unverified expiry claim of a JWT credential. Opaque
// tokens carry no readable expiry and are passed through as-is.
func expired(token string, now time.Time) bool {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Before(now)
}
