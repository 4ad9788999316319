// Package credentials owns the session's CredentialRecord: the access and
// refresh tokens, the serialized user profile and the cached signature.
//
// Manager is the only writer of those keys. It resolves the access token for
// outgoing requests and implements the persistence half of the refresh cycle.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/florianilch/jigtrack/internal/apierror"
	"github.com/florianilch/jigtrack/internal/credstore"
)

// Record is the credential state created at login.
type Record struct {
	AccessToken  string
	RefreshToken string
	// Profile is the serialized user profile, stored verbatim.
	Profile json.RawMessage
}

// Store is the subset of credstore.Store used by Manager.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	GetMirror(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetMultiple(ctx context.Context, values map[string]string) error
	RemoveMultiple(ctx context.Context, keys []string) error
}

// Compile-time check to ensure credstore.Store satisfies Store
var _ Store = (*credstore.Store)(nil)

// Manager reads and writes the CredentialRecord through a tiered store.
type Manager struct {
	store  Store
	logger *slog.Logger

	// mu serializes session replacement (login, purge) with refresh writes.
	// generation changes whenever the session is replaced.
	mu         sync.Mutex
	generation uint64
}

// NewManager creates a Manager on top of store.
func NewManager(store Store, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:  store,
		logger: logger,
	}, nil
}

// StoreRecord persists a freshly issued record. Keys are written in parallel;
// on partial failure the error lists the keys that were not written.
func (m *Manager) StoreRecord(ctx context.Context, rec Record) error {
	if rec.AccessToken == "" {
		return fmt.Errorf("record has no access token")
	}

	values := map[string]string{
		credstore.KeyAccessToken: rec.AccessToken,
	}
	if rec.RefreshToken != "" {
		values[credstore.KeyRefreshToken] = rec.RefreshToken
	}
	if len(rec.Profile) > 0 {
		values[credstore.KeyUserData] = string(rec.Profile)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++

	if err := m.store.SetMultiple(ctx, values); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	return nil
}

// Generation identifies the current session. It changes on every login and
// purge.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// StoreTokens persists the result of a refresh exchange started in the given
// session generation. An empty refresh token leaves the stored one unchanged.
//
// Returns apierror.ErrSessionChanged without writing if the session was
// purged or replaced since the exchange started.
func (m *Manager) StoreTokens(ctx context.Context, generation uint64, accessToken, refreshToken string) error {
	if accessToken == "" {
		return fmt.Errorf("refresh produced no access token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if generation != m.generation {
		return apierror.ErrSessionChanged
	}

	if err := m.store.Set(ctx, credstore.KeyAccessToken, accessToken); err != nil {
		return fmt.Errorf("storing access token: %w", err)
	}
	if refreshToken == "" {
		return nil
	}

	current, err := m.store.Get(ctx, credstore.KeyRefreshToken)
	if err == nil && current == refreshToken {
		return nil
	}
	if err := m.store.Set(ctx, credstore.KeyRefreshToken, refreshToken); err != nil {
		// The access token is valid, but the next refresh will use a stale token
		m.logger.ErrorContext(ctx, "failed to persist rotated refresh token", "error", err)
		return fmt.Errorf("storing refresh token: %w", err)
	}
	return nil
}

// RefreshToken returns the stored refresh token, falling back to its legacy
// location. Returns apierror.ErrNoCredentials if none is stored, or the
// storage error if a location could not be read.
func (m *Manager) RefreshToken(ctx context.Context) (string, error) {
	return m.lookup(ctx, credstore.KeyRefreshToken)
}

// Profile returns the stored user profile.
func (m *Manager) Profile(ctx context.Context) (json.RawMessage, error) {
	raw, err := m.lookup(ctx, credstore.KeyUserData)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored profile is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// UpdateProfile replaces the stored user profile.
func (m *Manager) UpdateProfile(ctx context.Context, profile json.RawMessage) error {
	if !json.Valid(profile) {
		return fmt.Errorf("profile is not valid JSON")
	}
	if err := m.store.Set(ctx, credstore.KeyUserData, string(profile)); err != nil {
		return fmt.Errorf("storing profile: %w", err)
	}
	return nil
}

// StoreSignature caches the user's signature artifact.
func (m *Manager) StoreSignature(ctx context.Context, signature string) error {
	if err := m.store.Set(ctx, credstore.KeySignature, signature); err != nil {
		return fmt.Errorf("storing signature: %w", err)
	}
	return nil
}

// Signature returns the cached signature artifact.
func (m *Manager) Signature(ctx context.Context) (string, error) {
	return m.lookup(ctx, credstore.KeySignature)
}

// Purge deletes every session key and its legacy mirrors.
func (m *Manager) Purge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++

	if err := m.store.RemoveMultiple(ctx, credstore.SessionKeys); err != nil {
		return fmt.Errorf("purging credentials: %w", err)
	}
	m.logger.InfoContext(ctx, "credentials purged")
	return nil
}

// lookup reads key from the unified location, then from its legacy mirror.
// ErrNoCredentials is returned only when every location reported the key
// absent; otherwise the read error is returned.
func (m *Manager) lookup(ctx context.Context, key string) (string, error) {
	value, err := m.store.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	var readErr error
	if !errors.Is(err, credstore.ErrNotFound) {
		readErr = err
	}

	value, err = m.store.GetMirror(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, credstore.ErrNotFound) {
		readErr = errors.Join(readErr, err)
	}

	if readErr != nil {
		return "", fmt.Errorf("reading %s: %w", key, readErr)
	}
	return "", fmt.Errorf("%s: %w", key, apierror.ErrNoCredentials)
}
