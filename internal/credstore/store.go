package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// defaultParallelism bounds concurrent backend calls in bulk operations.
const defaultParallelism = 4

// Option configures a Store.
type Option func(*Store)

// WithLegacy sets the plain backend that receives legacy mirror keys.
func WithLegacy(legacy Backend, mirrors Mirrors) Option {
	return func(s *Store) {
		s.legacy = legacy
		s.mirrors = mirrors
	}
}

// WithMirrorWrites toggles copying writes to legacy keys. Removal always
// clears legacy keys so a stale copy cannot outlive a logout.
func WithMirrorWrites(enabled bool) Option {
	return func(s *Store) {
		s.mirrorWrites = enabled
	}
}

// WithParallelism bounds concurrent backend calls in bulk operations.
func WithParallelism(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithLogger sets the logger used for mirror and fallback diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is a tiered key/value store. Reads consult tiers in order and the
// first hit wins; writes go to the first tier and are mirrored to legacy keys.
type Store struct {
	tiers []Backend

	legacy       Backend
	mirrors      Mirrors
	mirrorWrites bool

	parallelism int
	logger      *slog.Logger
}

// NewStore creates a Store reading tiers in the given priority order.
// The first tier must be writable; it receives every Set.
func NewStore(tiers []Backend, opts ...Option) (*Store, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one storage tier is required")
	}
	for i, tier := range tiers {
		if tier == nil {
			return nil, fmt.Errorf("storage tier %d is nil", i)
		}
	}

	s := &Store{
		tiers:        tiers,
		mirrorWrites: true,
		parallelism:  defaultParallelism,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Primary returns the name of the tier that receives writes.
func (s *Store) Primary() string {
	return s.tiers[0].Name()
}

// Get returns the value for key from the highest-priority tier holding it.
// Returns ErrNotFound if no tier holds it; a tier error is returned only when
// no tier produced a value.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var tierErr error
	for _, tier := range s.tiers {
		value, err := tier.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		s.logger.WarnContext(ctx, "credential tier read failed", "tier", tier.Name(), "key", key, "error", err)
		tierErr = errors.Join(tierErr, fmt.Errorf("%s: %w", tier.Name(), err))
	}
	if tierErr != nil {
		return "", tierErr
	}
	return "", ErrNotFound
}

// GetMirror returns the value of key from its legacy mirror keys, in table order.
// Returns ErrNotFound if no mirror key holds it; a read error is returned only
// when no mirror key produced a value.
func (s *Store) GetMirror(ctx context.Context, key string) (string, error) {
	if s.legacy == nil {
		return "", ErrNotFound
	}
	var readErr error
	for _, legacyKey := range s.mirrors[key] {
		value, err := s.legacy.Get(ctx, legacyKey)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			s.logger.DebugContext(ctx, "legacy credential read failed", "key", legacyKey, "error", err)
			readErr = errors.Join(readErr, fmt.Errorf("%s %s: %w", s.legacy.Name(), legacyKey, err))
		}
	}
	if readErr != nil {
		return "", readErr
	}
	return "", ErrNotFound
}

// Set writes value to the primary tier, then to the legacy mirror keys.
// Only the primary write's outcome is returned.
func (s *Store) Set(ctx context.Context, key, value string) error {
	primary := s.tiers[0]
	if err := primary.Set(ctx, key, value); err != nil {
		return fmt.Errorf("writing %s to %s: %w", key, primary.Name(), err)
	}

	if !s.mirrorWrites {
		return nil
	}
	for _, legacyKey := range s.mirrorKeys(key) {
		if err := s.legacy.Set(ctx, legacyKey, value); err != nil {
			s.logger.WarnContext(ctx, "legacy credential mirror write failed", "key", legacyKey, "error", err)
		}
	}
	return nil
}

// Remove deletes key from every writable tier and its legacy mirror keys.
// Tier failures are returned; mirror failures are logged.
func (s *Store) Remove(ctx context.Context, key string) error {
	var errs []error
	for _, tier := range s.tiers {
		err := tier.Delete(ctx, key)
		if err == nil || errors.Is(err, ErrReadOnly) {
			continue
		}
		errs = append(errs, fmt.Errorf("removing %s from %s: %w", key, tier.Name(), err))
	}

	if s.legacy != nil {
		for _, legacyKey := range s.mirrors[key] {
			if s.sameSlot(key, legacyKey) {
				continue
			}
			if err := s.legacy.Delete(ctx, legacyKey); err != nil && !errors.Is(err, ErrReadOnly) {
				s.logger.WarnContext(ctx, "legacy credential mirror delete failed", "key", legacyKey, "error", err)
			}
		}
	}

	return errors.Join(errs...)
}

// SetMultiple applies Set to every entry in parallel. There is no atomicity
// across keys: on partial failure the applied keys keep their new values.
func (s *Store) SetMultiple(ctx context.Context, values map[string]string) error {
	return s.each(ctx, keysOf(values), func(ctx context.Context, key string) error {
		return s.Set(ctx, key, values[key])
	})
}

// GetMultiple applies Get to every key in parallel. Missing keys are omitted
// from the result and are not errors.
func (s *Store) GetMultiple(ctx context.Context, keys []string) (map[string]string, error) {
	var mu sync.Mutex
	found := make(map[string]string, len(keys))

	err := s.each(ctx, keys, func(ctx context.Context, key string) error {
		value, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		mu.Lock()
		found[key] = value
		mu.Unlock()
		return nil
	})
	return found, err
}

// RemoveMultiple applies Remove to every key in parallel.
func (s *Store) RemoveMultiple(ctx context.Context, keys []string) error {
	return s.each(ctx, keys, s.Remove)
}

// each runs fn for every key with bounded parallelism and joins all failures.
// A failing key never cancels the others.
func (s *Store) each(ctx context.Context, keys []string, fn func(context.Context, string) error) error {
	var g errgroup.Group
	g.SetLimit(s.parallelism)

	errs := make([]error, len(keys))
	for i, key := range keys {
		g.Go(func() error {
			if err := fn(ctx, key); err != nil {
				errs[i] = fmt.Errorf("%s: %w", key, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// mirrorKeys returns the legacy keys a write to key must be copied to,
// skipping slots that are the primary write itself.
func (s *Store) mirrorKeys(key string) []string {
	if s.legacy == nil {
		return nil
	}
	var keys []string
	for _, legacyKey := range s.mirrors[key] {
		if s.sameSlot(key, legacyKey) {
			continue
		}
		keys = append(keys, legacyKey)
	}
	return keys
}

// sameSlot reports whether legacyKey in the legacy backend is the same
// storage slot as key in the primary tier.
func (s *Store) sameSlot(key, legacyKey string) bool {
	return key == legacyKey && s.legacy == s.tiers[0]
}

func keysOf(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	return keys
}
