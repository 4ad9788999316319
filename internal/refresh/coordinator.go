// Package refresh coordinates access-token renewal so that at most one
// refresh exchange is in flight, however many requests observe a 401.
//
// The coordinator is a two-state machine (idle, refreshing) with a FIFO queue of
// waiters. The first caller flips the state and starts the exchange; later
// callers enqueue and wait. When the exchange settles, every waiter receives the
// same outcome in enqueue order and the state returns to idle.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/jigtrack/internal/apierror"
)

// DefaultTimeout bounds one refresh cycle, including persistence.
const DefaultTimeout = 45 * time.Second

// Exchanger trades a refresh token for a new token pair.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Credentials is the persistence side of a refresh cycle.
//
// StoreTokens must return apierror.ErrSessionChanged, without writing, when
// the session generation moved on since the cycle read it.
type Credentials interface {
	Generation() uint64
	RefreshToken(ctx context.Context) (string, error)
	StoreTokens(ctx context.Context, generation uint64, accessToken, refreshToken string) error
	Purge(ctx context.Context) error
}

// errNoRefreshToken marks a cycle that failed because no session was stored.
var errNoRefreshToken = fmt.Errorf("no refresh token stored: %w", apierror.ErrAuthorizationExpired)

// ExpiredFunc is called once per failed cycle that tore down a stored session,
// after the credentials were purged.
type ExpiredFunc func(ctx context.Context, err error)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds each refresh cycle. Defaults to DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithPurgeOnTransportFailure controls whether a network failure of the
// exchange logs the user out. Enabled by default.
func WithPurgeOnTransportFailure(enabled bool) Option {
	return func(c *Coordinator) {
		c.purgeOnTransportFailure = enabled
	}
}

// WithOnExpired registers the session teardown hook.
func WithOnExpired(fn ExpiredFunc) Option {
	return func(c *Coordinator) {
		c.onExpired = fn
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

type state int

const (
	stateIdle state = iota
	stateRefreshing
)

// outcome is delivered to every waiter of one cycle.
type outcome struct {
	accessToken string
	err         error
}

// Coordinator ensures a single in-flight refresh exchange.
type Coordinator struct {
	exchanger   Exchanger
	credentials Credentials

	timeout                 time.Duration
	purgeOnTransportFailure bool
	onExpired               ExpiredFunc
	logger                  *slog.Logger

	// mu guards state and waiters. No I/O happens while it is held.
	mu      sync.Mutex
	state   state
	waiters []chan outcome
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator(exchanger Exchanger, credentials Credentials, opts ...Option) (*Coordinator, error) {
	if exchanger == nil {
		return nil, fmt.Errorf("missing token exchanger")
	}
	if credentials == nil {
		return nil, fmt.Errorf("missing credentials")
	}

	c := &Coordinator{
		exchanger:               exchanger,
		credentials:             credentials,
		timeout:                 DefaultTimeout,
		purgeOnTransportFailure: true,
		logger:                  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Refresh returns a freshly issued access token. Concurrent callers share one
// exchange: they all receive the same token, or the same error.
//
// If ctx ends first, Refresh returns ctx.Err() but the cycle still settles for
// the remaining waiters.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	wait, leader := c.enqueue()
	if leader {
		// Detached from the caller: one caller's cancellation must not fail the cycle
		go c.run(context.WithoutCancel(ctx))
	} else {
		c.logger.DebugContext(ctx, "waiting for in-flight token refresh")
	}

	select {
	case out := <-wait:
		return out.accessToken, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Refreshing reports whether a cycle is in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRefreshing
}

// enqueue registers a waiter and performs the idle → refreshing check-and-set.
// It reports whether the caller started the cycle.
func (c *Coordinator) enqueue() (<-chan outcome, bool) {
	// Buffered so settle never blocks on a waiter that stopped listening
	wait := make(chan outcome, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.waiters = append(c.waiters, wait)
	if c.state == stateRefreshing {
		return wait, false
	}
	c.state = stateRefreshing
	return wait, true
}

// settle returns to idle and wakes every waiter in FIFO order.
func (c *Coordinator) settle(out outcome) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.state = stateIdle
	c.mu.Unlock()

	for _, wait := range waiters {
		wait <- out
	}
}

// run performs one refresh cycle and settles it.
func (c *Coordinator) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	accessToken, err := c.exchange(ctx)
	switch {
	case errors.Is(err, apierror.ErrSessionChanged):
		// Logged out or replaced mid-exchange; the current session is not ours to purge
		c.logger.InfoContext(ctx, "refreshed token discarded, session changed")
		c.settle(outcome{err: err})
	case err != nil:
		c.fail(ctx, err)
		c.settle(outcome{err: err})
	default:
		c.logger.InfoContext(ctx, "access token refreshed")
		c.settle(outcome{accessToken: accessToken})
	}
}

// exchange reads the refresh token, calls the server and persists the result.
func (c *Coordinator) exchange(ctx context.Context) (string, error) {
	generation := c.credentials.Generation()

	refreshToken, err := c.credentials.RefreshToken(ctx)
	if errors.Is(err, apierror.ErrNoCredentials) {
		// Distinct from a rejection: the server is never contacted
		return "", errNoRefreshToken
	}
	if err != nil {
		return "", apierror.Transport("reading refresh token", err)
	}

	token, err := c.exchanger.Exchange(ctx, refreshToken)
	if err != nil {
		return "", apierror.Transport("refresh exchange", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("refresh response has no access token: %w", apierror.ErrAuthorizationExpired)
	}

	rotated := ""
	if token.RefreshToken != refreshToken {
		rotated = token.RefreshToken
	}
	if err := c.credentials.StoreTokens(ctx, generation, token.AccessToken, rotated); err != nil {
		if errors.Is(err, apierror.ErrSessionChanged) {
			return "", err
		}
		// The new token is still usable for the queued requests
		c.logger.ErrorContext(ctx, "failed to persist refreshed token", "error", err)
	}
	return token.AccessToken, nil
}

// fail purges credentials and notifies the session hook. A cycle that found
// no session purges leftovers but does not report a new expiry.
func (c *Coordinator) fail(ctx context.Context, err error) {
	transport := !errors.Is(err, apierror.ErrAuthorizationExpired)
	c.logger.WarnContext(ctx, "token refresh failed", "error", err, "transport", transport)

	if transport && !c.purgeOnTransportFailure {
		return
	}

	if purgeErr := c.credentials.Purge(ctx); purgeErr != nil {
		c.logger.ErrorContext(ctx, "failed to purge credentials after refresh failure", "error", purgeErr)
	}
	if c.onExpired != nil && !errors.Is(err, errNoRefreshToken) {
		c.onExpired(ctx, err)
	}
}
