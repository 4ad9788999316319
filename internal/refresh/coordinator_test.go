package refresh

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/florianilch/jigtrack/internal/apierror"
	"github.com/florianilch/jigtrack/internal/credentials"
	"github.com/florianilch/jigtrack/internal/credstore"
)

// Compile-time check that the credentials manager serves a refresh cycle
var _ Credentials = (*credentials.Manager)(nil)

// fakeExchanger blocks every exchange until release is closed.
type fakeExchanger struct {
	calls   atomic.Int32
	got     chan string
	release chan struct{}
	token   *oauth2.Token
	err     error
}

func newFakeExchanger(token *oauth2.Token, err error) *fakeExchanger {
	return &fakeExchanger{
		got:     make(chan string, 16),
		release: make(chan struct{}),
		token:   token,
		err:     err,
	}
}

func (f *fakeExchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.calls.Add(1)
	f.got <- refreshToken
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.token, f.err
}

type fakeCredentials struct {
	mu         sync.Mutex
	refresh    string
	access     string
	purged     int
	generation uint64
	readErr    error
}

func (f *fakeCredentials) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

func (f *fakeCredentials) RefreshToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return "", f.readErr
	}
	if f.refresh == "" {
		return "", apierror.ErrNoCredentials
	}
	return f.refresh, nil
}

func (f *fakeCredentials) StoreTokens(_ context.Context, generation uint64, access, refresh string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if generation != f.generation {
		return apierror.ErrSessionChanged
	}
	f.access = access
	if refresh != "" {
		f.refresh = refresh
	}
	return nil
}

func (f *fakeCredentials) Purge(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access, f.refresh = "", ""
	f.purged++
	f.generation++
	return nil
}

func (f *fakeCredentials) snapshot() (access, refresh string, purged int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access, f.refresh, f.purged
}

// waitForWaiters blocks until n callers are queued on the coordinator.
func waitForWaiters(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.waiters) == n
	}, 2*time.Second, time.Millisecond)
}

type result struct {
	token string
	err   error
}

func refreshConcurrently(c *Coordinator, n int) <-chan result {
	results := make(chan result, n)
	for range n {
		go func() {
			token, err := c.Refresh(context.Background())
			results <- result{token: token, err: err}
		}()
	}
	return results
}

func TestConcurrentRefreshIssuesSingleExchange(t *testing.T) {
	const callers = 10
	ex := newFakeExchanger(&oauth2.Token{AccessToken: "A2", RefreshToken: "R1"}, nil)
	creds := &fakeCredentials{refresh: "R1", access: "A1"}
	c, err := NewCoordinator(ex, creds)
	require.NoError(t, err)

	results := refreshConcurrently(c, callers)
	waitForWaiters(t, c, callers)
	require.True(t, c.Refreshing())
	close(ex.release)

	for range callers {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, "A2", r.token)
	}

	require.Equal(t, int32(1), ex.calls.Load())
	require.Equal(t, "R1", <-ex.got)
	require.False(t, c.Refreshing())

	access, refresh, purged := creds.snapshot()
	require.Equal(t, "A2", access)
	require.Equal(t, "R1", refresh)
	require.Zero(t, purged)
}

func TestRejectedRefreshFailsAllWaitersAndPurges(t *testing.T) {
	const callers = 3
	ex := newFakeExchanger(nil, fmt.Errorf("refresh rejected with status 401: %w", apierror.ErrAuthorizationExpired))
	creds := &fakeCredentials{refresh: "R1", access: "A1"}

	var expired atomic.Int32
	c, err := NewCoordinator(ex, creds, WithOnExpired(func(ctx context.Context, err error) {
		expired.Add(1)
	}))
	require.NoError(t, err)

	results := refreshConcurrently(c, callers)
	waitForWaiters(t, c, callers)
	close(ex.release)

	for range callers {
		r := <-results
		require.ErrorIs(t, r.err, apierror.ErrAuthorizationExpired)
		require.Empty(t, r.token)
	}

	access, refresh, purged := creds.snapshot()
	require.Empty(t, access)
	require.Empty(t, refresh)
	require.Equal(t, 1, purged)
	require.Equal(t, int32(1), expired.Load())
	require.Equal(t, int32(1), ex.calls.Load())
}

func TestMissingRefreshTokenSkipsServer(t *testing.T) {
	ex := newFakeExchanger(nil, nil)
	creds := &fakeCredentials{access: "A1"}

	var expired atomic.Int32
	c, err := NewCoordinator(ex, creds, WithOnExpired(func(context.Context, error) {
		expired.Add(1)
	}))
	require.NoError(t, err)

	for range 2 {
		_, err = c.Refresh(context.Background())
		require.ErrorIs(t, err, apierror.ErrAuthorizationExpired)
	}
	require.Zero(t, ex.calls.Load())

	access, _, purged := creds.snapshot()
	require.Empty(t, access, "leftover access token is purged")
	require.Equal(t, 2, purged)
	require.Zero(t, expired.Load(), "no session existed, so none expired")
}

func TestRefreshTokenReadErrorIsTransportFailure(t *testing.T) {
	tests := []struct {
		name        string
		purge       bool
		wantPurged  int
		wantExpired int32
	}{
		{name: "purge enabled", purge: true, wantPurged: 1, wantExpired: 1},
		{name: "purge disabled", purge: false, wantPurged: 0, wantExpired: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchanger(nil, nil)
			creds := &fakeCredentials{refresh: "R1", access: "A1", readErr: errors.New("dbus: connection reset")}

			var expired atomic.Int32
			c, err := NewCoordinator(ex, creds,
				WithPurgeOnTransportFailure(tt.purge),
				WithOnExpired(func(context.Context, error) { expired.Add(1) }),
			)
			require.NoError(t, err)

			_, err = c.Refresh(context.Background())
			require.ErrorIs(t, err, apierror.ErrTransport)
			require.NotErrorIs(t, err, apierror.ErrAuthorizationExpired)
			require.Zero(t, ex.calls.Load())

			_, _, purged := creds.snapshot()
			require.Equal(t, tt.wantPurged, purged)
			require.Equal(t, tt.wantExpired, expired.Load())
		})
	}
}

func TestLogoutDuringRefreshDiscardsToken(t *testing.T) {
	ctx := context.Background()

	plain, err := credstore.NewFileBackend(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)
	store, err := credstore.NewStore([]credstore.Backend{plain}, credstore.WithLegacy(plain, credstore.DefaultMirrors))
	require.NoError(t, err)
	creds, err := credentials.NewManager(store, nil)
	require.NoError(t, err)
	require.NoError(t, creds.StoreRecord(ctx, credentials.Record{AccessToken: "A1", RefreshToken: "R1"}))

	var expired atomic.Int32
	ex := newFakeExchanger(&oauth2.Token{AccessToken: "A2", RefreshToken: "R2"}, nil)
	c, err := NewCoordinator(ex, creds, WithOnExpired(func(context.Context, error) {
		expired.Add(1)
	}))
	require.NoError(t, err)

	results := refreshConcurrently(c, 2)
	waitForWaiters(t, c, 2)
	require.Equal(t, "R1", <-ex.got)

	// Logout while the exchange is in flight
	require.NoError(t, creds.Purge(ctx))
	close(ex.release)

	for range 2 {
		r := <-results
		require.ErrorIs(t, r.err, apierror.ErrSessionChanged)
		require.ErrorIs(t, r.err, apierror.ErrAuthorizationExpired)
		require.Empty(t, r.token)
	}

	_, ok := creds.ResolveAccessToken(ctx)
	require.False(t, ok)
	_, err = plain.Get(ctx, "token")
	require.ErrorIs(t, err, credstore.ErrNotFound)
	_, err = creds.RefreshToken(ctx)
	require.ErrorIs(t, err, apierror.ErrNoCredentials)
	require.Zero(t, expired.Load())
}

func TestLoginDuringRefreshKeepsNewSession(t *testing.T) {
	ex := newFakeExchanger(&oauth2.Token{AccessToken: "A2", RefreshToken: "R2"}, nil)
	creds := &fakeCredentials{refresh: "R1", access: "A1"}
	c, err := NewCoordinator(ex, creds)
	require.NoError(t, err)

	results := refreshConcurrently(c, 1)
	<-ex.got

	// A new login replaces the session mid-exchange
	creds.mu.Lock()
	creds.generation++
	creds.access, creds.refresh = "B1", "S1"
	creds.mu.Unlock()
	close(ex.release)

	r := <-results
	require.ErrorIs(t, r.err, apierror.ErrSessionChanged)

	access, refresh, purged := creds.snapshot()
	require.Equal(t, "B1", access)
	require.Equal(t, "S1", refresh)
	require.Zero(t, purged)
}

func TestTransportFailureHonoursPurgeSetting(t *testing.T) {
	tests := []struct {
		name       string
		purge      bool
		wantPurged int
	}{
		{name: "purge enabled", purge: true, wantPurged: 1},
		{name: "purge disabled", purge: false, wantPurged: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchanger(nil, errors.New("connection reset"))
			close(ex.release)
			creds := &fakeCredentials{refresh: "R1", access: "A1"}
			c, err := NewCoordinator(ex, creds, WithPurgeOnTransportFailure(tt.purge))
			require.NoError(t, err)

			_, err = c.Refresh(context.Background())
			require.ErrorIs(t, err, apierror.ErrTransport)

			_, _, purged := creds.snapshot()
			require.Equal(t, tt.wantPurged, purged)
		})
	}
}

func TestFailedCycleAllowsNewCycle(t *testing.T) {
	ex := newFakeExchanger(nil, apierror.ErrAuthorizationExpired)
	close(ex.release)
	creds := &fakeCredentials{refresh: "R1"}
	c, err := NewCoordinator(ex, creds)
	require.NoError(t, err)

	_, err = c.Refresh(context.Background())
	require.Error(t, err)

	// A later, independent 401 after a new login starts a fresh cycle
	creds.mu.Lock()
	creds.refresh = "R9"
	creds.mu.Unlock()
	ex.err = nil
	ex.token = &oauth2.Token{AccessToken: "A9", RefreshToken: "R9"}

	token, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "A9", token)
	require.Equal(t, int32(2), ex.calls.Load())
}

func TestCancelledWaiterDoesNotFailCycle(t *testing.T) {
	ex := newFakeExchanger(&oauth2.Token{AccessToken: "A2", RefreshToken: "R2"}, nil)
	creds := &fakeCredentials{refresh: "R1"}
	c, err := NewCoordinator(ex, creds)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx)
		leader <- err
	}()
	waitForWaiters(t, c, 1)

	follower := refreshConcurrently(c, 1)
	waitForWaiters(t, c, 2)

	cancel()
	require.ErrorIs(t, <-leader, context.Canceled)

	close(ex.release)
	r := <-follower
	require.NoError(t, r.err)
	require.Equal(t, "A2", r.token)

	access, refresh, _ := creds.snapshot()
	require.Equal(t, "A2", access)
	require.Equal(t, "R2", refresh, "rotated refresh token is persisted")
}

func TestSettleWakesWaitersInEnqueueOrder(t *testing.T) {
	c, err := NewCoordinator(newFakeExchanger(nil, nil), &fakeCredentials{})
	require.NoError(t, err)

	first, leader := c.enqueue()
	require.True(t, leader)
	second, leader := c.enqueue()
	require.False(t, leader)

	c.settle(outcome{accessToken: "A2"})

	require.Equal(t, "A2", (<-first).accessToken)
	require.Equal(t, "A2", (<-second).accessToken)
	require.False(t, c.Refreshing())
	require.Empty(t, c.waiters)
}

func TestNewCoordinatorValidatesDependencies(t *testing.T) {
	_, err := NewCoordinator(nil, &fakeCredentials{})
	require.Error(t, err)
	_, err = NewCoordinator(newFakeExchanger(nil, nil), nil)
	require.Error(t, err)
}
