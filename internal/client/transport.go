package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/florianilch/jigtrack/internal/apierror"
)

// requestIDHeader correlates client and server logs.
const requestIDHeader = "X-Request-Id"

// maxDrain bounds how much of a discarded 401 body is read to reuse the connection.
const maxDrain = 64 << 10

// TokenResolver provides the access token for outgoing requests.
type TokenResolver interface {
	ResolveAccessToken(ctx context.Context) (string, bool)
}

// Refresher renews the access token after a 401.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// authTransport attaches the bearer token and recovers from a 401 by
// refreshing the token and retrying exactly once.
type authTransport struct {
	base      http.RoundTripper
	resolver  TokenResolver
	refresher Refresher
	// timeout bounds each attempt separately, from send until the body is closed
	timeout time.Duration
	logger  *slog.Logger
}

// Compile-time check that authTransport implements http.RoundTripper.
var _ http.RoundTripper = (*authTransport)(nil)

// RoundTrip implements http.RoundTripper.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	out := req.Clone(ctx)
	if out.Header.Get("Authorization") == "" {
		if token, ok := t.resolver.ResolveAccessToken(ctx); ok {
			out.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.send(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || refreshDisabled(ctx) {
		return resp, err
	}
	discard(resp)

	if retried(ctx) {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, apierror.ErrRetryExhausted)
	}

	token, err := t.renew(ctx, bearerToken(out.Header))
	if err != nil {
		return nil, err
	}

	retry, err := replay(withRetried(ctx), req)
	if err != nil {
		return nil, err
	}
	retry.Header.Set("Authorization", "Bearer "+token)

	t.logger.DebugContext(ctx, "retrying request with refreshed token", "method", req.Method, "path", req.URL.Path)
	return t.RoundTrip(retry)
}

// send performs one attempt under its own timeout.
func (t *authTransport) send(req *http.Request) (*http.Response, error) {
	if t.timeout <= 0 {
		return t.base.RoundTrip(req)
	}

	ctx, cancel := context.WithTimeout(req.Context(), t.timeout)
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the attempt's timeout once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// renew returns the token to retry with. If another request already replaced
// the token this one was sent with, the stored token is reused without a
// new refresh cycle.
//
// A refresh discarded because a new login replaced the session also yields
// the new session's token.
func (t *authTransport) renew(ctx context.Context, sent string) (string, error) {
	if current, ok := t.resolver.ResolveAccessToken(ctx); ok && current != sent {
		return current, nil
	}
	token, err := t.refresher.Refresh(ctx)
	if errors.Is(err, apierror.ErrSessionChanged) {
		if current, ok := t.resolver.ResolveAccessToken(ctx); ok && current != sent {
			return current, nil
		}
	}
	return token, err
}

// replay clones req with a fresh body for a second attempt.
func replay(ctx context.Context, req *http.Request) (*http.Request, error) {
	retry := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("%s %s: request body cannot be replayed: %w", req.Method, req.URL.Path, apierror.ErrAuthorizationExpired)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replaying request body: %w", err)
	}
	retry.Body = body
	return retry, nil
}

func bearerToken(h http.Header) string {
	token, _ := strings.CutPrefix(h.Get("Authorization"), "Bearer ")
	return token
}

// discard drains and closes a response that will not reach the caller.
func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrain)
	_ = resp.Body.Close()
}

// headerTransport sets fixed headers, a request id and trace context.
type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

// Compile-time check that headerTransport implements http.RoundTripper.
var _ http.RoundTripper = (*headerTransport)(nil)

// RoundTrip implements http.RoundTripper.
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	for name, values := range t.header {
		out.Header[name] = values
	}
	if out.Header.Get(requestIDHeader) == "" {
		out.Header.Set(requestIDHeader, uuid.NewString())
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(out.Header))

	return t.base.RoundTrip(out)
}
