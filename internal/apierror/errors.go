// Package apierror defines the error taxonomy shared by the credential store,
// the refresh coordinator and the request pipeline.
//
// Callers classify failures with errors.Is against the sentinels:
//   - ErrNoCredentials and ErrAuthorizationExpired are expected states; route the
//     user to re-authentication.
//   - ErrTransport means "retry later", ErrConfiguration means "fix the endpoint".
//   - ErrRetryExhausted is terminal for the request that produced it.
//
// Non-2xx responses other than a handled 401 surface as *StatusError.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoCredentials reports that no access token is stored. It is the normal
	// unauthenticated state, not a fault.
	ErrNoCredentials = errors.New("no credentials")

	// ErrTransport wraps network failures and timeouts, including those of the
	// refresh exchange.
	ErrTransport = errors.New("transport failure")

	// ErrConfiguration reports an HTML document where JSON was expected,
	// which means the request reached the wrong endpoint.
	ErrConfiguration = errors.New("endpoint returned an HTML document")

	// ErrAuthorizationExpired reports a 401 that could not be recovered: no
	// refresh token is stored, or the server rejected it.
	ErrAuthorizationExpired = errors.New("authorization expired")

	// ErrRetryExhausted reports a second 401 for a request already retried
	// with a refreshed token.
	ErrRetryExhausted = errors.New("authorization retry exhausted")

	// ErrSessionChanged reports a refresh whose result was discarded because
	// the session was logged out or replaced while the exchange ran. It is an
	// ErrAuthorizationExpired for the requests waiting on that refresh.
	ErrSessionChanged = fmt.Errorf("session changed during refresh: %w", ErrAuthorizationExpired)
)

// Transport wraps err as a transport failure for the given operation.
// Errors already classified by this package are returned unchanged.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// Classified reports whether err already carries one of the taxonomy sentinels
// or a *StatusError.
func Classified(err error) bool {
	var statusErr *StatusError
	return errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrAuthorizationExpired) ||
		errors.Is(err, ErrRetryExhausted) ||
		errors.As(err, &statusErr)
}

// RequiresLogin reports whether err means the stored session is unusable and
// the user must authenticate again.
func RequiresLogin(err error) bool {
	return errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrAuthorizationExpired) ||
		errors.Is(err, ErrRetryExhausted)
}

// StatusError is returned for non-2xx API responses.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	// Body holds the raw response body, possibly empty.
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}
