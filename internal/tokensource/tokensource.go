package tokensource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/jigtrack/internal/apierror"
)

// DefaultTimeout bounds a single refresh exchange.
const DefaultTimeout = 30 * time.Second

// bodyFields lists the form fields forwarded in the JSON refresh body.
var bodyFields = []string{"refresh_token"}

// Option configures an Exchanger.
type Option func(*exchangerConfig)

// exchangerConfig holds configuration for NewExchanger.
type exchangerConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
	header        http.Header
}

// WithTransport sets a custom base transport for refresh requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *exchangerConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds each exchange. Defaults to DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *exchangerConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithHeader adds a fixed header to every refresh request.
func WithHeader(name, value string) Option {
	return func(c *exchangerConfig) {
		if name != "" {
			c.header.Set(name, value)
		}
	}
}

// Exchanger trades a refresh token for a new access token.
type Exchanger struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewExchanger creates an Exchanger for the given token endpoint URL.
func NewExchanger(tokenURL string, opts ...Option) *Exchanger {
	cfg := &exchangerConfig{
		baseTransport: http.DefaultTransport,
		timeout:       DefaultTimeout,
		header:        make(http.Header),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Exchanger{
		config: &oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		// Bare client: no bearer injection and no 401 handling
		httpClient: &http.Client{
			Timeout: cfg.timeout,
			Transport: &tokenRefreshTransport{
				base:   cfg.baseTransport,
				header: cfg.header,
			},
		},
	}
}

// Exchange performs one refresh exchange. The returned token carries the new
// access token; its RefreshToken is the rotated token, or the input token if
// the server did not rotate it.
//
// Errors wrap apierror.ErrAuthorizationExpired when the server rejected the
// refresh token (4xx) and apierror.ErrTransport otherwise.
func (e *Exchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("empty refresh token: %w", apierror.ErrAuthorizationExpired)
	}

	// oauth2 picks the HTTP client up from the context (oauth2.HTTPClient key)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	token, err := e.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(err)
	}
	return token, nil
}

// classify maps oauth2 errors onto the error taxonomy.
func classify(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		if code >= 400 && code < 500 {
			return fmt.Errorf("refresh rejected with status %d: %w", code, apierror.ErrAuthorizationExpired)
		}
		return fmt.Errorf("refresh failed with status %d: %w", code, apierror.ErrTransport)
	}
	return apierror.Transport("refresh exchange", err)
}

// tokenRefreshTransport converts oauth2's form-encoded refresh requests into
// the JSON body the API expects. The oauth2 package guarantees this transport
// only receives token endpoint requests.
type tokenRefreshTransport struct {
	base   http.RoundTripper
	header http.Header
}

// Compile-time check that tokenRefreshTransport implements http.RoundTripper.
var _ http.RoundTripper = (*tokenRefreshTransport)(nil)

// RoundTrip rewrites the form body to JSON and forwards the request.
func (t *tokenRefreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// We consume the body entirely and attach a new one to the cloned request
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	formData, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form data: %w", err)
	}

	jsonData := make(map[string]string, len(bodyFields))
	for _, field := range bodyFields {
		if value := formData.Get(field); value != "" {
			jsonData[field] = value
		}
	}

	jsonBody, err := json.Marshal(jsonData)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON request: %w", err)
	}

	newReq := req.Clone(req.Context())
	newReq.Body = io.NopCloser(bytes.NewReader(jsonBody))
	newReq.ContentLength = int64(len(jsonBody))
	newReq.Header.Set("Content-Type", "application/json")
	newReq.Header.Set("Accept", "application/json")
	for name, values := range t.header {
		newReq.Header[name] = values
	}

	return t.base.RoundTrip(newReq)
}
