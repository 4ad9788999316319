// Package client is the authenticated request pipeline every domain service
// uses to reach the API.
//
// Each request gets the current bearer token, a fixed proxy-compatibility
// header and a request id. A 401 triggers one shared token refresh and exactly
// one retry; response bodies are classified once into a tagged Body.
//
//	c, _ := client.New(baseURL, credentialsManager, coordinator)
//	resp, err := c.Request(ctx, http.MethodGet, "/jigs?estado=activo", nil, nil)
//	if apierror.RequiresLogin(err) {
//		// route to login
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/florianilch/jigtrack/internal/apierror"
)

const (
	// DefaultTimeout bounds each attempt of a request.
	DefaultTimeout = 30 * time.Second

	// maxBodySize bounds how much of a response body is read.
	maxBodySize = 32 << 20

	tracerName = "github.com/florianilch/jigtrack/internal/client"
)

// Option configures a Client.
type Option func(*clientConfig)

// clientConfig holds configuration for New.
type clientConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
	header        http.Header
	logger        *slog.Logger
}

// WithTransport sets the base transport. If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *clientConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds each attempt of a request. Defaults to DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithHeader adds a fixed header to every request, e.g. a header that disables
// an intermediary's browser warning page.
func WithHeader(name, value string) Option {
	return func(c *clientConfig) {
		if name != "" {
			c.header.Set(name, value)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// Response is a completed API response with its classified body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       Body
}

// Client issues authenticated API requests.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
}

// New creates a Client for the API at baseURL.
func New(baseURL string, resolver TokenResolver, refresher Refresher, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q: scheme and host required", baseURL)
	}
	if resolver == nil {
		return nil, fmt.Errorf("missing token resolver")
	}
	if refresher == nil {
		return nil, fmt.Errorf("missing token refresher")
	}

	cfg := &clientConfig{
		baseTransport: http.DefaultTransport,
		timeout:       DefaultTimeout,
		header:        make(http.Header),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	transport := &authTransport{
		base: &headerTransport{
			base:   cfg.baseTransport,
			header: cfg.header,
		},
		resolver:  resolver,
		refresher: refresher,
		timeout:   cfg.timeout,
		logger:    cfg.logger,
	}

	// No client-wide timeout: attempts and the refresh exchange are bounded separately
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Transport: transport},
		tracer:     otel.Tracer(tracerName),
		logger:     cfg.logger,
	}, nil
}

// Request sends method to path, relative to the API base URL.
//
// body is JSON-encoded unless it is []byte or json.RawMessage, which are sent
// verbatim; nil sends no body. header values are added to the request.
//
// On a non-2xx status the returned error is a *apierror.StatusError and the
// response is returned alongside it. An HTML body yields
// apierror.ErrConfiguration.
func (c *Client) Request(ctx context.Context, method, path string, body any, header http.Header) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "jigtrack "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	req, err := c.newRequest(ctx, method, path, body, header)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := c.Do(req)
	if resp != nil {
		span.SetAttributes(
			attribute.Int("http.response.status_code", resp.StatusCode),
			attribute.String("jigtrack.body.kind", resp.Body.Kind.String()),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

// Do sends a prepared request through the pipeline. The request URL must be
// absolute. Requests with a body must set GetBody to be retried after a 401.
func (c *Client) Do(req *http.Request) (*Response, error) {
	op := req.Method + " " + req.URL.Path

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, apierror.Transport(op, fmt.Errorf("reading response body: %w", err))
	}

	resp := &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       decodeBody(res.Header.Get("Content-Type"), data),
	}

	if resp.Body.Kind == BodyHTML {
		c.logger.ErrorContext(req.Context(), "API returned an HTML document", "method", req.Method, "path", req.URL.Path, "status", res.StatusCode)
		return resp, fmt.Errorf("%s: status %d: %w", op, res.StatusCode, apierror.ErrConfiguration)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return resp, &apierror.StatusError{
			StatusCode: res.StatusCode,
			Method:     req.Method,
			Path:       req.URL.Path,
			Body:       resp.Body.Raw,
		}
	}
	return resp, nil
}

// URL resolves path against the API base URL. path may carry a query string
// but must not be absolute.
func (c *Client) URL(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return nil, fmt.Errorf("request path %q must be relative to the API URL", path)
	}
	for segment := range strings.SplitSeq(ref.Path, "/") {
		if segment == "." || segment == ".." {
			return nil, fmt.Errorf("request path %q must not contain dot segments", path)
		}
	}

	u := *c.baseURL
	u.Path = strings.TrimSuffix(c.baseURL.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	u.RawPath = strings.TrimSuffix(c.baseURL.EscapedPath(), "/") + "/" + strings.TrimPrefix(ref.EscapedPath(), "/")
	u.RawQuery = ref.RawQuery
	return &u, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, header http.Header) (*http.Request, error) {
	u, err := c.URL(path)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := encodeBody(body)
		if err != nil {
			return nil, err
		}
		// bytes.Reader lets net/http set GetBody for the 401 replay
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		return payload, nil
	}
}

// classify unwraps the *url.Error added by http.Client around errors this
// package already classified, and marks everything else as a transport failure.
func classify(op string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && apierror.Classified(urlErr.Err) {
		return fmt.Errorf("%s: %w", op, urlErr.Err)
	}
	return apierror.Transport(op, err)
}
