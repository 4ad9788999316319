package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/florianilch/jigtrack/internal/apierror"
	"github.com/florianilch/jigtrack/internal/client"
)

// maxRequestBody bounds request bodies accepted by the gateway.
const maxRequestBody = 8 << 20

// forwardedHeaders are copied from the gateway request to the API request.
var forwardedHeaders = []string{"Accept", "Content-Type", "Accept-Language"}

// ForwardHandler sends /api/{path...} through the authenticated pipeline.
type ForwardHandler struct {
	Requester Requester
}

// Compile-time check to ensure ForwardHandler implements http.Handler
var _ http.Handler = (*ForwardHandler)(nil)

// ServeHTTP implements http.Handler.
func (h *ForwardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if hasDotSegment(r.PathValue("path")) {
		writeJSONError(ctx, w, "invalid request path", http.StatusBadRequest)
		return
	}

	var body any
	if r.ContentLength != 0 && r.Body != nil {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeJSONError(ctx, w, "invalid request body", http.StatusBadRequest)
			return
		}
		if len(data) > 0 {
			body = data
		}
	}

	header := make(http.Header)
	for _, name := range forwardedHeaders {
		if value := r.Header.Get(name); value != "" {
			header.Set(name, value)
		}
	}

	// Escaped so that %3F and %2F stay part of the path
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/api")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	resp, err := h.Requester.Request(ctx, r.Method, path, body, header)
	var statusErr *apierror.StatusError
	switch {
	case err == nil:
		writeResponse(w, resp)
	case errors.As(err, &statusErr) && resp != nil:
		// The API answered; relay its verdict unchanged
		writeResponse(w, resp)
	default:
		writeError(ctx, w, fmt.Errorf("%s %s: %w", r.Method, path, err))
	}
}

func writeResponse(w http.ResponseWriter, resp *client.Response) {
	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body.Raw)
}

// hasDotSegment reports whether a decoded path contains "." or ".." segments.
func hasDotSegment(path string) bool {
	for segment := range strings.SplitSeq(path, "/") {
		if segment == "." || segment == ".." {
			return true
		}
	}
	return false
}
