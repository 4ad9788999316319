package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"

	"github.com/tidwall/gjson"

	"github.com/florianilch/jigtrack/internal/apierror"
)

// BodyKind classifies a response body. It is decided once, when the response
// is read.
type BodyKind int

const (
	// BodyEmpty is a response without content.
	BodyEmpty BodyKind = iota
	// BodyJSON is a valid JSON document, whatever the declared content type.
	BodyJSON
	// BodyText is any other non-HTML content.
	BodyText
	// BodyHTML is an HTML document, which means the request hit the wrong endpoint.
	BodyHTML
	// BodyMalformed is JSON-shaped content that does not parse.
	BodyMalformed
)

func (k BodyKind) String() string {
	switch k {
	case BodyEmpty:
		return "empty"
	case BodyJSON:
		return "json"
	case BodyText:
		return "text"
	case BodyHTML:
		return "html"
	case BodyMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("BodyKind(%d)", int(k))
	}
}

var (
	errEmptyBody = errors.New("response has no body")
	errNotJSON   = errors.New("response is not JSON")
)

// Body is a classified response body.
type Body struct {
	Kind BodyKind
	Raw  []byte
}

// decodeBody classifies raw response content.
func decodeBody(contentType string, data []byte) Body {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Body{Kind: BodyEmpty}
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "text/html" || looksLikeHTML(trimmed):
		return Body{Kind: BodyHTML, Raw: data}
	case mediaType == "application/json" || trimmed[0] == '{' || trimmed[0] == '[':
		if !json.Valid(trimmed) {
			return Body{Kind: BodyMalformed, Raw: data}
		}
		return Body{Kind: BodyJSON, Raw: trimmed}
	default:
		return Body{Kind: BodyText, Raw: data}
	}
}

var (
	htmlDoctype = []byte("<!doctype html")
	htmlOpenTag = []byte("<html")
)

// looksLikeHTML reports whether content starts like an HTML document.
func looksLikeHTML(trimmed []byte) bool {
	head := trimmed[:min(len(trimmed), len(htmlDoctype))]
	return hasPrefixFold(head, htmlDoctype) || hasPrefixFold(head, htmlOpenTag)
}

func hasPrefixFold(s, prefix []byte) bool {
	return len(s) >= len(prefix) && bytes.EqualFold(s[:len(prefix)], prefix)
}

// Decode unmarshals a JSON body into v.
func (b Body) Decode(v any) error {
	switch b.Kind {
	case BodyJSON, BodyMalformed:
		if err := json.Unmarshal(b.Raw, v); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	case BodyEmpty:
		return errEmptyBody
	case BodyHTML:
		return apierror.ErrConfiguration
	default:
		return errNotJSON
	}
}

// Get returns the value at a gjson path of a JSON body, e.g. "data.items.0.id".
// Non-JSON bodies yield an empty result.
func (b Body) Get(path string) gjson.Result {
	if b.Kind != BodyJSON {
		return gjson.Result{}
	}
	return gjson.GetBytes(b.Raw, path)
}

// String returns the raw body content.
func (b Body) String() string {
	return string(b.Raw)
}
