package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	// DefaultAgentID is the agent identifier used when a request carries
	// no extractable identity.
	DefaultAgentID = "anonymous"

	// DefaultContextID is the pricing context used when a request carries
	// no extractable context.
	DefaultContextID = "default"

	// AgentIDHeader is the conventional header an agent identifies itself
	// with when no explicit extractor is configured.
	AgentIDHeader = "X-Agent-Id"

	// maxBodyPeek bounds how much of a request body an extractor reads.
	maxBodyPeek = 1 << 20
)

// Extractor pulls an identifier out of a request. An extractor never fails,
// it returns the empty string when the request does not carry the value.
type Extractor func(r *http.Request) string

// ParseExtractor turns a declarative extractor spec into an Extractor. The
// spec has the form "<source>:<arg>" with the sources:
//
//	header:<name>   a request header field
//	query:<name>    a URL query parameter
//	route:<name>    a chi route parameter
//	body:<path>     a dotted path into a JSON request body
//
// The spec is validated here so a typo fails at startup instead of silently
// extracting nothing on every request.
func ParseExtractor(spec string) (Extractor, error) {
	source, arg, found := strings.Cut(spec, ":")
	if !found || arg == "" {
		return nil, fmt.Errorf("invalid extractor spec %q, expected "+
			"<source>:<arg>", spec)
	}

	switch source {
	case "header":
		return func(r *http.Request) string {
			return r.Header.Get(arg)
		}, nil

	case "query":
		return func(r *http.Request) string {
			return r.URL.Query().Get(arg)
		}, nil

	case "route":
		return func(r *http.Request) string {
			return chi.URLParam(r, arg)
		}, nil

	case "body":
		path := strings.Split(arg, ".")
		return func(r *http.Request) string {
			return bodyValue(r, path)
		}, nil

	default:
		return nil, fmt.Errorf("unknown extractor source %q in spec "+
			"%q", source, spec)
	}
}

// DefaultAgentExtractor reads the conventional agent header.
func DefaultAgentExtractor() Extractor {
	return func(r *http.Request) string {
		return r.Header.Get(AgentIDHeader)
	}
}

// bodyValue walks a dotted path through a JSON request body and returns the
// string form of the value found there. The body is restored afterwards so
// the downstream handler can read it again.
func bodyValue(r *http.Request, path []string) string {
	if r.Body == nil {
		return ""
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
	_ = r.Body.Close()

	// Hand the bytes back regardless of what we parsed out of them.
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return ""
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}

	for _, field := range path {
		obj, ok := doc.(map[string]interface{})
		if !ok {
			return ""
		}
		doc, ok = obj[field]
		if !ok {
			return ""
		}
	}

	switch value := doc.(type) {
	case string:
		return value

	case float64:
		// JSON numbers decode as float64, print integers without a
		// fractional part.
		if value == float64(int64(value)) {
			return fmt.Sprintf("%d", int64(value))
		}
		return fmt.Sprintf("%v", value)

	case bool:
		return fmt.Sprintf("%v", value)

	default:
		return ""
	}
}
