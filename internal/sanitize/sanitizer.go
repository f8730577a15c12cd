// Package sanitize redacts sensitive content from captured traffic before
// anything is fingerprinted, persisted, or forwarded.
//
// Redaction happens at three levels:
//
//  1. Header names in the sensitive set are masked wholesale: values longer
//     than 8 characters keep their first and last four characters, anything
//     shorter becomes the sentinel. Remaining header values are still
//     pattern-scanned.
//  2. JSON and form bodies are parsed and walked; keys in the sensitive-field
//     set have their values replaced with the sentinel regardless of type,
//     and string leaves are pattern-scanned.
//  3. A compiled pattern table catches structured identifiers in free text:
//     card and document numbers keep their first/last two digits, everything
//     else is replaced whole.
//
// Bodies that cannot be parsed degrade to a pattern scan over the decoded
// text; opaque binary bodies are declined and replaced with an error
// sentinel. Raw captured bytes never pass through a failure path.
package sanitize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/capture"
)

const (
	// Sentinel replaces redacted values.
	Sentinel = "***SANITIZED***"
	// ErrorSentinel replaces entire bodies the sanitizer declined to parse.
	ErrorSentinel = "***SANITIZATION_ERROR***"
)

// Body is the sanitized form of a request or response body. Text carries the
// re-encoded content (canonical JSON when IsJSON). Failed marks bodies that
// were replaced by the error sentinel.
type Body struct {
	Text   string
	IsJSON bool
	Failed bool
}

// Empty reports whether there is no body content left to match on.
func (b Body) Empty() bool { return b.Text == "" }

// Request is the sanitized request half of a pair.
type Request struct {
	Method  string
	Path    string
	Query   string
	Headers capture.Headers
	Body    Body
}

// Response is the sanitized response half of a pair.
type Response struct {
	Status  int
	Headers capture.Headers
	Body    Body
}

type pattern struct {
	name string
	re   *regexp.Regexp
	mask bool // preserve first-2/last-2 digits instead of full replacement
}

// Sanitizer holds the compiled pattern table and the configured sensitive
// header and field sets. It is safe for concurrent use.
type Sanitizer struct {
	headerSet map[string]struct{}
	fieldSet  map[string]struct{}
	patterns  []pattern
}

// New compiles a Sanitizer for the given sensitive header names and body
// field names. Both sets are matched case-insensitively.
func New(sensitiveHeaders, sensitiveFields []string) *Sanitizer {
	s := &Sanitizer{
		headerSet: toSet(sensitiveHeaders),
		fieldSet:  toSet(sensitiveFields),
	}

	// Order matters: structured identifiers are masked before the broader
	// patterns get a chance to swallow them whole.
	specs := []struct {
		name string
		expr string
		mask bool
	}{
		{"credit_card", `\b(?:\d[ -]?){12,18}\d\b`, true},
		{"document_11", `\b\d{3}\.?\d{3}\.?\d{3}-?\d{2}\b`, true},
		{"document_14", `\b\d{2}\.?\d{3}\.?\d{3}/?\d{4}-?\d{2}\b`, true},
		{"email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, false},
		{"phone", `(?:\+\d{1,3}[ .\-]?)?(?:\(?\d{2,3}\)?[ .\-]?)?\d{4,5}[ .\-]?\d{4}\b`, false},
		{"bearer_jwt", `(?i)bearer\s+[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]*`, false},
		{"uuid_v4", `\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}\b`, false},
		{"ipv4", `\b(?:\d{1,3}\.){3}\d{1,3}\b`, false},
		{"opaque_token", `\b[A-Za-z0-9]{20,}\b`, false},
		{"password_field", `(?i)(?:password|pwd|pass|secret)\s*[:=]\s*["']?[^"'\s]+["']?`, false},
	}
	for _, spec := range specs {
		s.patterns = append(s.patterns, pattern{
			name: spec.name,
			re:   regexp.MustCompile(spec.expr),
			mask: spec.mask,
		})
	}
	return s
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return set
}

// SanitizeRequest sanitizes headers, query string, and body of a captured
// request. The body branch is selected by the request's Content-Type.
func (s *Sanitizer) SanitizeRequest(req capture.Request) Request {
	return Request{
		Method:  req.Method,
		Path:    req.Path,
		Query:   s.SanitizeQuery(req.Query),
		Headers: s.SanitizeHeaders(req.Headers),
		Body:    s.SanitizeBody(req.Body, req.Headers.Get("content-type")),
	}
}

// SanitizeResponse sanitizes headers and body of a captured response.
func (s *Sanitizer) SanitizeResponse(resp capture.Response) Response {
	return Response{
		Status:  resp.Status,
		Headers: s.SanitizeHeaders(resp.Headers),
		Body:    s.SanitizeBody(resp.Body, resp.Headers.Get("content-type")),
	}
}

// SanitizeHeaders masks values of sensitive headers and pattern-scans the
// rest. Original name casing is preserved.
func (s *Sanitizer) SanitizeHeaders(h capture.Headers) capture.Headers {
	out := make(capture.Headers, len(h))
	for name, value := range h {
		if _, sensitive := s.headerSet[strings.ToLower(name)]; sensitive {
			out[name] = maskHeaderValue(value)
			continue
		}
		out[name] = s.scrub(value)
	}
	return out
}

// maskHeaderValue keeps enough of a long credential to correlate logs without
// exposing it. Short values carry too little context to keep anything.
// Already-masked values pass through unchanged so sanitization stays
// idempotent.
func maskHeaderValue(value string) string {
	if value == Sentinel {
		return value
	}
	if len(value) > 8 {
		return value[:4] + "***" + value[len(value)-4:]
	}
	return Sentinel
}

// SanitizeQuery parses a raw query string, replaces values of sensitive keys
// with the sentinel, pattern-scans the rest, and re-encodes. Encoding sorts
// keys; multi-value order within a key is preserved. Unparseable queries
// degrade to a pattern scan of the raw string.
func (s *Sanitizer) SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return s.scrub(query)
	}
	for key, vs := range values {
		if _, sensitive := s.fieldSet[strings.ToLower(key)]; sensitive {
			values[key] = []string{Sentinel}
			continue
		}
		for i := range vs {
			vs[i] = s.scrub(vs[i])
		}
	}
	return values.Encode()
}

// SanitizeBody dispatches on Content-Type per the redaction policy. A nil or
// empty body sanitizes to an empty Body.
func (s *Sanitizer) SanitizeBody(body []byte, contentType string) Body {
	if len(body) == 0 {
		return Body{}
	}
	ct := strings.ToLower(contentType)

	switch {
	case strings.Contains(ct, "application/json"):
		var v interface{}
		if err := json.Unmarshal(body, &v); err == nil {
			v = s.sanitizeJSONValue(v)
			if out, err := json.Marshal(v); err == nil {
				return Body{Text: string(out), IsJSON: true}
			}
		}
		return Body{Text: s.scrub(decodeText(body))}

	case strings.Contains(ct, "application/x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return Body{Text: s.scrub(decodeText(body))}
		}
		for key, vs := range values {
			if _, sensitive := s.fieldSet[strings.ToLower(key)]; sensitive {
				values[key] = []string{Sentinel}
				continue
			}
			for i := range vs {
				vs[i] = s.scrub(vs[i])
			}
		}
		return Body{Text: values.Encode()}

	case strings.Contains(ct, "multipart/form-data"),
		strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "xml"):
		return Body{Text: s.scrub(decodeText(body))}

	default:
		if looksBinary(body) {
			return Body{Text: ErrorSentinel, Failed: true}
		}
		return Body{Text: s.scrub(decodeText(body))}
	}
}

// sanitizeJSONValue walks a decoded JSON value. Map keys in the sensitive
// set have their values replaced regardless of type; string leaves are
// pattern-scanned; numbers and booleans pass through.
func (s *Sanitizer) sanitizeJSONValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			if _, sensitive := s.fieldSet[strings.ToLower(k)]; sensitive {
				val[k] = Sentinel
				continue
			}
			val[k] = s.sanitizeJSONValue(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = s.sanitizeJSONValue(item)
		}
		return val
	case string:
		return s.scrub(val)
	default:
		return v
	}
}

// IsSensitive reports whether text matches any redaction pattern.
func (s *Sanitizer) IsSensitive(text string) bool {
	for _, p := range s.patterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}

// scrub applies the pattern table to free text.
func (s *Sanitizer) scrub(text string) string {
	if text == "" {
		return text
	}
	for _, p := range s.patterns {
		if p.mask {
			text = p.re.ReplaceAllStringFunc(text, maskStructured)
			continue
		}
		text = p.re.ReplaceAllString(text, Sentinel)
	}
	return text
}

// maskStructured keeps the first two and last two digits of a structured
// identifier, masking the rest and preserving separator positions. Matches
// with fewer than 8 digits are fully starred.
func maskStructured(match string) string {
	digits := 0
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 8 {
		return strings.Repeat("*", len(match))
	}

	out := make([]rune, 0, len(match))
	seen := 0
	for _, r := range match {
		if r < '0' || r > '9' {
			out = append(out, r)
			continue
		}
		seen++
		if seen <= 2 || seen > digits-2 {
			out = append(out, r)
		} else {
			out = append(out, '*')
		}
	}
	return string(out)
}

// BodyDigest hashes a sanitized body for fingerprinting: SHA-256 over the
// canonical text truncated to maxBytes, first 16 hex characters. JSON bodies
// are already canonical (sorted keys) by the time they reach here.
func BodyDigest(b Body, maxBytes int) string {
	text := b.Text
	if maxBytes > 0 && len(text) > maxBytes {
		text = text[:maxBytes]
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// decodeText interprets raw bytes as UTF-8, substituting invalid sequences.
func decodeText(body []byte) string {
	return strings.ToValidUTF8(string(body), "�")
}

// looksBinary flags bodies that are not UTF-8 and carry NUL bytes; those are
// declined rather than scanned.
func looksBinary(body []byte) bool {
	return !utf8.Valid(body) && bytes.IndexByte(body, 0) >= 0
}
