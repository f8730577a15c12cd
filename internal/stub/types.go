// Package stub defines the mock-server mapping document and builds one from
// a sanitized request/response pair.
package stub

import (
	"encoding/json"
	"errors"
	"fmt"
)

// GeneratedBy tags every mapping this pipeline emits.
const GeneratedBy = "backend-mockado-automatico"

var ErrInvalid = errors.New("invalid mapping")

// ValueMatcher is a single-field matcher. Exactly one of the fields is set.
type ValueMatcher struct {
	EqualTo string `json:"equalTo,omitempty"`
	Matches string `json:"matches,omitempty"`
}

// BodyPattern matches the request body either structurally (JSON) or
// literally.
type BodyPattern struct {
	EqualToJSON json.RawMessage `json:"equalToJson,omitempty"`
	EqualTo     string          `json:"equalTo,omitempty"`
}

// RequestSpec selects which incoming requests the mapping answers.
type RequestSpec struct {
	Method          string                  `json:"method"`
	URLPath         string                  `json:"urlPath,omitempty"`
	URL             string                  `json:"url,omitempty"`
	URLPattern      string                  `json:"urlPattern,omitempty"`
	QueryParameters map[string]ValueMatcher `json:"queryParameters,omitempty"`
	Headers         map[string]ValueMatcher `json:"headers,omitempty"`
	BodyPatterns    []BodyPattern           `json:"bodyPatterns,omitempty"`
}

// ResponseSpec is the canned response the mock server serves on a match.
type ResponseSpec struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	JSONBody json.RawMessage   `json:"jsonBody,omitempty"`
	Body     string            `json:"body,omitempty"`
}

// Metadata records provenance on the mapping itself.
type Metadata struct {
	GeneratedBy  string `json:"generated_by"`
	GeneratedAt  string `json:"generated_at"`
	RequestHash  string `json:"request_hash"`
	OriginalPath string `json:"original_path"`
}

// Mapping is the stub document registered with the mock server. The id is
// the request fingerprint, which makes registration idempotent.
type Mapping struct {
	ID       string       `json:"id,omitempty"`
	Name     string       `json:"name,omitempty"`
	Request  RequestSpec  `json:"request"`
	Response ResponseSpec `json:"response"`
	Metadata *Metadata    `json:"metadata,omitempty"`
}

// Validate enforces the minimum contract before any network call: a method,
// at least one URL criterion, and a plausible response status.
func (m *Mapping) Validate() error {
	if m.Request.Method == "" {
		return fmt.Errorf("%w: request.method is required", ErrInvalid)
	}
	if m.Request.URLPath == "" && m.Request.URL == "" && m.Request.URLPattern == "" {
		return fmt.Errorf("%w: one of urlPath, url, urlPattern is required", ErrInvalid)
	}
	if m.Response.Status < 100 || m.Response.Status > 599 {
		return fmt.Errorf("%w: response.status %d out of range", ErrInvalid, m.Response.Status)
	}
	return nil
}

// Parse decodes and validates a mapping document.
func Parse(payload []byte) (*Mapping, error) {
	var m Mapping
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
