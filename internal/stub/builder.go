package stub

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/capture"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/dedup"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/sanitize"
)

// volatile response headers never copied into a mapping.
var droppedResponseHeaders = map[string]struct{}{
	"date":         {},
	"server":       {},
	"x-request-id": {},
}

// Build turns a sanitized pair into a mapping keyed by its fingerprint.
// It returns an error when the pair cannot yield a valid mapping, in which
// case the caller drops the event.
func Build(req sanitize.Request, resp sanitize.Response, fingerprint string, at time.Time) (*Mapping, error) {
	path := req.Path
	if path == "" {
		path = "/"
	}

	m := &Mapping{
		ID:   fingerprint,
		Name: fmt.Sprintf("Auto-generated mock for %s %s", strings.ToUpper(req.Method), path),
		Request: RequestSpec{
			Method:          strings.ToUpper(req.Method),
			URLPath:         path,
			QueryParameters: queryMatchers(req.Query),
			Headers:         headerMatchers(req.Headers),
			BodyPatterns:    bodyPatterns(req.Body),
		},
		Response: ResponseSpec{
			Status:  resp.Status,
			Headers: responseHeaders(resp.Headers),
		},
		Metadata: &Metadata{
			GeneratedBy:  GeneratedBy,
			GeneratedAt:  at.UTC().Format(time.RFC3339),
			RequestHash:  fingerprint,
			OriginalPath: path,
		},
	}

	if resp.Body.IsJSON {
		m.Response.JSONBody = []byte(resp.Body.Text)
	} else if resp.Body.Text != "" {
		m.Response.Body = resp.Body.Text
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// queryMatchers emits equalTo for single-valued keys and a regex alternation
// for multi-valued ones. Values are sorted so repeated captures build the
// same matcher.
func queryMatchers(query string) map[string]ValueMatcher {
	if query == "" {
		return nil
	}
	values, err := url.ParseQuery(query)
	if err != nil || len(values) == 0 {
		return nil
	}
	matchers := make(map[string]ValueMatcher, len(values))
	for key, vs := range values {
		if len(vs) == 1 {
			matchers[key] = ValueMatcher{EqualTo: vs[0]}
			continue
		}
		sorted := append([]string(nil), vs...)
		sort.Strings(sorted)
		quoted := make([]string, len(sorted))
		for i, v := range sorted {
			quoted[i] = regexp.QuoteMeta(v)
		}
		matchers[key] = ValueMatcher{Matches: "^(" + strings.Join(quoted, "|") + ")$"}
	}
	return matchers
}

// headerMatchers keeps only the fingerprint projection set, and within it
// only values the sanitizer left intact. A matcher pinned to a sentinel
// could never match live traffic.
func headerMatchers(headers capture.Headers) map[string]ValueMatcher {
	var matchers map[string]ValueMatcher
	for _, name := range dedup.ProjectionHeaders {
		value := headers.Get(name)
		if value == "" || value == sanitize.Sentinel {
			continue
		}
		if matchers == nil {
			matchers = make(map[string]ValueMatcher)
		}
		matchers[name] = ValueMatcher{EqualTo: value}
	}
	return matchers
}

// bodyPatterns selects the body matcher. JSON bodies carrying a sentinel are
// unmatchable and are omitted entirely; same for bodies the sanitizer
// replaced wholesale.
func bodyPatterns(body sanitize.Body) []BodyPattern {
	if body.Empty() || body.Failed {
		return nil
	}
	if body.IsJSON {
		if strings.Contains(body.Text, sanitize.Sentinel) {
			return nil
		}
		return []BodyPattern{{EqualToJSON: []byte(body.Text)}}
	}
	if body.Text == sanitize.Sentinel || body.Text == sanitize.ErrorSentinel {
		return nil
	}
	return []BodyPattern{{EqualTo: body.Text}}
}

func responseHeaders(headers capture.Headers) map[string]string {
	var out map[string]string
	for name, value := range headers {
		lower := strings.ToLower(name)
		if _, drop := droppedResponseHeaders[lower]; drop {
			continue
		}
		if strings.HasPrefix(lower, "x-envoy-") {
			continue
		}
		if strings.HasPrefix(value, sanitize.Sentinel) {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[name] = value
	}
	return out
}
