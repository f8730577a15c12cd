// Package dedup computes canonical request fingerprints and answers "seen
// before?" against a TTL-backed index. Fingerprints are computed over the
// sanitized request, so two captures that differ only in redacted content
// collide on purpose.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/sanitize"
)

// keyPrefix namespaces index entries in the backing store.
const keyPrefix = "mock:dedup:"

// digestMaxBytes caps how much sanitized body text feeds the body digest.
const digestMaxBytes = 1000

// ProjectionHeaders are the request headers that participate in
// fingerprinting and stub matching: the ones that materially affect response
// selection.
var ProjectionHeaders = []string{
	"content-type",
	"accept",
	"accept-language",
	"user-agent",
	"x-api-version",
	"x-client-version",
}

// Fingerprint reduces a sanitized request to its canonical form and hashes
// it: METHOD | path | sorted-query | body-digest | header-projection, joined
// with '|' and SHA-256'd. The result is a 64-character hex string.
func Fingerprint(req sanitize.Request) string {
	method := strings.ToUpper(req.Method)

	path := strings.ToLower(req.Path)
	path = strings.TrimSuffix(path, "/")

	parts := []string{
		method,
		path,
		canonicalQuery(req.Query),
		sanitize.BodyDigest(req.Body, digestMaxBytes),
		headerProjection(req),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// canonicalQuery re-encodes a query string with keys sorted and values
// sorted within each key. Unparseable queries are used verbatim.
func canonicalQuery(query string) string {
	if query == "" {
		return ""
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return query
	}
	for _, vs := range values {
		sort.Strings(vs)
	}
	return values.Encode()
}

// headerProjection extracts the projection set from the sanitized headers as
// a JSON object with lowercased names and sorted keys. An empty projection
// yields an empty string so absent headers cannot shift the digest.
func headerProjection(req sanitize.Request) string {
	projected := make(map[string]string, len(ProjectionHeaders))
	for _, name := range ProjectionHeaders {
		if v := req.Headers.Get(name); v != "" {
			projected[name] = v
		}
	}
	if len(projected) == 0 {
		return ""
	}
	encoded, err := json.Marshal(projected)
	if err != nil {
		return ""
	}
	return string(encoded)
}
