// Package capture defines the traffic model shared by the ingest server and
// the processing pipeline: one observed request/response pair mirrored from
// the mesh sidecar.
package capture

import (
	"strings"
	"time"
)

// Headers maps header names to values. Lookups are case-insensitive; the
// original casing is preserved for output.
type Headers map[string]string

// Get returns the value for name, matching case-insensitively.
func (h Headers) Get(name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Clone returns a shallow copy. A nil receiver yields an empty map so
// callers can mutate the result unconditionally.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Identity carries optional labels describing the tap that produced an event.
type Identity struct {
	NodeID  string
	Cluster string
	TapID   string
}

// Request is the request half of a captured pair. Path carries no query
// string; Query is the raw encoded form without the leading '?'.
type Request struct {
	Method        string
	Path          string
	Query         string
	Authority     string
	Scheme        string
	Headers       Headers
	Body          []byte
	BodyTruncated bool
}

// Response is the response half of a captured pair.
type Response struct {
	Status        int
	Headers       Headers
	Body          []byte
	BodyTruncated bool
}

// TrafficEvent is a single capture flowing from the ingest server into the
// processor. It is owned exclusively by one stage at a time.
type TrafficEvent struct {
	CapturedAt time.Time
	TraceID    string
	Source     Identity
	Request    Request
	Response   Response
}
