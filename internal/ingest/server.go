// Package ingest receives buffered HTTP traces from the mesh sidecar's tap
// filter over gRPC and feeds them into the processor buffer. Events are
// pre-filtered (ignored hosts, ignored paths, sampling) before they cost
// anything downstream, and a full buffer pushes back on the tap instead of
// silently dropping.
package ingest

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	tapv3 "github.com/envoyproxy/go-control-plane/envoy/service/tap/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/capture"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/telemetry"
)

// Drop reasons, used as the metric label and the stats key.
const (
	reasonMissingHalf = "missing_half"
	reasonIgnoredHost = "ignored_host"
	reasonIgnoredPath = "ignored_path"
	reasonSampled     = "sampled"
	reasonBufferFull  = "buffer_full"
)

// Stats mirrors the server counters for the stats endpoint.
type Stats struct {
	Received int64            `json:"requests_received"`
	Admitted int64            `json:"requests_admitted"`
	Dropped  map[string]int64 `json:"requests_dropped"`
	Errors   int64            `json:"errors"`
}

// Server implements the tap sink: one StreamTaps stream per sidecar, each
// message one buffered request/response trace.
type Server struct {
	tapv3.UnimplementedTapSinkServiceServer

	cfg    *config.Config
	out    chan<- capture.TrafficEvent
	logger *zap.Logger

	// sample draws the uniform variate for rate decisions.
	sample func() float64

	received atomic.Int64
	admitted atomic.Int64
	errors   atomic.Int64

	mu      sync.Mutex
	dropped map[string]int64
}

// NewServer wires the sink onto the processor buffer. The channel's capacity
// is the backpressure bound.
func NewServer(cfg *config.Config, out chan<- capture.TrafficEvent, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		out:     out,
		logger:  logger,
		sample:  rand.Float64,
		dropped: make(map[string]int64),
	}
}

// StreamTaps consumes one client stream until EOF, admitting each trace into
// the processor buffer. A full buffer aborts the stream with
// RESOURCE_EXHAUSTED so the sidecar can back off.
func (s *Server) StreamTaps(stream tapv3.TapSinkService_StreamTapsServer) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&tapv3.StreamTapsResponse{})
		}
		if err != nil {
			if stream.Context().Err() == nil {
				s.errors.Add(1)
				telemetry.CollectorRequestsErrors.Inc()
			}
			return err
		}
		if err := s.accept(stream.Context(), req); err != nil {
			return err
		}
	}
}

// accept runs the pre-filters and enqueues the event. Only a full buffer is
// an error; filtered traffic is counted and dropped silently.
func (s *Server) accept(_ context.Context, req *tapv3.StreamTapsRequest) error {
	s.received.Add(1)
	telemetry.CollectorRequestsReceived.Inc()

	ev, ok := s.decode(req)
	if !ok {
		s.drop(reasonMissingHalf)
		return nil
	}

	if s.cfg.IgnoreHost(ev.Request.Authority) {
		s.drop(reasonIgnoredHost)
		return nil
	}
	if s.cfg.IgnorePath(ev.Request.Path) {
		s.drop(reasonIgnoredPath)
		return nil
	}
	if rate := s.cfg.SampleRate(ev.Request.Path, ev.Request.Method); rate < 1.0 && s.sample() > rate {
		s.drop(reasonSampled)
		return nil
	}

	select {
	case s.out <- ev:
		s.admitted.Add(1)
		telemetry.CollectorQueueSize.Set(float64(len(s.out)))
		return nil
	default:
		s.drop(reasonBufferFull)
		s.logger.Warn("processor buffer full, pushing back on tap",
			zap.String("path", ev.Request.Path),
		)
		return status.Error(codes.ResourceExhausted, "processor buffer full")
	}
}

// decode maps one tap message onto the internal traffic model. Both halves
// of the trace must be present.
func (s *Server) decode(req *tapv3.StreamTapsRequest) (capture.TrafficEvent, bool) {
	trace := req.GetTrace().GetHttpBufferedTrace()
	if trace == nil || trace.GetRequest() == nil || trace.GetResponse() == nil {
		return capture.TrafficEvent{}, false
	}

	reqHeaders := headerMap(trace.GetRequest().GetHeaders())
	respHeaders := headerMap(trace.GetResponse().GetHeaders())

	rawPath := reqHeaders.Get(":path")
	if rawPath == "" {
		rawPath = "/"
	}
	path, query := splitPath(rawPath)

	method := reqHeaders.Get(":method")
	if method == "" {
		method = "GET"
	}
	authority := reqHeaders.Get(":authority")
	if authority == "" {
		authority = reqHeaders.Get("host")
	}
	scheme := reqHeaders.Get(":scheme")
	if scheme == "" {
		scheme = "http"
	}

	statusCode := 200
	if v := respHeaders.Get(":status"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			statusCode = n
		}
	}

	ev := capture.TrafficEvent{
		CapturedAt: time.Now().UTC(),
		Source: capture.Identity{
			TapID:   req.GetIdentifier().GetTapId(),
			NodeID:  req.GetIdentifier().GetNode().GetId(),
			Cluster: req.GetIdentifier().GetNode().GetCluster(),
		},
		Request: capture.Request{
			Method:        method,
			Path:          path,
			Query:         query,
			Authority:     authority,
			Scheme:        scheme,
			Headers:       stripPseudo(reqHeaders),
			Body:          trace.GetRequest().GetBody().GetAsBytes(),
			BodyTruncated: trace.GetRequest().GetBody().GetTruncated(),
		},
		Response: capture.Response{
			Status:        statusCode,
			Headers:       stripPseudo(respHeaders),
			Body:          trace.GetResponse().GetBody().GetAsBytes(),
			BodyTruncated: trace.GetResponse().GetBody().GetTruncated(),
		},
	}
	if req.GetTraceId() != 0 {
		ev.TraceID = strconv.FormatUint(req.GetTraceId(), 10)
	}

	if len(ev.Request.Body) == 0 {
		if v := trace.GetRequest().GetBody().GetAsString(); v != "" {
			ev.Request.Body = []byte(v)
		}
	}
	if len(ev.Response.Body) == 0 {
		if v := trace.GetResponse().GetBody().GetAsString(); v != "" {
			ev.Response.Body = []byte(v)
		}
	}

	return ev, true
}

// Saturated reports whether the processor buffer has no room left. Exposed
// to the readiness probe.
func (s *Server) Saturated() bool {
	return len(s.out) == cap(s.out)
}

// Stats returns a snapshot of the server's counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	dropped := make(map[string]int64, len(s.dropped))
	for k, v := range s.dropped {
		dropped[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Received: s.received.Load(),
		Admitted: s.admitted.Load(),
		Dropped:  dropped,
		Errors:   s.errors.Load(),
	}
}

func (s *Server) drop(reason string) {
	telemetry.CollectorRequestsIgnored.WithLabelValues(reason).Inc()
	s.mu.Lock()
	s.dropped[reason]++
	s.mu.Unlock()
}

// headerMap flattens the ordered header list; the first occurrence of a name
// wins, matching how the upstream proxy folds duplicates.
func headerMap(headers []*corev3.HeaderValue) capture.Headers {
	out := make(capture.Headers, len(headers))
	for _, h := range headers {
		key := h.GetKey()
		if key == "" {
			continue
		}
		value := h.GetValue()
		if value == "" && len(h.GetRawValue()) > 0 {
			value = string(h.GetRawValue())
		}
		if _, dup := out[key]; !dup {
			out[key] = value
		}
	}
	return out
}

// stripPseudo removes ":"-prefixed transport pseudo-headers, which are
// already lifted into dedicated fields.
func stripPseudo(h capture.Headers) capture.Headers {
	out := make(capture.Headers, len(h))
	for k, v := range h {
		if strings.HasPrefix(k, ":") {
			continue
		}
		out[k] = v
	}
	return out
}

func splitPath(raw string) (path, query string) {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}
