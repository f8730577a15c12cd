package ingest

import (
	"context"
	"io"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	tapdatav3 "github.com/envoyproxy/go-control-plane/envoy/data/tap/v3"
	tapv3 "github.com/envoyproxy/go-control-plane/envoy/service/tap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/capture"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
)

// fakeTapStream replays a fixed request sequence as a client stream.
type fakeTapStream struct {
	grpc.ServerStream
	ctx    context.Context
	reqs   []*tapv3.StreamTapsRequest
	next   int
	closed bool
}

func (f *fakeTapStream) Recv() (*tapv3.StreamTapsRequest, error) {
	if f.next >= len(f.reqs) {
		return nil, io.EOF
	}
	r := f.reqs[f.next]
	f.next++
	return r, nil
}

func (f *fakeTapStream) SendAndClose(*tapv3.StreamTapsResponse) error {
	f.closed = true
	return nil
}

func (f *fakeTapStream) Context() context.Context { return f.ctx }

func tapRequest(method, path, authority, statusCode string) *tapv3.StreamTapsRequest {
	return &tapv3.StreamTapsRequest{
		TraceId: 42,
		Identifier: &tapv3.StreamTapsRequest_Identifier{
			TapId: "payments-sidecar",
			Node:  &corev3.Node{Id: "node-1", Cluster: "payments"},
		},
		Trace: &tapdatav3.TraceWrapper{
			Trace: &tapdatav3.TraceWrapper_HttpBufferedTrace{
				HttpBufferedTrace: &tapdatav3.HttpBufferedTrace{
					Request: &tapdatav3.HttpBufferedTrace_Message{
						Headers: []*corev3.HeaderValue{
							{Key: ":method", Value: method},
							{Key: ":path", Value: path},
							{Key: ":authority", Value: authority},
							{Key: ":scheme", Value: "https"},
							{Key: "content-type", Value: "application/json"},
						},
						Body: &tapdatav3.Body{
							BodyType: &tapdatav3.Body_AsBytes{AsBytes: []byte(`{"name":"ana"}`)},
						},
					},
					Response: &tapdatav3.HttpBufferedTrace_Message{
						Headers: []*corev3.HeaderValue{
							{Key: ":status", Value: statusCode},
							{Key: "content-type", Value: "application/json"},
						},
						Body: &tapdatav3.Body{
							BodyType: &tapdatav3.Body_AsString{AsString: `{"id":1}`},
						},
					},
				},
			},
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, buffer int) (*Server, chan capture.TrafficEvent) {
	t.Helper()
	out := make(chan capture.TrafficEvent, buffer)
	return NewServer(cfg, out, zaptest.NewLogger(t)), out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	require.NoError(t, cfg.Finish())
	return cfg
}

func TestStreamTapsAdmitsDecodedTrace(t *testing.T) {
	srv, out := newTestServer(t, testConfig(t), 4)

	stream := &fakeTapStream{
		ctx:  context.Background(),
		reqs: []*tapv3.StreamTapsRequest{tapRequest("POST", "/api/users?active=true", "api.shop.com", "201")},
	}
	require.NoError(t, srv.StreamTaps(stream))
	assert.True(t, stream.closed)

	require.Len(t, out, 1)
	ev := <-out

	assert.Equal(t, "POST", ev.Request.Method)
	assert.Equal(t, "/api/users", ev.Request.Path)
	assert.Equal(t, "active=true", ev.Request.Query)
	assert.Equal(t, "api.shop.com", ev.Request.Authority)
	assert.Equal(t, "https", ev.Request.Scheme)
	assert.Equal(t, []byte(`{"name":"ana"}`), ev.Request.Body)
	assert.Equal(t, 201, ev.Response.Status)
	assert.Equal(t, []byte(`{"id":1}`), ev.Response.Body, "as_string body decodes too")
	assert.Equal(t, "42", ev.TraceID)
	assert.Equal(t, "payments-sidecar", ev.Source.TapID)
	assert.Equal(t, "payments", ev.Source.Cluster)

	// Pseudo-headers are lifted into fields, not kept as headers.
	assert.Equal(t, "", ev.Request.Headers.Get(":method"))
	assert.Equal(t, "application/json", ev.Request.Headers.Get("content-type"))
	assert.Equal(t, "", ev.Response.Headers.Get(":status"))

	stats := srv.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Admitted)
}

func TestStreamTapsDropsTraceMissingAHalf(t *testing.T) {
	srv, out := newTestServer(t, testConfig(t), 4)

	broken := tapRequest("GET", "/api/users", "api.shop.com", "200")
	broken.GetTrace().GetHttpBufferedTrace().Response = nil

	stream := &fakeTapStream{
		ctx:  context.Background(),
		reqs: []*tapv3.StreamTapsRequest{broken, {TraceId: 7}},
	}
	require.NoError(t, srv.StreamTaps(stream))

	assert.Empty(t, out)
	stats := srv.Stats()
	assert.Equal(t, int64(2), stats.Received)
	assert.Equal(t, int64(0), stats.Admitted)
	assert.Equal(t, int64(2), stats.Dropped[reasonMissingHalf])
}

func TestPreFiltersDropByReason(t *testing.T) {
	cfg := config.Default()
	cfg.IgnoredHosts = []string{"*.monitoring.svc"}
	cfg.IgnoredPaths = []string{"/health*"}
	require.NoError(t, cfg.Finish())

	srv, out := newTestServer(t, cfg, 4)

	stream := &fakeTapStream{
		ctx: context.Background(),
		reqs: []*tapv3.StreamTapsRequest{
			tapRequest("GET", "/api/users", "prometheus.monitoring.svc", "200"),
			tapRequest("GET", "/health/live", "api.shop.com", "200"),
			tapRequest("GET", "/api/users", "api.shop.com", "200"),
		},
	}
	require.NoError(t, srv.StreamTaps(stream))

	assert.Len(t, out, 1)
	stats := srv.Stats()
	assert.Equal(t, int64(1), stats.Dropped[reasonIgnoredHost])
	assert.Equal(t, int64(1), stats.Dropped[reasonIgnoredPath])
	assert.Equal(t, int64(1), stats.Admitted)
}

func TestSamplingDraw(t *testing.T) {
	cfg := config.Default()
	cfg.EnableSampling = true
	cfg.SamplingRules = []config.SamplingRule{{PathRegex: "^/api/noisy", SampleRate: 0.25}}
	require.NoError(t, cfg.Finish())

	srv, out := newTestServer(t, cfg, 4)

	srv.sample = func() float64 { return 0.9 } // above the rate: drop
	stream := &fakeTapStream{
		ctx:  context.Background(),
		reqs: []*tapv3.StreamTapsRequest{tapRequest("GET", "/api/noisy/feed", "api.shop.com", "200")},
	}
	require.NoError(t, srv.StreamTaps(stream))
	assert.Empty(t, out)
	assert.Equal(t, int64(1), srv.Stats().Dropped[reasonSampled])

	srv.sample = func() float64 { return 0.1 } // below the rate: keep
	stream = &fakeTapStream{
		ctx:  context.Background(),
		reqs: []*tapv3.StreamTapsRequest{tapRequest("GET", "/api/noisy/feed", "api.shop.com", "200")},
	}
	require.NoError(t, srv.StreamTaps(stream))
	assert.Len(t, out, 1)
}

func TestFullBufferPushesBack(t *testing.T) {
	srv, out := newTestServer(t, testConfig(t), 1)

	stream := &fakeTapStream{
		ctx: context.Background(),
		reqs: []*tapv3.StreamTapsRequest{
			tapRequest("GET", "/api/a", "api.shop.com", "200"),
			tapRequest("GET", "/api/b", "api.shop.com", "200"),
		},
	}
	err := srv.StreamTaps(stream)
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	assert.Len(t, out, 1)
	assert.True(t, srv.Saturated())
	assert.Equal(t, int64(1), srv.Stats().Dropped[reasonBufferFull])

	<-out
	assert.False(t, srv.Saturated())
}

func TestDecodeDefaults(t *testing.T) {
	srv, out := newTestServer(t, testConfig(t), 4)

	req := tapRequest("", "/api/users", "", "not-a-number")
	req.GetTrace().GetHttpBufferedTrace().GetRequest().Headers = []*corev3.HeaderValue{
		{Key: ":path", Value: "/api/users"},
		{Key: "host", Value: "fallback.shop.com"},
	}

	stream := &fakeTapStream{ctx: context.Background(), reqs: []*tapv3.StreamTapsRequest{req}}
	require.NoError(t, srv.StreamTaps(stream))

	require.Len(t, out, 1)
	ev := <-out
	assert.Equal(t, "GET", ev.Request.Method)
	assert.Equal(t, "fallback.shop.com", ev.Request.Authority)
	assert.Equal(t, "http", ev.Request.Scheme)
	assert.Equal(t, 200, ev.Response.Status)
	assert.Equal(t, "", ev.Request.Query)
}
