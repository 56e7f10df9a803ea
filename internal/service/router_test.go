package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mcprepl/mcprepl/internal/config"
	"github.com/mcprepl/mcprepl/internal/domain/backend"
	"github.com/mcprepl/mcprepl/internal/domain/event"
	"github.com/mcprepl/mcprepl/pkg/mcp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestProxy(t *testing.T) *Proxy {
	t.Helper()
	cfg := &config.Config{Security: config.SecurityConfig{Mode: config.ModeLax}}
	cfg.SetDefaults()
	cfg.Store.Disabled = true

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewProxy(cfg, 4100, nil, nil, logger)
	t.Cleanup(func() {
		p.Router.client.CloseIdleConnections()
		if tr, ok := http.DefaultTransport.(*http.Transport); ok {
			tr.CloseIdleConnections()
		}
		p.Bus.Close()
	})
	return p
}

// testStream is an in-memory ClientStream with a cancelable context standing
// in for client disconnect.
type testStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	headers map[string]string
	status  int
	buf     bytes.Buffer
}

func newTestStream() *testStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &testStream{ctx: ctx, cancel: cancel, headers: make(map[string]string)}
}

func (s *testStream) SetHeader(k, v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		s.headers[k] = v
	}
}

func (s *testStream) WriteHeader(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 && s.buf.Len() == 0 {
		s.status = code
	}
}

func (s *testStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *testStream) Flush() {}

func (s *testStream) Context() context.Context { return s.ctx }

func (s *testStream) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *testStream) code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *testStream) header(k string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[k]
}

func mustWrap(t *testing.T, raw string) *mcp.Message {
	t.Helper()
	msg, err := mcp.WrapMessage([]byte(raw), mcp.ClientToBackend)
	if err != nil {
		t.Fatalf("WrapMessage: %v", err)
	}
	return msg
}

// freePort binds and immediately releases a loopback port, returning a port
// number nothing is listening on.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRouteNoTargetNoBackends(t *testing.T) {
	p := newTestProxy(t)
	stream := newTestStream()

	msg := mustWrap(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ex"}}`)
	p.Router.Route(context.Background(), msg, "", "", stream)

	if !strings.Contains(stream.body(), `"code":-32002`) {
		t.Errorf("body = %s, want backend-not-found code", stream.body())
	}
	if !strings.Contains(stream.body(), "start_julia_session") {
		t.Errorf("body missing remediation hint: %s", stream.body())
	}
}

func TestRouteNoTargetListsBackends(t *testing.T) {
	p := newTestProxy(t)
	if _, err := p.Register("julia-b", 9001, 11, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Register("julia-a", 9002, 12, nil); err != nil {
		t.Fatal(err)
	}

	stream := newTestStream()
	msg := mustWrap(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	p.Router.Route(context.Background(), msg, "", "", stream)

	if !strings.Contains(stream.body(), "julia-a, julia-b") {
		t.Errorf("body does not list backends sorted: %s", stream.body())
	}
}

func TestRouteUnknownBackend(t *testing.T) {
	p := newTestProxy(t)
	if _, err := p.Register("julia-a", 9001, 11, nil); err != nil {
		t.Fatal(err)
	}

	stream := newTestStream()
	msg := mustWrap(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	p.Router.Route(context.Background(), msg, "nope", "", stream)

	body := stream.body()
	if !strings.Contains(body, `"code":-32002`) || !strings.Contains(body, "available: julia-a") {
		t.Errorf("body = %s", body)
	}
}

func TestForwardRelaysResponseVerbatim(t *testing.T) {
	p := newTestProxy(t)

	backendResponse := `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"42"}]}}`
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mcp-Session-Id", "backend-session")
		_, _ = w.Write([]byte(backendResponse))
	}))
	defer srv.Close()

	if _, err := p.Register("julia-a", serverPort(t, srv), 11, nil); err != nil {
		t.Fatal(err)
	}

	raw := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ex","arguments":{"code":"6*7"}}}`
	stream := newTestStream()
	p.Router.Route(context.Background(), mustWrap(t, raw), "julia-a", "", stream)

	if string(gotBody) != raw {
		t.Errorf("backend received %s, want the raw request", gotBody)
	}
	if stream.code() != http.StatusOK {
		t.Errorf("status = %d", stream.code())
	}
	if stream.header("Mcp-Session-Id") != "backend-session" {
		t.Errorf("Mcp-Session-Id header not relayed: %q", stream.header("Mcp-Session-Id"))
	}
	if stream.body() != backendResponse {
		t.Errorf("body = %s, want verbatim backend response", stream.body())
	}

	var sawCall, sawOutput bool
	for _, evt := range p.Bus.Recent("julia-a", 0) {
		switch evt.Type {
		case event.TypeToolCall:
			sawCall = true
			if evt.Payload["tool"] != "ex" {
				t.Errorf("tool call payload = %v", evt.Payload)
			}
		case event.TypeOutput:
			sawOutput = true
			if evt.DurationMillis < 0 {
				t.Errorf("negative duration: %d", evt.DurationMillis)
			}
		}
	}
	if !sawCall || !sawOutput {
		t.Errorf("missing transit events: call=%v output=%v", sawCall, sawOutput)
	}
}

func TestRouteStoppedBackend(t *testing.T) {
	p := newTestProxy(t)
	if _, err := p.Register("julia-a", 9001, 11, nil); err != nil {
		t.Fatal(err)
	}
	// Two failures with a zero outage budget: the first starts the outage
	// clock, the second tips the backend into stopped.
	if _, _, err := p.Registry.ForwardFailed("julia-a", "connection refused", 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, stopped, err := p.Registry.ForwardFailed("julia-a", "connection refused", 0); err != nil || !stopped {
		t.Fatalf("second failure: stopped=%v err=%v", stopped, err)
	}

	stream := newTestStream()
	msg := mustWrap(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"ex"}}`)
	p.Router.Route(context.Background(), msg, "julia-a", "", stream)

	if stream.code() != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", stream.code())
	}
	body := stream.body()
	if !strings.Contains(body, `"code":-32005`) || !strings.Contains(body, "permanently stopped") {
		t.Errorf("body = %s", body)
	}
}

func TestBufferedRequestReplayedOnRecovery(t *testing.T) {
	p := newTestProxy(t)
	port := freePort(t)
	if _, err := p.Register("julia-a", port, 11, nil); err != nil {
		t.Fatal(err)
	}

	backendResponse := `{"jsonrpc":"2.0","id":5,"result":{"content":[{"type":"text","text":"back"}]}}`
	stream := newTestStream()
	msg := mustWrap(t, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"ex","arguments":{"code":"1+1"}}}`)

	routeDone := make(chan struct{})
	go func() {
		defer close(routeDone)
		p.Router.Route(context.Background(), msg, "julia-a", "", stream)
	}()

	// The forward fails, the request is buffered, and a reconnector starts
	// probing the dead port.
	waitFor(t, "request to buffer", func() bool {
		snap, ok := p.Registry.Get("julia-a")
		return ok && snap.PendingCount == 1 && snap.Status == backend.StatusReconnecting
	})
	if stream.code() != http.StatusOK {
		t.Fatalf("buffered stream status = %d, want an early 200", stream.code())
	}

	// Revive the backend on the same port; the next probe promotes it and
	// the buffered request is replayed.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("rebinding backend port: %v", err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "reconnect-probe") {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"reconnect-probe","result":{}}`))
			return
		}
		_, _ = w.Write([]byte(backendResponse))
	}))
	_ = srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	defer srv.Close()

	select {
	case <-routeDone:
	case <-time.After(10 * time.Second):
		t.Fatal("buffered request never resolved")
	}

	if !strings.HasSuffix(stream.body(), backendResponse) {
		t.Errorf("body = %s, want replayed backend response", stream.body())
	}
	snap, _ := p.Registry.Get("julia-a")
	if snap.Status != backend.StatusReady || snap.PendingCount != 0 {
		t.Errorf("after recovery: status=%s pending=%d", snap.Status, snap.PendingCount)
	}

	var reconnected bool
	for _, evt := range p.Bus.Recent("julia-a", 0) {
		if evt.Type == event.TypeHeartbeat && evt.Payload["reconnected"] == true {
			reconnected = true
		}
	}
	if !reconnected {
		t.Error("no reconnected heartbeat event published")
	}
}

func TestReconnectWaitBudgetExpires(t *testing.T) {
	p := newTestProxy(t)
	p.Cfg.Server.ReconnectWait = 50 * time.Millisecond

	if _, err := p.Register("julia-a", freePort(t), 11, nil); err != nil {
		t.Fatal(err)
	}
	// Claim the reconnector slot so the route does not spawn a real prober.
	if !p.Registry.TryAcquireReconnector("julia-a") {
		t.Fatal("could not claim reconnector slot")
	}

	stream := newTestStream()
	msg := mustWrap(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"ex"}}`)

	routeDone := make(chan struct{})
	go func() {
		defer close(routeDone)
		p.Router.Route(context.Background(), msg, "julia-a", "", stream)
	}()

	select {
	case <-routeDone:
	case <-time.After(5 * time.Second):
		t.Fatal("route did not return after wait budget")
	}

	body := stream.body()
	if !strings.Contains(body, `"code":-32005`) || !strings.Contains(body, "reconnection timeout") {
		t.Errorf("body = %s", body)
	}
	snap, _ := p.Registry.Get("julia-a")
	if snap.PendingCount != 0 {
		t.Errorf("pending slot not freed: %d", snap.PendingCount)
	}
}

func TestBufferedClientDisconnectFreesSlot(t *testing.T) {
	p := newTestProxy(t)
	if _, err := p.Register("julia-a", freePort(t), 11, nil); err != nil {
		t.Fatal(err)
	}
	if !p.Registry.TryAcquireReconnector("julia-a") {
		t.Fatal("could not claim reconnector slot")
	}

	stream := newTestStream()
	msg := mustWrap(t, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)

	routeDone := make(chan struct{})
	go func() {
		defer close(routeDone)
		p.Router.Route(context.Background(), msg, "julia-a", "", stream)
	}()

	waitFor(t, "request to buffer", func() bool {
		snap, ok := p.Registry.Get("julia-a")
		return ok && snap.PendingCount == 1
	})

	stream.cancel()
	select {
	case <-routeDone:
	case <-time.After(5 * time.Second):
		t.Fatal("route did not return after client disconnect")
	}

	snap, _ := p.Registry.Get("julia-a")
	if snap.PendingCount != 0 {
		t.Errorf("pending slot not freed: %d", snap.PendingCount)
	}
}

func TestFlushReplaysLiveAndSkipsClosed(t *testing.T) {
	p := newTestProxy(t)

	backendResponse := `{"jsonrpc":"2.0","id":9,"result":{}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(backendResponse))
	}))
	defer srv.Close()

	closed := newTestStream()
	closed.cancel()
	prClosed := backend.NewPendingRequest([]byte(`{"jsonrpc":"2.0","id":8,"method":"ping"}`), "ping", "", json.RawMessage("8"), closed)

	live := newTestStream()
	prLive := backend.NewPendingRequest([]byte(`{"jsonrpc":"2.0","id":9,"method":"ping"}`), "ping", "", json.RawMessage("9"), live)

	snap := backend.Snapshot{ID: "julia-a", Port: serverPort(t, srv)}
	p.Router.Flush(snap, []*backend.PendingRequest{prClosed, prLive})

	if closed.body() != "" {
		t.Errorf("closed stream received %s", closed.body())
	}
	if live.body() != backendResponse {
		t.Errorf("live stream body = %s", live.body())
	}
	select {
	case <-prClosed.Done:
	default:
		t.Error("closed entry not resolved")
	}
	select {
	case <-prLive.Done:
	default:
		t.Error("live entry not resolved")
	}
}

func TestDrainWithError(t *testing.T) {
	p := newTestProxy(t)

	streams := []*testStream{newTestStream(), newTestStream()}
	pending := []*backend.PendingRequest{
		backend.NewPendingRequest(nil, "ping", "", json.RawMessage("1"), streams[0]),
		backend.NewPendingRequest(nil, "ping", "", json.RawMessage("2"), streams[1]),
	}

	p.Router.DrainWithError(pending, mcp.CodeBackendUnavailable, "REPL gone")

	for i, s := range streams {
		if !strings.Contains(s.body(), "REPL gone") || !strings.Contains(s.body(), `"code":-32005`) {
			t.Errorf("stream %d body = %s", i, s.body())
		}
	}
}

func TestSendShutdown(t *testing.T) {
	p := newTestProxy(t)

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	p.Router.SendShutdown(context.Background(), backend.Snapshot{ID: "julia-a", Port: serverPort(t, srv)})

	if !strings.Contains(string(gotBody), "notifications/shutdown") {
		t.Errorf("backend received %s", gotBody)
	}
}

func TestFetchTools(t *testing.T) {
	p := newTestProxy(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"proxy-tools-list","result":{"tools":[{"name":"ex"},{"name":"pkg_status"}]}}`))
	}))
	defer srv.Close()

	tools, err := p.Router.FetchTools(context.Background(), backend.Snapshot{ID: "julia-a", Port: serverPort(t, srv)})
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if !strings.Contains(string(tools[0]), `"ex"`) {
		t.Errorf("first tool = %s", tools[0])
	}
}

func TestReconnectorExitsWhenBackendUnregistered(t *testing.T) {
	p := newTestProxy(t)
	if _, err := p.Register("julia-a", freePort(t), 11, nil); err != nil {
		t.Fatal(err)
	}
	if !p.Registry.TryAcquireReconnector("julia-a") {
		t.Fatal("could not claim reconnector slot")
	}
	if err := p.Unregister("julia-a"); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewReconnector(p, p.logger).Run("julia-a")
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnector kept probing an unregistered backend")
	}
}
