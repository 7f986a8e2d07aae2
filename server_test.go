package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// startTestServer serves on a loopback port and shuts down on cleanup.
func startTestServer(t *testing.T, cfg *Config, records map[string]string) *Server {
	t.Helper()
	srv := newTestServer(cfg, records)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	waitFor(t, "accept loop", func() bool { return srv.Addr() != nil })

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		if err := <-serveErr; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})
	return srv
}

func dialTest(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_RoundTrip(t *testing.T) {
	srv := startTestServer(t, newTestConfig(), map[string]string{"example.com": "93.184.216.119"})
	c := dialTest(t, srv)

	got, err := c.Lookup("example.com")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != "93.184.216.119" {
		t.Errorf("expected 93.184.216.119, got %q", got)
	}
}

func TestServer_MissOnEmptyStore(t *testing.T) {
	srv := startTestServer(t, newTestConfig(), nil)
	c := dialTest(t, srv)

	got, err := c.Lookup("nowhere.test")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != "Could not find domain name nowhere.test!" {
		t.Errorf("unexpected reply %q", got)
	}
}

func TestServer_ConcurrentLookupsSeeConsistentValues(t *testing.T) {
	const (
		clients = 20
		lookups = 50
	)
	a, b := "10.0.0.1", "10.0.0.2"
	srv := startTestServer(t, newTestConfig(), map[string]string{"shared.example.com": a})

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			ip := a
			if i%2 == 1 {
				ip = b
			}
			srv.handler.store.Upsert("shared.example.com", netip.MustParseAddr(ip))
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := Dial(context.Background(), srv.Addr().String(), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			for j := 0; j < lookups; j++ {
				got, err := c.Lookup("shared.example.com")
				if err != nil {
					errs <- err
					return
				}
				if got != a && got != b {
					errs <- fmt.Errorf("inconsistent value %q", got)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-writerDone
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestServer_AcceptsWhileOtherConnectionOpen(t *testing.T) {
	srv := startTestServer(t, newTestConfig(), map[string]string{"example.com": "93.184.216.119"})

	// first session connects and stays silent
	first := dialTest(t, srv)
	waitFor(t, "first connection to be active", func() bool { return srv.ActiveConns() == 1 })

	second := dialTest(t, srv)
	if got, err := second.Lookup("example.com"); err != nil || got != "93.184.216.119" {
		t.Fatalf("second session should be served while the first is open, got %q (%v)", got, err)
	}
	if srv.ActiveConns() != 2 {
		t.Errorf("expected 2 active connections, got %d", srv.ActiveConns())
	}

	if got, err := first.Lookup("example.com"); err != nil || got != "93.184.216.119" {
		t.Errorf("first session should still work, got %q (%v)", got, err)
	}
}

func TestServer_TooLongLineIsolated(t *testing.T) {
	srv := startTestServer(t, newTestConfig(), map[string]string{"example.com": "93.184.216.119"})
	good := dialTest(t, srv)

	bad, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer bad.Close()

	if _, err := bad.Write([]byte(strings.Repeat("x", 4000) + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(bad)
	got, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != respTooLong {
		t.Errorf("expected %q, got %q", respTooLong, got)
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("expected the offending connection to be closed")
	}

	if got, err := good.Lookup("example.com"); err != nil || got != "93.184.216.119" {
		t.Errorf("other connection must be unaffected, got %q (%v)", got, err)
	}
}

func TestServer_ClientDisconnectReleasesConnection(t *testing.T) {
	srv := startTestServer(t, newTestConfig(), map[string]string{"example.com": "93.184.216.119"})
	other := dialTest(t, srv)

	leaving, err := Dial(context.Background(), srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "two active connections", func() bool { return srv.ActiveConns() == 2 })

	leaving.Close()
	waitFor(t, "connection release", func() bool { return srv.ActiveConns() == 1 })

	if got, err := other.Lookup("example.com"); err != nil || got != "93.184.216.119" {
		t.Errorf("remaining connection must be unaffected, got %q (%v)", got, err)
	}
}

func TestServer_HalfCloseAnswersFinalLine(t *testing.T) {
	srv := startTestServer(t, newTestConfig(), map[string]string{"example.com": "93.184.216.119"})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("example.com\nexample.com"))
	conn.(*net.TCPConn).CloseWrite()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	for i := 0; i < 2; i++ {
		got, err := r.ReadString('\n')
		if err != nil || got != "93.184.216.119\n" {
			t.Fatalf("reply %d: got %q (%v)", i, got, err)
		}
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("expected server to close after the peer's write side closed")
	}
}

func TestServer_ConnectionLimitRejects(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxConns = 1
	srv := startTestServer(t, cfg, map[string]string{"example.com": "93.184.216.119"})

	first := dialTest(t, srv)
	if _, err := first.Lookup("example.com"); err != nil {
		t.Fatalf("first lookup: %v", err)
	}

	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))

	got, err := bufio.NewReader(second).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != respBusy {
		t.Errorf("expected %q, got %q", respBusy, got)
	}
	if v := testutil.ToFloat64(srv.metrics.connsRejected); v != 1 {
		t.Errorf("expected 1 rejected connection, got %v", v)
	}

	// the slot frees up once the first client leaves
	first.Close()
	waitFor(t, "slot release", func() bool { return srv.ActiveConns() == 0 })
	third := dialTest(t, srv)
	if got, err := third.Lookup("example.com"); err != nil || got != "93.184.216.119" {
		t.Errorf("expected a free slot after disconnect, got %q (%v)", got, err)
	}
}

func TestServer_ShutdownForceClosesAfterGrace(t *testing.T) {
	srv := newTestServer(newTestConfig(), nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	idle, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer idle.Close()
	waitFor(t, "active connection", func() bool { return srv.ActiveConns() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded from forced shutdown, got %v", err)
	}
	if err := <-serveErr; err != nil {
		t.Errorf("Serve should return nil after Shutdown, got %v", err)
	}
	if srv.ActiveConns() != 0 {
		t.Errorf("expected no active connections after Shutdown, got %d", srv.ActiveConns())
	}

	idle.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := idle.Read(make([]byte, 1)); err == nil {
		t.Error("expected the idle connection to be closed")
	}

	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Error("listener should be closed after Shutdown")
	}
}

func TestServer_ServeAfterShutdown(t *testing.T) {
	srv := newTestServer(newTestConfig(), nil)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := srv.Serve(ln); !errors.Is(err, ErrServerClosed) {
		t.Errorf("expected ErrServerClosed, got %v", err)
	}
}

func TestServer_ListenAndServe_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	cfg := newTestConfig()
	cfg.ListenAddr = taken.Addr().String()
	srv := newTestServer(cfg, nil)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected a bind error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe should fail fast on bind failure")
	}
}

func TestServer_ListenAndServe_StopsOnCancel(t *testing.T) {
	srv := newTestServer(newTestConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	waitFor(t, "listener", func() bool { return srv.Addr() != nil })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil after cancellation, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ListenAndServe did not return after cancellation")
	}
}

// flakyListener fails its first Accept calls with a resource error, then
// behaves like the wrapped listener.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("accept tcp: too many open files")
	}
	return l.Listener.Accept()
}

func TestServer_TransientAcceptErrorsKeepAccepting(t *testing.T) {
	srv := newTestServer(newTestConfig(), map[string]string{"example.com": "93.184.216.119"})
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln := &flakyListener{Listener: inner}
	ln.failures.Store(3)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		if err := <-serveErr; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	}()

	c, err := Dial(context.Background(), inner.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	got, err := c.Lookup("example.com")
	if err != nil {
		t.Fatalf("lookup after transient accept errors: %v", err)
	}
	if got != "93.184.216.119" {
		t.Errorf("expected 93.184.216.119, got %q", got)
	}
	if n := ln.failures.Load(); n >= 0 {
		t.Errorf("expected all injected accept failures to be consumed, %d left", n+1)
	}
}

func TestServer_ListenerClosedUnderneathIsFatal(t *testing.T) {
	srv := newTestServer(newTestConfig(), nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	waitFor(t, "accept loop", func() bool { return srv.Addr() != nil })

	// closed directly, not through Shutdown
	ln.Close()

	select {
	case err := <-serveErr:
		if err == nil {
			t.Fatal("expected an error when the listener dies outside Shutdown")
		}
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("expected error wrapping net.ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after its listener was closed")
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
