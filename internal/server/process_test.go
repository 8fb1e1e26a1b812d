package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eltadmin/alice/internal/clock"
	"github.com/eltadmin/alice/internal/testutil"
)

const testTimeout = 5 * time.Second

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newTestProcess(t *testing.T, handler Handler, mutate ...func(*ProcessConfig)) *Process {
	t.Helper()
	cfg := ProcessConfig{
		Address:     "127.0.0.1:0",
		Handler:     handler,
		GracePeriod: testTimeout,
		Logger:      discardLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewProcess(cfg)
}

// acceptingHandler reports each connection on the returned channel and
// leaves it open.
func acceptingHandler() (Handler, chan net.Conn) {
	accepted := make(chan net.Conn, 16)
	return HandlerFunc(func(_ context.Context, conn net.Conn) {
		accepted <- conn
	}), accepted
}

// serve starts p in the background and returns a cancel func and the
// channel Serve's result arrives on.
func serve(t *testing.T, p *Process) (context.CancelFunc, <-chan error) {
	t.Helper()
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	testutil.RequireClosed(t, p.Ready(), testTimeout, "process ready")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func dial(t *testing.T, p *Process) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", p.Addr().String(), testTimeout)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStartAcceptsConnections(t *testing.T) {
	handler, accepted := acceptingHandler()
	p := newTestProcess(t, handler)
	cancel, done := serve(t, p)

	if got := p.State(); got != StateListening {
		t.Fatalf("State() = %s, want listening", got)
	}

	dial(t, p)
	conn := testutil.RequireReceive(t, accepted, testTimeout, "handler did not receive the connection")
	conn.Close()

	cancel()
	if err := testutil.RequireReceive(t, done, testTimeout, "Serve did not return"); err != nil {
		t.Errorf("Serve() = %v, want nil", err)
	}
}

func TestSecondProcessOnHeldPortFailsToBind(t *testing.T) {
	handler, _ := acceptingHandler()
	first := newTestProcess(t, handler)
	serve(t, first)

	second := newTestProcess(t, handler, func(c *ProcessConfig) {
		c.Address = first.Addr().String()
	})
	err := second.Start()

	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Start() error = %v, want *BindError", err)
	}
	if bindErr.Address != first.Addr().String() {
		t.Errorf("BindError.Address = %q, want %q", bindErr.Address, first.Addr().String())
	}
	if got := second.State(); got != StateStarting {
		t.Errorf("State() after failed bind = %s, want starting", got)
	}
}

func TestServeStopsCleanlyWithoutConnections(t *testing.T) {
	handler, _ := acceptingHandler()
	p := newTestProcess(t, handler)
	cancel, done := serve(t, p)

	cancel()
	if err := testutil.RequireReceive(t, done, testTimeout, "Serve did not return"); err != nil {
		t.Fatalf("Serve() = %v, want nil", err)
	}
	if got := p.State(); got != StateStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
}

func TestDrainWaitsForInFlightConnection(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := newTestProcess(t, HandlerFunc(func(_ context.Context, conn net.Conn) {
		defer conn.Close()
		started <- struct{}{}
		<-release
		conn.Write([]byte("done"))
	}))
	cancel, done := serve(t, p)

	client := dial(t, p)
	testutil.RequireReceive(t, started, testTimeout, "handler not started")

	cancel()
	testutil.RequireEventually(t, func() bool { return p.State() == StateDraining }, testTimeout, "process not draining")

	select {
	case err := <-done:
		t.Fatalf("Serve returned %v while a connection was in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	reply := make([]byte, 4)
	if _, err := io.ReadFull(client, reply); err != nil || string(reply) != "done" {
		t.Fatalf("in-flight reply = %q, %v, want done", reply, err)
	}

	if err := testutil.RequireReceive(t, done, testTimeout, "Serve did not return"); err != nil {
		t.Errorf("Serve() = %v, want nil", err)
	}
	if got := p.State(); got != StateStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
}

func TestDrainForcesCloseAfterGracePeriod(t *testing.T) {
	fake := clock.Fake(epoch)
	handlerDone := make(chan error, 1)
	started := make(chan struct{}, 1)
	p := newTestProcess(t, HandlerFunc(func(_ context.Context, conn net.Conn) {
		defer conn.Close()
		started <- struct{}{}
		_, err := io.Copy(io.Discard, conn)
		handlerDone <- err
	}), func(c *ProcessConfig) {
		c.Clock = fake
		c.GracePeriod = 3 * time.Second
	})
	cancel, done := serve(t, p)

	dial(t, p)
	testutil.RequireReceive(t, started, testTimeout, "handler not started")

	cancel()
	fake.WaitForTimers(1) // the grace timer
	fake.Advance(3 * time.Second)

	err := testutil.RequireReceive(t, done, testTimeout, "Serve did not return after the grace period")
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Serve() = %v, want ErrShutdownTimeout", err)
	}
	testutil.RequireReceive(t, handlerDone, testTimeout, "handler still blocked on a dropped connection")
	if got := p.State(); got != StateStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
}

func TestPortReusableAfterStop(t *testing.T) {
	handler, accepted := acceptingHandler()
	p := newTestProcess(t, handler)
	cancel, done := serve(t, p)
	addr := p.Addr().String()

	dial(t, p)
	conn := testutil.RequireReceive(t, accepted, testTimeout, "no connection")
	conn.Close()

	cancel()
	testutil.RequireReceive(t, done, testTimeout, "Serve did not return")

	again := newTestProcess(t, handler, func(c *ProcessConfig) { c.Address = addr })
	if err := again.Start(); err != nil {
		t.Fatalf("rebinding %s: %v", addr, err)
	}
	again.listener.Close()
}

func TestNoHandoffAfterDraining(t *testing.T) {
	var handled atomic.Int32
	release := make(chan struct{})
	p := newTestProcess(t, HandlerFunc(func(_ context.Context, conn net.Conn) {
		defer conn.Close()
		handled.Add(1)
		<-release
	}))
	cancel, done := serve(t, p)
	defer close(release)

	dial(t, p)
	testutil.RequireEventually(t, func() bool { return handled.Load() == 1 }, testTimeout, "first connection not handled")

	cancel()
	testutil.RequireEventually(t, func() bool { return p.State() == StateDraining }, testTimeout, "process not draining")

	// The listener closes right after the state change, so these dials
	// are refused. A client accepted in between is covered by
	// TestConnectionAcceptedDuringDrainIsClosed.
	for i := 0; i < 5; i++ {
		conn, err := net.DialTimeout("tcp", p.Addr().String(), time.Second)
		if err == nil {
			conn.Close()
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := handled.Load(); got != 1 {
		t.Errorf("handled %d connections, want only the one accepted before draining", got)
	}

	select {
	case err := <-done:
		t.Fatalf("Serve returned %v early", err)
	default:
	}
}

// lateListener accepts nothing until it is closed, then hands out one
// connection, as a socket does when a client lands just as draining
// starts.
type lateListener struct {
	late   net.Conn
	closed chan struct{}
	once   sync.Once
	handed atomic.Bool
}

func (l *lateListener) Accept() (net.Conn, error) {
	<-l.closed
	if l.handed.CompareAndSwap(false, true) {
		return l.late, nil
	}
	return nil, net.ErrClosed
}

func (l *lateListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *lateListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestConnectionAcceptedDuringDrainIsClosed(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	listener := &lateListener{late: server, closed: make(chan struct{})}

	var handled atomic.Int32
	p := newTestProcess(t, HandlerFunc(func(_ context.Context, conn net.Conn) {
		handled.Add(1)
		conn.Close()
	}), func(c *ProcessConfig) {
		c.Listen = func(string, string) (net.Listener, error) { return listener, nil }
	})
	cancel, done := serve(t, p)

	cancel()
	if err := testutil.RequireReceive(t, done, testTimeout, "Serve did not return"); err != nil {
		t.Fatalf("Serve() = %v, want nil", err)
	}
	if !listener.handed.Load() {
		t.Fatal("late connection was never accepted")
	}

	client.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("late connection read = %v, want EOF", err)
	}
	if got := handled.Load(); got != 0 {
		t.Errorf("handler saw %d connections accepted during drain, want 0", got)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	handler, accepted := acceptingHandler()
	p := newTestProcess(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	testutil.RequireClosed(t, p.Ready(), testTimeout, "process ready")
	dial(t, p)
	conn := testutil.RequireReceive(t, accepted, testTimeout, "no connection")
	conn.Close()

	cancel()
	if err := testutil.RequireReceive(t, done, testTimeout, "Run did not return"); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if got := p.State(); got != StateStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
}

func TestRunReportsBindError(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	handler, _ := acceptingHandler()
	p := newTestProcess(t, handler, func(c *ProcessConfig) { c.Address = held.Addr().String() })

	var bindErr *BindError
	if err := p.Run(context.Background()); !errors.As(err, &bindErr) {
		t.Fatalf("Run() = %v, want *BindError", err)
	}
}

func TestHandlerPanicDoesNotStopProcess(t *testing.T) {
	var calls atomic.Int32
	accepted := make(chan net.Conn, 1)
	p := newTestProcess(t, HandlerFunc(func(_ context.Context, conn net.Conn) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		accepted <- conn
	}))
	serve(t, p)

	first := dial(t, p)
	first.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := first.Read(make([]byte, 1)); err == nil {
		t.Fatal("panicked connection was not closed")
	}

	dial(t, p)
	conn := testutil.RequireReceive(t, accepted, testTimeout, "process stopped accepting after a panic")
	conn.Close()
}

func TestIdleConnectionsAreReaped(t *testing.T) {
	fake := clock.Fake(epoch)
	started := make(chan struct{}, 1)
	handlerDone := make(chan struct{})
	p := newTestProcess(t, HandlerFunc(func(_ context.Context, conn net.Conn) {
		defer close(handlerDone)
		defer conn.Close()
		started <- struct{}{}
		io.Copy(io.Discard, conn)
	}), func(c *ProcessConfig) {
		c.Clock = fake
		c.IdleTimeout = 4 * time.Second
	})
	serve(t, p)

	dial(t, p)
	testutil.RequireReceive(t, started, testTimeout, "handler not started")

	fake.WaitForTimers(1) // the reaper ticker
	fake.Advance(5 * time.Second)

	testutil.RequireClosed(t, handlerDone, testTimeout, "idle connection not reaped")
	testutil.RequireEventually(t, func() bool { return len(p.Connections()) == 0 }, testTimeout, "reaped connection still tracked")
}

func TestConnectionsListsOpenConnections(t *testing.T) {
	handler, accepted := acceptingHandler()
	p := newTestProcess(t, handler)
	serve(t, p)

	dial(t, p)
	conn := testutil.RequireReceive(t, accepted, testTimeout, "no connection")

	conns := p.Connections()
	if len(conns) != 1 {
		t.Fatalf("Connections() = %d entries, want 1", len(conns))
	}
	if conns[0].RemoteIP != "127.0.0.1" || conns[0].LocalPort != p.Addr().(*net.TCPAddr).Port {
		t.Errorf("Connections()[0] = %+v", conns[0])
	}

	conn.Close()
	if got := len(p.Connections()); got != 0 {
		t.Errorf("Connections() after close = %d entries, want 0", got)
	}
}

func TestServeRequiresStart(t *testing.T) {
	handler, _ := acceptingHandler()
	p := newTestProcess(t, handler)
	if err := p.Serve(context.Background()); err == nil {
		t.Fatal("Serve() before Start = nil error")
	}
}

func TestStartTwice(t *testing.T) {
	handler, _ := acceptingHandler()
	p := newTestProcess(t, handler)
	serve(t, p)
	if err := p.Start(); err == nil {
		t.Fatal("second Start() = nil error")
	}
}
