package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/eltadmin/alice/internal/clock"
)

// Handler serves one accepted connection and owns it from then on: it
// must close the connection when done. Each call runs on its own
// goroutine, so a slow handler never holds up the acceptor. ctx is
// cancelled when the process gives up on in-flight work.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// Drainer is implemented by handlers that want to hear when draining
// starts. ctx expires with the grace period.
type Drainer interface {
	Drain(ctx context.Context) error
}

// ProcessConfig configures a Process.
type ProcessConfig struct {
	// Address is the TCP listen address. Required.
	Address string

	// Handler receives accepted connections. Required.
	Handler Handler

	// GracePeriod bounds how long draining waits for in-flight
	// connections before closing them.
	GracePeriod time.Duration

	// IdleTimeout drops connections without reads or writes for this
	// long. Zero disables it.
	IdleTimeout time.Duration

	// Logger is required.
	Logger *slog.Logger

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Listen creates the listening socket. Defaults to net.Listen.
	Listen func(network, address string) (net.Listener, error)
}

// Process owns the listening socket and the lifecycle of the service:
// Start binds, Serve accepts until its context is cancelled and then
// drains. The listener is the only state shared with the acceptor.
type Process struct {
	address     string
	handler     Handler
	grace       time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger
	clock       clock.Clock
	listen      func(network, address string) (net.Listener, error)

	lifecycle lifecycle
	listener  net.Listener
	ready     chan struct{}

	// connCtx is handed to every handler and cancelled once draining
	// is over.
	connCtx     context.Context
	cancelConns context.CancelFunc

	connMu sync.Mutex
	conns  map[*trackedConn]struct{}
	active sync.WaitGroup
}

// NewProcess creates a process in the Starting state.
func NewProcess(cfg ProcessConfig) *Process {
	if cfg.Address == "" {
		panic("server.Process: Address is required")
	}
	if cfg.Handler == nil {
		panic("server.Process: Handler is required")
	}
	if cfg.Logger == nil {
		panic("server.Process: Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Listen == nil {
		cfg.Listen = net.Listen
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &Process{
		address:     cfg.Address,
		handler:     cfg.Handler,
		grace:       cfg.GracePeriod,
		idleTimeout: cfg.IdleTimeout,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		listen:      cfg.Listen,
		ready:       make(chan struct{}),
		connCtx:     connCtx,
		cancelConns: cancel,
		conns:       make(map[*trackedConn]struct{}),
	}
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	return p.lifecycle.get()
}

// Ready is closed once the socket is bound.
func (p *Process) Ready() <-chan struct{} {
	return p.ready
}

// Addr returns the bound address. Only valid after Ready is closed.
func (p *Process) Addr() net.Addr {
	return p.listener.Addr()
}

// Start binds the listening socket. A failure is returned as a
// *BindError and leaves the process in Starting.
func (p *Process) Start() error {
	if state := p.State(); state != StateStarting {
		return fmt.Errorf("server: Start called in state %s", state)
	}

	listener, err := p.listen("tcp", p.address)
	if err != nil {
		return &BindError{Address: p.address, Err: err}
	}
	p.listener = listener

	if err := p.lifecycle.transition(StateStarting, StateListening); err != nil {
		listener.Close()
		return err
	}
	close(p.ready)
	p.logger.Info("service listening", "address", listener.Addr().String())
	return nil
}

// Run binds and serves until ctx is cancelled.
func (p *Process) Run(ctx context.Context) error {
	if err := p.Start(); err != nil {
		return err
	}
	return p.Serve(ctx)
}

// Serve runs the accept loop until ctx is cancelled, then drains: no
// new connections are accepted, in-flight ones get GracePeriod to
// finish, and stragglers are closed. It returns nil on a clean drain
// and ErrShutdownTimeout when connections had to be dropped.
func (p *Process) Serve(ctx context.Context) error {
	if state := p.State(); state != StateListening {
		return fmt.Errorf("server: Serve called in state %s", state)
	}

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- p.acceptLoop() }()

	stopReaper := make(chan struct{})
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		p.reapIdle(stopReaper)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		p.logger.Info("termination requested, draining", "grace_period", p.grace)
	case serveErr = <-acceptErr:
		p.logger.Error("accept loop failed, draining", "error", serveErr)
	}

	// The state change and the connection registry share connMu, so
	// once Draining is visible no further connection can be tracked.
	p.connMu.Lock()
	err := p.lifecycle.transition(StateListening, StateDraining)
	p.connMu.Unlock()
	if err != nil {
		return err
	}

	p.listener.Close()
	if serveErr == nil {
		<-acceptErr
	}
	close(stopReaper)
	<-reaperDone

	drainErr := p.drain()

	if err := p.lifecycle.transition(StateDraining, StateStopped); err != nil {
		return err
	}
	p.logger.Info("service stopped")

	if serveErr != nil {
		return serveErr
	}
	return drainErr
}

// acceptLoop returns nil once the listener is closed for draining.
func (p *Process) acceptLoop() error {
	var backoff time.Duration
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.State() != StateListening {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed unexpectedly: %w", err)
			}
			backoff = nextBackoff(backoff)
			p.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			<-p.clock.After(backoff)
			continue
		}
		backoff = 0

		tc := p.track(conn)
		if tc == nil {
			// Accepted while draining began: never handed off.
			conn.Close()
			continue
		}
		go p.serveConn(tc)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (p *Process) serveConn(c *trackedConn) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("connection handler panicked",
				"remote", c.RemoteAddr().String(),
				"panic", r,
			)
			c.Close()
		}
	}()
	p.logger.Debug("connection accepted", "remote", c.RemoteAddr().String())
	p.handler.ServeConn(p.connCtx, c)
}

// track registers conn, or returns nil if the process is no longer
// Listening.
func (p *Process) track(conn net.Conn) *trackedConn {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.lifecycle.get() != StateListening {
		return nil
	}
	tc := newTrackedConn(conn, p)
	p.conns[tc] = struct{}{}
	p.active.Add(1)
	return tc
}

func (p *Process) release(c *trackedConn) {
	p.connMu.Lock()
	_, ok := p.conns[c]
	delete(p.conns, c)
	p.connMu.Unlock()

	if ok {
		p.active.Done()
	}
}

func (p *Process) snapshotConns() []*trackedConn {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	conns := make([]*trackedConn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	return conns
}

// Connections lists the open connections, oldest first.
func (p *Process) Connections() []ConnectionInfo {
	conns := p.snapshotConns()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectTime.Before(infos[j].ConnectTime)
	})
	return infos
}

// drain waits for tracked connections to close, up to the grace period.
func (p *Process) drain() error {
	defer p.cancelConns()

	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()

	if d, ok := p.handler.(Drainer); ok {
		go func() {
			if err := d.Drain(drainCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn("handler drain incomplete", "error", err)
			}
		}()
	}

	idle := make(chan struct{})
	go func() {
		p.active.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-p.clock.After(p.grace):
	}

	cancelDrain()
	conns := p.snapshotConns()
	for _, c := range conns {
		c.Close()
	}
	<-idle

	p.logger.Warn("grace period expired, connections dropped", "dropped", len(conns))
	return fmt.Errorf("%w: dropped %d connections", ErrShutdownTimeout, len(conns))
}

// reapIdle closes connections idle for longer than idleTimeout until
// stop is closed.
func (p *Process) reapIdle(stop <-chan struct{}) {
	if p.idleTimeout <= 0 {
		return
	}
	interval := p.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, c := range p.snapshotConns() {
				if idle := c.IdleTime(); idle > p.idleTimeout {
					p.logger.Info("dropping idle connection", "remote", c.RemoteAddr().String(), "idle", idle)
					c.Close()
				}
			}
		}
	}
}
