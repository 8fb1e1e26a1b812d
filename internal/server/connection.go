package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionInfo holds information about a client connection
type ConnectionInfo struct {
	RemoteIP    string    `json:"remote_ip"`
	RemotePort  int       `json:"remote_port"`
	LocalPort   int       `json:"local_port"`
	ConnectTime time.Time `json:"connect_time"`
	LastAction  time.Time `json:"last_action"`
}

// trackedConn is an accepted connection owned by a Process. Reads and
// writes refresh its activity time; the first Close releases it from
// the process so draining can tell when in-flight work is done.
type trackedConn struct {
	net.Conn

	process     *Process
	remoteIP    string
	remotePort  int
	localPort   int
	connectTime time.Time
	lastAction  atomic.Int64 // unix nanoseconds

	closeOnce sync.Once
	closeErr  error
}

func newTrackedConn(conn net.Conn, p *Process) *trackedConn {
	now := p.clock.Now()
	c := &trackedConn{
		Conn:        conn,
		process:     p,
		connectTime: now,
	}
	c.lastAction.Store(now.UnixNano())

	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		c.remoteIP = addr.IP.String()
		c.remotePort = addr.Port
	}
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		c.localPort = addr.Port
	}
	return c
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// Close closes the socket once and releases it from the process.
func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		c.process.release(c)
	})
	return c.closeErr
}

func (c *trackedConn) touch() {
	c.lastAction.Store(c.process.clock.Now().UnixNano())
}

// IdleTime returns the time since the last read or write.
func (c *trackedConn) IdleTime() time.Duration {
	return c.process.clock.Now().Sub(time.Unix(0, c.lastAction.Load()))
}

func (c *trackedConn) Info() ConnectionInfo {
	return ConnectionInfo{
		RemoteIP:    c.remoteIP,
		RemotePort:  c.remotePort,
		LocalPort:   c.localPort,
		ConnectTime: c.connectTime,
		LastAction:  time.Unix(0, c.lastAction.Load()),
	}
}
