// Package tunnel implements the per-client tunnel routing engine: the
// socket pool, the ephemeral listener that feeds it, and the registry that
// maps subdomain ids to running tunnels.
package tunnel

import (
	"net"
	"sync"

	"github.com/subtun-io/subtun/internal/connwatch"
)

// TunnelSocket is one TCP connection accepted on a ClientTunnel's listener.
// The pool owns it while idle, a handler owns it while in flight.
type TunnelSocket struct {
	conn       net.Conn
	remoteAddr string

	mu        sync.Mutex
	destroyed bool
	watchStop func()
}

func newTunnelSocket(conn net.Conn) *TunnelSocket {
	return &TunnelSocket{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
	}
}

// Conn returns the underlying connection for reading/writing a request.
func (s *TunnelSocket) Conn() net.Conn {
	return s.conn
}

// RemoteAddr is the tunnel client's address, fixed at accept time.
func (s *TunnelSocket) RemoteAddr() string {
	return s.remoteAddr
}

// Destroyed reports whether the socket has been torn down.
func (s *TunnelSocket) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Destroy closes the underlying connection. Idempotent.
func (s *TunnelSocket) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	stop := s.watchStop
	s.watchStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.conn.Close()
}

// watchIdle starts a background watch that calls onClosed if the tunnel
// client closes this socket while it sits idle in the pool, so the pool can
// reclaim it without waiting for a handler to try (and fail) to use it.
// Call stopWatch before handing the socket to a handler.
func (s *TunnelSocket) watchIdle(onClosed func()) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	closed, stop := connwatch.Watch(s.conn, connwatch.DefaultPollInterval)
	s.watchStop = stop
	s.mu.Unlock()

	go func() {
		<-closed
		onClosed()
	}()
}

// stopWatch cancels any in-flight idle watch before the socket is lent out.
func (s *TunnelSocket) stopWatch() {
	s.mu.Lock()
	stop := s.watchStop
	s.watchStop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}
