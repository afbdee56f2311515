package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/subtun-io/subtun/pkg/protocol"
)

// ErrAlreadyStarted is returned by a second call to ClientTunnel.Start.
var ErrAlreadyStarted = errors.New("tunnel already started")

// tunnelState mirrors the lifecycle in spec.md §3: Fresh -> Starting ->
// Listening -> Closing -> Ended (terminal).
type tunnelState int

const (
	stateFresh tunnelState = iota
	stateStarting
	stateListening
	stateClosing
	stateEnded
)

// ClientTunnel owns one client's ephemeral TCP listener and socket pool. It
// accepts tunnel sockets up to MaxSockets, feeds them to Pool, and emits its
// end exactly once via the onEnd callback supplied at construction.
type ClientTunnel struct {
	ID         string
	MaxSockets int
	Pool       *TunnelSocketPool

	logger *slog.Logger
	onEnd  func(id string)

	mu        sync.Mutex
	state     tunnelState
	listener  net.Listener
	port      int
	idleTimer *time.Timer

	closeOnce sync.Once
}

// Port returns the bound listener's port, valid once Start has returned
// successfully.
func (t *ClientTunnel) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// NewClientTunnel constructs a tunnel for id, not yet listening.
func NewClientTunnel(id string, maxSockets int, logger *slog.Logger, onEnd func(id string)) *ClientTunnel {
	if maxSockets <= 0 {
		maxSockets = protocol.DefaultMaxSockets
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &ClientTunnel{
		ID:         id,
		MaxSockets: maxSockets,
		logger:     logger.With("tunnel_id", id),
		onEnd:      onEnd,
	}
	t.Pool = newTunnelSocketPool(t)
	return t
}

// Start binds an ephemeral TCP listener, begins accepting, and arms the
// initial idle-destroy timer. Returns the chosen port and socket cap.
// A second call returns ErrAlreadyStarted.
func (t *ClientTunnel) Start() (port int, maxSockets int, err error) {
	t.mu.Lock()
	if t.state != stateFresh {
		t.mu.Unlock()
		return 0, 0, ErrAlreadyStarted
	}
	t.state = stateStarting
	t.mu.Unlock()

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.mu.Lock()
		t.state = stateEnded
		t.mu.Unlock()
		return 0, 0, fmt.Errorf("bind tunnel listener: %w", err)
	}

	tcpAddr := ln.Addr().(*net.TCPAddr)

	t.mu.Lock()
	t.listener = ln
	t.port = tcpAddr.Port
	t.state = stateListening
	t.mu.Unlock()

	t.armIdleTimer()
	go t.acceptLoop(ln)

	return tcpAddr.Port, t.MaxSockets, nil
}

func (t *ClientTunnel) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if isTransientListenerError(err) {
				continue
			}
			t.logger.Error("tunnel listener error", "err", err)
			continue
		}
		t.onAccept(conn)
	}
}

// onAccept enforces the socket cap and feeds the connection into the pool.
func (t *ClientTunnel) onAccept(conn net.Conn) {
	if t.Pool.Size() >= t.MaxSockets {
		conn.Close()
		return
	}
	sock := newTunnelSocket(conn)
	t.Pool.Admit(sock)
}

// Close stops accepting, closes the listener, shuts down the pool (waking
// any waiters with nil), and emits end exactly once.
func (t *ClientTunnel) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = stateClosing
		ln := t.listener
		t.clearIdleTimerLocked()
		t.mu.Unlock()

		if ln != nil {
			// A listener-close error here races the idle timer against a
			// concurrent shutdown; either way the tunnel is ending, so the
			// error is swallowed and treated as already-closed.
			_ = ln.Close()
		}

		t.Pool.Shutdown()

		t.mu.Lock()
		t.state = stateEnded
		t.mu.Unlock()

		if t.onEnd != nil {
			t.onEnd(t.ID)
		}
	})
}

func (t *ClientTunnel) armIdleTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosing || t.state == stateEnded {
		return
	}
	t.clearIdleTimerLocked()
	t.idleTimer = time.AfterFunc(protocol.IdleDestroyTimeout, t.Close)
}

func (t *ClientTunnel) clearIdleTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearIdleTimerLocked()
}

func (t *ClientTunnel) clearIdleTimerLocked() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}

// isTransientListenerError reports ECONNRESET/ETIMEDOUT-class noise from a
// peer that hung up mid-accept; these are ignored rather than logged.
func isTransientListenerError(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT)
}
