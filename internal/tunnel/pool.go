package tunnel

import "sync"

// Handler receives a borrowed socket, or nil if the pool shut down before
// one could be delivered. It is invoked at most once.
type Handler func(*TunnelSocket)

// poolOwner lets the pool arm/clear its owning ClientTunnel's idle-destroy
// timer without the pool needing to know anything else about the tunnel.
type poolOwner interface {
	clearIdleTimer()
	armIdleTimer()
}

// TunnelSocketPool holds the idle sockets and the FIFO waiter queue for one
// client. It lends exactly one socket to exactly one handler at a time.
type TunnelSocketPool struct {
	owner poolOwner

	mu      sync.Mutex
	idle    []*TunnelSocket
	waiters []chan *TunnelSocket
	size    int
	closed  bool
}

func newTunnelSocketPool(owner poolOwner) *TunnelSocketPool {
	return &TunnelSocketPool{owner: owner}
}

// Size is the count of sockets ever admitted and not yet removed: the sum
// of idle and in-flight sockets (invariant: |idle| + in_flight == size).
func (p *TunnelSocketPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Waiters is the number of handlers currently queued awaiting a socket.
func (p *TunnelSocketPool) Waiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Admit enqueues a freshly accepted socket as idle, then immediately hands
// it to the oldest waiter if one is queued. No-op (destroys the socket)
// once the pool has shut down.
func (p *TunnelSocketPool) Admit(sock *TunnelSocket) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sock.Destroy()
		return
	}
	p.size++
	p.idle = append(p.idle, sock)
	dispatched, waiter := p.popDispatchLocked()
	p.mu.Unlock()

	p.owner.clearIdleTimer()
	if waiter != nil {
		p.deliver(dispatched, waiter)
	} else {
		sock.watchIdle(func() { p.Remove(sock) })
	}
}

// Next invokes handler with the oldest idle socket, or queues handler as a
// waiter if none is idle. It blocks the calling goroutine until a socket
// (or a shutdown nil) is available, so call it from its own goroutine.
func (p *TunnelSocketPool) Next(handler Handler) {
	p.mu.Lock()
	if len(p.idle) > 0 {
		sock := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		sock.stopWatch()
		handler(sock)
		return
	}
	if p.closed {
		p.mu.Unlock()
		handler(nil)
		return
	}
	ch := make(chan *TunnelSocket, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	handler(<-ch)
}

// Release returns a borrowed socket to the pool. If the socket was
// destroyed while borrowed it is dropped instead, but waiters are still
// serviced from whatever idle sockets remain.
func (p *TunnelSocketPool) Release(sock *TunnelSocket) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	requeued := !sock.Destroyed()
	if requeued {
		p.idle = append(p.idle, sock)
	}
	dispatched, waiter := p.popDispatchLocked()
	p.mu.Unlock()

	if waiter != nil {
		p.deliver(dispatched, waiter)
	} else if requeued {
		sock.watchIdle(func() { p.Remove(sock) })
	}
}

// Remove is called when an accepted socket closes or errors, whether idle
// or already destroyed. It decrements size and, if size reaches zero, arms
// the owning tunnel's idle-destroy timer.
func (p *TunnelSocketPool) Remove(sock *TunnelSocket) {
	p.mu.Lock()
	for i, s := range p.idle {
		if s == sock {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	if p.size > 0 {
		p.size--
	}
	zero := p.size == 0
	p.mu.Unlock()

	if zero {
		p.owner.armIdleTimer()
	}
}

// Shutdown drains all waiters in FIFO order with a nil socket and stops
// accepting further admissions. Idempotent.
func (p *TunnelSocketPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, sock := range idle {
		sock.Destroy()
	}
	for _, ch := range waiters {
		ch <- nil
	}
}

// popDispatchLocked pops one idle socket and one waiter, if both exist, and
// returns them for delivery outside the lock. Must be called with mu held.
func (p *TunnelSocketPool) popDispatchLocked() (*TunnelSocket, chan *TunnelSocket) {
	if len(p.idle) == 0 || len(p.waiters) == 0 {
		return nil, nil
	}
	sock := p.idle[0]
	p.idle = p.idle[1:]
	waiter := p.waiters[0]
	p.waiters = p.waiters[1:]
	return sock, waiter
}

func (p *TunnelSocketPool) deliver(sock *TunnelSocket, waiter chan *TunnelSocket) {
	if waiter == nil {
		return
	}
	sock.stopWatch()
	waiter <- sock
}
