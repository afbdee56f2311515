package tunnel

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/subtun-io/subtun/pkg/protocol"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// idGenLength is the length of server-generated ids. Client-requested ids
// may be any length protocol.ValidateID accepts.
const idGenLength = 8

const maxIDGenAttempts = 20

var (
	// ErrSubdomainTaken is returned by Create when the requested id is
	// already reserved or running.
	ErrSubdomainTaken = errors.New("subdomain already in use")
	// ErrUnknownSubdomain is returned by Lookup when no tunnel is registered
	// under the given id.
	ErrUnknownSubdomain = errors.New("unknown subdomain")
	// ErrIDGenerationFailed is returned if random id generation could not
	// find a free id within maxIDGenAttempts tries.
	ErrIDGenerationFailed = errors.New("could not generate a unique subdomain id")
)

// ClientRegistry maps subdomain ids to running ClientTunnels. It reserves an
// id with a placeholder entry before the tunnel finishes starting, so two
// concurrent requests for the same id can never both succeed (spec.md's
// id-uniqueness property).
type ClientRegistry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	tunnels map[string]*ClientTunnel
	count   atomic.Int64

	onEnd func(id string)
}

// OnEnd installs a callback invoked every time a tunnel is deregistered
// (its onTunnelEnd completes), after internal bookkeeping. Used by the
// server package to drive the tunnels-ended metric; nil by default.
func (r *ClientRegistry) OnEnd(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEnd = fn
}

// NewClientRegistry constructs an empty registry.
func NewClientRegistry(logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientRegistry{
		logger:  logger,
		tunnels: make(map[string]*ClientTunnel),
	}
}

// Create reserves id (generating a random one if id is empty), starts a new
// ClientTunnel under it, and registers it. The tunnel is visible to Lookup
// from the moment it is reserved, before its listener is bound, closing the
// race where two concurrent Create calls could both believe they won.
func (r *ClientRegistry) Create(id string, maxSockets int) (*ClientTunnel, error) {
	if id == "" {
		generated, err := r.generateID()
		if err != nil {
			return nil, err
		}
		id = generated
	} else if err := protocol.ValidateID(id); err != nil {
		return nil, err
	}

	tun := NewClientTunnel(id, maxSockets, r.logger, r.onTunnelEnd)

	r.mu.Lock()
	if _, exists := r.tunnels[id]; exists {
		r.mu.Unlock()
		return nil, ErrSubdomainTaken
	}
	r.tunnels[id] = tun
	r.mu.Unlock()
	r.count.Add(1)

	if _, _, err := tun.Start(); err != nil {
		r.remove(id)
		return nil, err
	}
	return tun, nil
}

// Lookup returns the tunnel registered under id.
func (r *ClientRegistry) Lookup(id string) (*ClientTunnel, error) {
	r.mu.RLock()
	tun, ok := r.tunnels[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSubdomain
	}
	return tun, nil
}

// Exists reports whether id is currently reserved or running.
func (r *ClientRegistry) Exists(id string) bool {
	r.mu.RLock()
	_, ok := r.tunnels[id]
	r.mu.RUnlock()
	return ok
}

// Count returns the number of tunnels currently registered.
func (r *ClientRegistry) Count() int64 {
	return r.count.Load()
}

// Stats is a point-in-time snapshot of one registered tunnel, used by the
// server's periodic metrics gauge reporter.
type Stats struct {
	ID         string
	Sockets    int
	MaxSockets int
	Waiters    int
}

// Snapshot returns Stats for every currently registered tunnel.
func (r *ClientRegistry) Snapshot() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.tunnels))
	for id, tun := range r.tunnels {
		out = append(out, Stats{
			ID:         id,
			Sockets:    tun.Pool.Size(),
			MaxSockets: tun.MaxSockets,
			Waiters:    tun.Pool.Waiters(),
		})
	}
	return out
}

// CloseAll closes every registered tunnel. Used during server shutdown.
func (r *ClientRegistry) CloseAll() {
	r.mu.RLock()
	tunnels := make([]*ClientTunnel, 0, len(r.tunnels))
	for _, tun := range r.tunnels {
		tunnels = append(tunnels, tun)
	}
	r.mu.RUnlock()

	for _, tun := range tunnels {
		tun.Close()
	}
}

// onTunnelEnd is the ClientTunnel end callback: it deregisters the tunnel
// exactly once, matching the tunnel's own at-most-once end guarantee.
func (r *ClientRegistry) onTunnelEnd(id string) {
	r.remove(id)
}

func (r *ClientRegistry) remove(id string) {
	r.mu.Lock()
	_, existed := r.tunnels[id]
	delete(r.tunnels, id)
	onEnd := r.onEnd
	r.mu.Unlock()
	if existed {
		r.count.Add(-1)
		if onEnd != nil {
			onEnd(id)
		}
	}
}

// generateID draws random lowercase alphanumeric ids until it finds one not
// already reserved, or gives up after maxIDGenAttempts.
func (r *ClientRegistry) generateID() (string, error) {
	for i := 0; i < maxIDGenAttempts; i++ {
		id, err := randomID(idGenLength)
		if err != nil {
			return "", err
		}
		if !r.Exists(id) {
			return id, nil
		}
	}
	return "", ErrIDGenerationFailed
}

func randomID(length int) (string, error) {
	b := make([]byte, length)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = idAlphabet[n.Int64()]
	}
	return string(b), nil
}
