// Package dispatch is the front door for every inbound public connection.
// It resolves the subdomain from the Host header, looks up the matching
// tunnel, borrows one of its sockets, and routes the request through the
// HTTP injector or the raw upgrade bridge.
package dispatch

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/subtun-io/subtun/internal/connwatch"
	"github.com/subtun-io/subtun/internal/metrics"
	"github.com/subtun-io/subtun/internal/rawcapture"
	"github.com/subtun-io/subtun/internal/tunnel"
	"github.com/subtun-io/subtun/pkg/protocol"
)

// Dispatcher implements http.Handler and should sit in front of the
// management API / marketing-site proxy, which it calls as Fallback for
// any request that doesn't resolve to a registered subdomain.
type Dispatcher struct {
	Registry   *tunnel.ClientRegistry
	BaseDomain string
	Logger     *slog.Logger
	Fallback   http.Handler
	// Metrics is optional; when nil, outcomes are not recorded.
	Metrics *metrics.Metrics
}

func (d *Dispatcher) countRequest(outcome string) {
	if d.Metrics != nil {
		d.Metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain := protocol.ExtractSubdomain(r.Host, d.BaseDomain)
	upgrade := isUpgradeRequest(r)

	if subdomain == "" {
		if upgrade {
			d.countRequest("no_subdomain_upgrade")
			destroyPeer(w)
			return
		}
		d.countRequest("fallback")
		d.Fallback.ServeHTTP(w, r)
		discardCapture(r)
		return
	}

	tun, err := d.Registry.Lookup(subdomain)
	if err != nil {
		if upgrade {
			d.countRequest("unknown_subdomain_upgrade")
			destroyPeer(w)
			return
		}
		d.countRequest("unknown_subdomain")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "no active client for '%s'", subdomain)
		discardCapture(r)
		return
	}

	if upgrade {
		d.countRequest("upgrade")
		d.dispatchUpgrade(w, r, tun)
		return
	}
	d.countRequest("http")
	d.dispatchHTTP(w, r, tun)
	discardCapture(r)
}

// dispatchHTTP implements the borrow-and-race pattern for a regular request:
// the handler races the pool delivery against the request context being
// cancelled (the external peer disconnecting before a socket arrives).
func (d *Dispatcher) dispatchHTTP(w http.ResponseWriter, r *http.Request, tun *tunnel.ClientTunnel) {
	var finished atomic.Bool
	go func() {
		<-r.Context().Done()
		finished.Store(true)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tun.Pool.Next(func(sock *tunnel.TunnelSocket) {
			if finished.Load() {
				if sock != nil {
					tun.Pool.Release(sock)
				}
				return
			}
			if sock == nil {
				w.Header().Set("Connection", "close")
				w.WriteHeader(http.StatusGatewayTimeout)
				return
			}
			InjectHTTP(d.logger(), d.Metrics, tun.Pool, sock, w, r)
		})
	}()
	<-done
}

// dispatchUpgrade hijacks the peer connection up front (upgrades never get
// a second chance to write a normal HTTP response), then runs the same
// borrow-and-race pattern against a connwatch-detected peer disconnect.
func (d *Dispatcher) dispatchUpgrade(w http.ResponseWriter, r *http.Request, tun *tunnel.ClientTunnel) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	peerConn, bufrw, err := hj.Hijack()
	if err != nil {
		d.logger().Error("upgrade hijack failed", "err", err)
		return
	}

	preamble, fromCapture := capturedPreamble(r)
	if !fromCapture {
		preamble = reconstructPreamble(r)
	}

	var buffered []byte
	if bufrw != nil && bufrw.Reader != nil {
		if n := bufrw.Reader.Buffered(); n > 0 {
			peeked, _ := bufrw.Reader.Peek(n)
			buffered = append([]byte(nil), peeked...)
		}
	}

	var finished atomic.Bool
	closed, stopWatch := connwatch.Watch(peerConn, connwatch.DefaultPollInterval)
	go func() {
		<-closed
		finished.Store(true)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tun.Pool.Next(func(sock *tunnel.TunnelSocket) {
			stopWatch()
			if finished.Load() {
				if sock != nil {
					tun.Pool.Release(sock)
				}
				peerConn.Close()
				return
			}
			if sock == nil {
				peerConn.Close()
				return
			}
			BridgeUpgrade(d.logger(), d.Metrics, tun.Pool, sock, peerConn, preamble, buffered)
		})
	}()
	<-done
}

func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	return headerContainsToken(r.Header.Get("Connection"), "upgrade")
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// capturedPreamble recovers the verbatim request line and header block for
// r from the connection's rawcapture.Conn, preserving original header order
// and duplicates.
func capturedPreamble(r *http.Request) ([]byte, bool) {
	rc, ok := rawcapture.FromContext(r.Context())
	if !ok {
		return nil, false
	}
	return rc.ConsumeHeaders()
}

// discardCapture drops the connection's raw-capture buffer once a
// non-upgrade request has been fully handled, so its header block can't be
// mistaken for the terminator of a later upgrade request's headers on the
// same keep-alive connection.
func discardCapture(r *http.Request) {
	if rc, ok := rawcapture.FromContext(r.Context()); ok {
		rc.Reset()
	}
}

// reconstructPreamble rebuilds a request preamble from the parsed request
// when raw capture is unavailable (header block larger than the capture
// bound, or the listener wasn't wrapped with rawcapture). Header order and
// duplicate-header grouping are not preserved in this path.
func reconstructPreamble(r *http.Request) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", r.Method, r.URL.RequestURI(), r.Proto)
	fmt.Fprintf(&buf, "Host: %s\r\n", r.Host)
	for name, values := range r.Header {
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func destroyPeer(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
		}
	}
}
