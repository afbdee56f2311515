// Package rawcapture recovers the verbatim bytes of an HTTP request line and
// header block from a connection before net/http discards their wire order.
// net/http parses headers into a map, so by the time a handler sees a
// *http.Request the original ordering and any duplicate header lines are
// gone. RawUpgradeBridge needs that original text to reconstruct a faithful
// preamble on the tunnel socket, so the listener wraps every accepted
// connection in a teeing Conn and threads it through via ConnContext.
package rawcapture

import (
	"bytes"
	"context"
	"net"
)

// maxCapture bounds how many header bytes are retained per request. A
// request whose header block exceeds this is reconstructed from the parsed
// http.Header instead (see the fallback in the dispatch package).
const maxCapture = 64 * 1024

// Conn wraps a net.Conn, mirroring every byte read into an internal buffer
// so the raw request line and headers can be recovered later.
type Conn struct {
	net.Conn

	buf bytes.Buffer
}

// NewConn wraps conn for capture.
func NewConn(conn net.Conn) *Conn {
	return &Conn{Conn: conn}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.buf.Len() < maxCapture {
		room := maxCapture - c.buf.Len()
		if room > n {
			room = n
		}
		c.buf.Write(p[:room])
	}
	return n, err
}

// Reset discards everything captured so far. Callers that serve a request
// without ever calling ConsumeHeaders (every non-upgrade exchange) must call
// Reset once that request's response has been written, so its header block
// can't linger in the buffer and be mistaken by a later ConsumeHeaders call
// for the terminator of a subsequent upgrade request on the same keep-alive
// connection. This only bounds the window: any body bytes net/http drains
// after the handler returns but before the next request is read are still
// captured past the Reset point.
func (c *Conn) Reset() {
	c.buf.Reset()
}

// ConsumeHeaders removes and returns the bytes from the start of the capture
// buffer through the end of the blank line terminating the next request's
// header block (request-line + headers + "\r\n\r\n"), so a later call on the
// same (keep-alive) connection captures the following request. ok is false
// if no terminator has been captured yet (header block exceeded maxCapture,
// or the connection was hijacked before enough bytes were read for this
// wrapper to see them). Assumes the buffer holds nothing but this request's
// own bytes — callers must Reset after every request they don't consume via
// this method, or a stale prior header block can satisfy the terminator
// search first.
func (c *Conn) ConsumeHeaders() (raw []byte, ok bool) {
	b := c.buf.Bytes()
	idx := bytes.Index(b, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, false
	}
	end := idx + 4
	raw = append([]byte(nil), b[:end]...)
	c.buf.Next(end)
	return raw, true
}

type contextKey struct{}

// WithConn associates rc with ctx so a handler can retrieve it with
// FromContext. Intended for use as the body of http.Server.ConnContext.
func WithConn(ctx context.Context, rc *Conn) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext retrieves the *Conn stashed by WithConn, if any.
func FromContext(ctx context.Context) (*Conn, bool) {
	rc, ok := ctx.Value(contextKey{}).(*Conn)
	return rc, ok
}

// Listener wraps a net.Listener so every accepted connection is a *Conn.
type Listener struct {
	net.Listener
}

// WrapListener returns a Listener whose Accept results are always *Conn.
func WrapListener(ln net.Listener) *Listener {
	return &Listener{Listener: ln}
}

// CloseWrite half-closes the write side of the underlying connection if it
// supports that (as *net.TCPConn does), so a caller piping two connections
// together can signal EOF on one direction without losing the ability to
// read a final reply on the other.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}

func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

// ConnContext is the http.Server.ConnContext hook that exposes the *Conn for
// the connection currently being served. Wire it in as:
//
//	srv := &http.Server{ConnContext: rawcapture.ConnContext}
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	if rc, ok := c.(*Conn); ok {
		return WithConn(ctx, rc)
	}
	return ctx
}
