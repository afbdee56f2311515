package dispatch

import (
	"io"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/subtun-io/subtun/internal/metrics"
	"github.com/subtun-io/subtun/internal/tunnel"
)

// BridgeUpgrade reconstructs the request preamble on the borrowed tunnel
// socket, forwards any bytes the HTTP parser had already buffered past the
// header block, then wires peer and tunnel socket into a full-duplex pipe;
// each direction runs until its source ends, and the bridge returns once
// both have ended. The tunnel socket is consumed: it is never
// returned to the pool, only removed from it once the bridge ends.
func BridgeUpgrade(logger *slog.Logger, m *metrics.Metrics, pool *tunnel.TunnelSocketPool, sock *tunnel.TunnelSocket, peer net.Conn, preamble, buffered []byte) {
	tconn := sock.Conn()
	defer func() {
		sock.Destroy()
		pool.Remove(sock)
	}()

	if _, err := tconn.Write(preamble); err != nil {
		logger.Error("upgrade preamble write failed", "remote", sock.RemoteAddr(), "err", err)
		countInjectionError(m, "upgrade_preamble")
		peer.Close()
		return
	}
	if len(buffered) > 0 {
		if _, err := tconn.Write(buffered); err != nil {
			logger.Error("upgrade buffered-body write failed", "remote", sock.RemoteAddr(), "err", err)
			countInjectionError(m, "upgrade_buffered_body")
			peer.Close()
			return
		}
	}

	pipeBoth(tconn, peer)
}

// pipeBoth copies bytes in both directions until both copies have ended,
// half-closing each side's write direction as its inbound copy finishes so
// the other side observes EOF instead of a hard reset.
func pipeBoth(a, b net.Conn) {
	var g errgroup.Group
	g.Go(func() error {
		io.Copy(a, b)
		closeWrite(a)
		return nil
	})
	g.Go(func() error {
		io.Copy(b, a)
		closeWrite(b)
		return nil
	})
	g.Wait()
}

func closeWrite(conn net.Conn) {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		hc.CloseWrite()
		return
	}
	conn.Close()
}
