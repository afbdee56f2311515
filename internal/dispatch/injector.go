package dispatch

import (
	"bufio"
	"io"
	"log/slog"
	"net/http"

	"github.com/subtun-io/subtun/internal/metrics"
	"github.com/subtun-io/subtun/internal/tunnel"
)

// InjectHTTP drives the HTTP/1.x state machine directly on a borrowed
// tunnel socket: it writes r verbatim as a client request, reads back one
// response, and streams it to w. The socket is never dialed and never
// pooled by anything other than the tunnel's own TunnelSocketPool.
func InjectHTTP(logger *slog.Logger, m *metrics.Metrics, pool *tunnel.TunnelSocketPool, sock *tunnel.TunnelSocket, w http.ResponseWriter, r *http.Request) {
	conn := sock.Conn()

	// Request.Write adds a default User-Agent when none is present; an empty
	// entry suppresses it so only the peer's own headers are forwarded.
	if _, ok := r.Header["User-Agent"]; !ok {
		r.Header["User-Agent"] = []string{""}
	}

	if err := r.Write(conn); err != nil {
		logger.Error("tunnel request write failed", "remote", sock.RemoteAddr(), "err", err)
		countInjectionError(m, "write")
		sock.Destroy()
		pool.Remove(sock)
		destroyPeer(w)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), r)
	if err != nil {
		logger.Error("tunnel response read failed", "remote", sock.RemoteAddr(), "err", err)
		countInjectionError(m, "read_response")
		sock.Destroy()
		pool.Remove(sock)
		destroyPeer(w)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warn("tunnel response stream interrupted", "remote", sock.RemoteAddr(), "err", err)
		countInjectionError(m, "stream_body")
		sock.Destroy()
		pool.Remove(sock)
		return
	}

	pool.Release(sock)
}

func countInjectionError(m *metrics.Metrics, stage string) {
	if m != nil {
		m.InjectionErrors.WithLabelValues(stage).Inc()
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
