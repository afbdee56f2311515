// Package clientside implements the tunnel client: it dials the ephemeral
// port a subtund server hands back from tunnel creation, maintains a pool of
// outbound sockets mirroring the server's TunnelSocketPool, and proxies
// whatever the server writes on each socket to a local HTTP address.
package clientside

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config describes one tunnel the client maintains.
type Config struct {
	ServerURL string // e.g. "http://tunnel.example.com"
	Subdomain string // requested id, or "" for a generated one
	LocalHost string // default "127.0.0.1"
	LocalPort int
}

// createResponse mirrors the management API's tunnel-creation JSON body.
type createResponse struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
}

// RequestLog is one proxied HTTP exchange, surfaced to a UI via OnRequest.
type RequestLog struct {
	Timestamp  time.Time
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
}

// Client dials a subtund server's ephemeral tunnel port and forwards traffic
// to a local HTTP service, one goroutine per pooled socket.
type Client struct {
	config Config
	logger *slog.Logger

	tunnelAddr string
	publicURL  string
	id         string
	maxSockets int

	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	requestCount atomic.Int64
	connectedAt  time.Time

	mu          sync.Mutex
	activeConns map[net.Conn]struct{}

	// OnRequest, if set, is invoked after every proxied HTTP exchange.
	OnRequest func(RequestLog)
}

// New validates config and applies defaults. It does not dial anything.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("clientside: ServerURL is required")
	}
	if cfg.LocalPort == 0 {
		return nil, fmt.Errorf("clientside: LocalPort is required")
	}
	if cfg.LocalHost == "" {
		cfg.LocalHost = "127.0.0.1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:      cfg,
		logger:      logger,
		activeConns: make(map[net.Conn]struct{}),
	}, nil
}

// Connect calls the management API to create (or attach to) a tunnel and
// records the ephemeral port it must dial.
func (c *Client) Connect(ctx context.Context) error {
	base, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	path := "/"
	if c.config.Subdomain != "" {
		path = "/" + c.config.Subdomain
	} else {
		base.RawQuery = "new"
	}
	base.Path = path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return fmt.Errorf("build create request: %w", err)
	}
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("create tunnel: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read create response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("create tunnel: server returned %d: %s", resp.StatusCode, string(body))
	}

	var created createResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return fmt.Errorf("parse create response: %w", err)
	}

	c.id = created.ID
	c.maxSockets = created.MaxConnCount
	c.publicURL = created.URL
	c.tunnelAddr = net.JoinHostPort(base.Hostname(), fmt.Sprintf("%d", created.Port))
	c.connectedAt = time.Now()

	c.logger.Info("tunnel created", "id", c.id, "url", c.publicURL, "tunnel_addr", c.tunnelAddr)
	return nil
}

// Run maintains maxSockets outbound connections to the tunnel port until ctx
// is cancelled, reconnecting each with exponential backoff when the server
// closes it.
func (c *Client) Run(ctx context.Context) error {
	if c.tunnelAddr == "" {
		return fmt.Errorf("clientside: Connect must succeed before Run")
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.maxSockets; i++ {
		g.Go(func() error {
			c.maintainSocket(ctx)
			return nil
		})
	}
	return g.Wait()
}

// maintainSocket dials the tunnel port, serves exchanges on it until the
// server side closes or errors, then reconnects with backoff. It returns
// only when ctx is done.
func (c *Client) maintainSocket(ctx context.Context) {
	const (
		initialDelay = 250 * time.Millisecond
		maxDelay     = 10 * time.Second
	)
	delay := initialDelay

	for {
		if ctx.Err() != nil {
			return
		}

		dialer := &net.Dialer{Timeout: 5 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", c.tunnelAddr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("tunnel socket dial failed, retrying", "addr", c.tunnelAddr, "err", err, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		delay = initialDelay
		c.trackConn(conn)
		c.serveSocket(ctx, conn)
		c.untrackConn(conn)
	}
}

// serveSocket reads sequential framed exchanges off one tunnel socket until
// it closes, dispatching each to the plain-HTTP path or the raw-upgrade
// path depending on the request's headers.
func (c *Client) serveSocket(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		if ctx.Err() != nil {
			return
		}

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				c.logger.Debug("tunnel socket closed", "err", err)
			}
			return
		}

		if isUpgradeRequest(req) {
			c.bridgeUpgrade(ctx, conn, req)
			return // the socket is consumed by the bridge; redial fresh
		}
		if !c.forwardHTTP(ctx, conn, req) {
			return
		}
	}
}

// forwardHTTP proxies one HTTP request to the local service and writes the
// response back onto the tunnel socket. It returns false if the socket
// should be abandoned (local dial or transport failure).
func (c *Client) forwardHTTP(ctx context.Context, conn net.Conn, req *http.Request) bool {
	start := time.Now()

	localAddr := net.JoinHostPort(c.config.LocalHost, fmt.Sprintf("%d", c.config.LocalPort))
	localConn, err := (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, "tcp", localAddr)
	if err != nil {
		c.logger.Warn("local dial failed", "addr", localAddr, "err", err)
		writeErrorResponse(conn, http.StatusBadGateway, "failed to reach local service")
		return false
	}
	defer localConn.Close()

	if err := req.Write(localConn); err != nil {
		c.logger.Warn("write to local service failed", "err", err)
		writeErrorResponse(conn, http.StatusBadGateway, "failed to forward request")
		return false
	}

	resp, err := http.ReadResponse(bufio.NewReader(localConn), req)
	if err != nil {
		c.logger.Warn("read from local service failed", "err", err)
		writeErrorResponse(conn, http.StatusBadGateway, "failed to read local response")
		return false
	}
	defer resp.Body.Close()

	counted := newCountingConn(conn, &c.bytesIn, &c.bytesOut)
	if err := resp.Write(counted); err != nil {
		c.logger.Warn("write response to tunnel socket failed", "err", err)
		return false
	}

	c.requestCount.Add(1)
	if c.OnRequest != nil {
		c.OnRequest(RequestLog{
			Timestamp:  start,
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Duration:   time.Since(start),
		})
	}
	return true
}

// bridgeUpgrade reconstructs the request preamble for the local service and
// then pipes bytes bidirectionally, mirroring RawUpgradeBridge on the
// server side: once a socket carries upgraded bytes its HTTP framing is
// gone, so the socket is never reused for another exchange.
func (c *Client) bridgeUpgrade(ctx context.Context, tunnelConn net.Conn, req *http.Request) {
	localAddr := net.JoinHostPort(c.config.LocalHost, fmt.Sprintf("%d", c.config.LocalPort))
	localConn, err := (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, "tcp", localAddr)
	if err != nil {
		c.logger.Warn("local dial failed for upgrade", "addr", localAddr, "err", err)
		return
	}
	defer localConn.Close()

	if err := req.Write(localConn); err != nil {
		c.logger.Warn("write upgrade request to local service failed", "err", err)
		return
	}

	c.requestCount.Add(1)
	if c.OnRequest != nil {
		c.OnRequest(RequestLog{Timestamp: time.Now(), Method: req.Method, Path: req.URL.Path, StatusCode: 101})
	}

	pipeBoth(tunnelConn, localConn, &c.bytesIn, &c.bytesOut)
}

func pipeBoth(a, b net.Conn, bytesIn, bytesOut *atomic.Int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(b, a)
		bytesIn.Add(n)
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(a, b)
		bytesOut.Add(n)
		closeWrite(a)
	}()
	wg.Wait()
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	conn.Close()
}

func isUpgradeRequest(req *http.Request) bool {
	if req.Header.Get("Upgrade") == "" {
		return false
	}
	for _, tok := range strings.Split(req.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

func writeErrorResponse(conn net.Conn, status int, message string) {
	resp := &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
	}
	resp.Header.Set("Content-Type", "text/plain")
	resp.Write(conn)
	conn.Write([]byte(message))
}

func (c *Client) trackConn(conn net.Conn) {
	c.mu.Lock()
	c.activeConns[conn] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrackConn(conn net.Conn) {
	c.mu.Lock()
	delete(c.activeConns, conn)
	c.mu.Unlock()
}

// Close closes every tracked tunnel socket, unblocking any goroutine
// blocked in serveSocket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for conn := range c.activeConns {
		conn.Close()
	}
	c.activeConns = make(map[net.Conn]struct{})
}

// ID returns the subdomain id assigned to this tunnel.
func (c *Client) ID() string { return c.id }

// PublicURL returns the public URL the tunnel is reachable at.
func (c *Client) PublicURL() string { return c.publicURL }

// Stats returns cumulative counters for the TUI and status output.
func (c *Client) Stats() (requestCount, bytesIn, bytesOut int64, connectedAt time.Time) {
	return c.requestCount.Load(), c.bytesIn.Load(), c.bytesOut.Load(), c.connectedAt
}
