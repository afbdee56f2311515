package clientside

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{LocalPort: 8080}, nil); err == nil {
		t.Fatal("expected error for missing ServerURL")
	}
	if _, err := New(Config{ServerURL: "http://x"}, nil); err == nil {
		t.Fatal("expected error for missing LocalPort")
	}
	c, err := New(Config{ServerURL: "http://x", LocalPort: 80}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.config.LocalHost != "127.0.0.1" {
		t.Fatalf("LocalHost default = %q", c.config.LocalHost)
	}
}

func TestConnectParsesCreateResponse(t *testing.T) {
	mgmt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(createResponse{
			ID: "abcd", Port: 9999, MaxConnCount: 3, URL: "http://abcd.example.com",
		})
	}))
	defer mgmt.Close()

	c, err := New(Config{ServerURL: mgmt.URL, LocalPort: 80}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.ID() != "abcd" {
		t.Fatalf("ID() = %q, want abcd", c.ID())
	}
	if c.PublicURL() != "http://abcd.example.com" {
		t.Fatalf("PublicURL() = %q", c.PublicURL())
	}
	if c.maxSockets != 3 {
		t.Fatalf("maxSockets = %d, want 3", c.maxSockets)
	}
}

// TestForwardHTTPProxiesAndLoops spins up a local HTTP service and a fake
// tunnel listener, writes one HTTP request onto a raw tunnel socket the way
// the server's HTTPInjector would, and asserts the client forwards it,
// returns the response, and keeps the socket open for a second exchange.
func TestForwardHTTPProxiesAndLoops(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer local.Close()

	localPort := local.Listener.Addr().(*net.TCPAddr).Port

	tunnelLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer tunnelLn.Close()

	serverSide := make(chan net.Conn, 1)
	go func() {
		conn, err := tunnelLn.Accept()
		if err == nil {
			serverSide <- conn
		}
	}()

	c, err := New(Config{ServerURL: "http://unused", LocalPort: localPort}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.tunnelAddr = tunnelLn.Addr().String()
	c.maxSockets = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var conn net.Conn
	select {
	case conn = <-serverSide:
	case <-time.After(2 * time.Second):
		t.Fatal("client never dialed the tunnel port")
	}
	defer conn.Close()

	reqCount := 2
	reader := bufio.NewReader(conn)
	for i := 0; i < reqCount; i++ {
		if _, err := conn.Write([]byte("GET /hello HTTP/1.1\r\nHost: abcd.example.com\r\n\r\n")); err != nil {
			t.Fatalf("write request %d: %v", i, err)
		}
		resp, err := http.ReadResponse(reader, nil)
		if err != nil {
			t.Fatalf("read response %d: %v", i, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("response %d status = %d, want 200", i, resp.StatusCode)
		}
		if got := resp.Header.Get("X-Echo"); got != "/hello" {
			t.Fatalf("response %d X-Echo = %q", i, got)
		}
		resp.Body.Close()
	}
}
