package dispatch

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/subtun-io/subtun/internal/tunnel"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func websocketAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// encodeTextFrame builds a minimal unmasked server-to-client WebSocket text
// frame (RFC 6455 §5.2), short enough to need no extended length field.
func encodeTextFrame(payload string) []byte {
	frame := []byte{0x81, byte(len(payload))}
	return append(frame, payload...)
}

// TestUpgradePassthrough exercises P9: bytes written by either side of an
// upgraded connection are delivered verbatim to the other side.
func TestUpgradePassthrough(t *testing.T) {
	reg := tunnel.NewClientRegistry(nil)
	t.Cleanup(reg.CloseAll)

	tun, err := reg.Create("wsid", 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	d := &Dispatcher{
		Registry:   reg,
		BaseDomain: "example.com",
		Fallback: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}),
	}
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)

	// Simulate the tunnel client: accept the upgrade preamble, answer the
	// handshake, then echo everything sent afterward.
	tunnelSideDone := make(chan string, 1)
	go func() {
		conn, err := net.Dial("tcp", (&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: tun.Port()}).String())
		if err != nil {
			tunnelSideDone <- "dial error: " + err.Error()
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		line, _ := br.ReadString('\n')
		for {
			hdr, err := br.ReadString('\n')
			if err != nil || hdr == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))

		buf := make([]byte, 5)
		if _, err := br.Read(buf); err != nil {
			tunnelSideDone <- "read error: " + err.Error()
			return
		}
		conn.Write(buf)
		tunnelSideDone <- strings.TrimSpace(line)
	}()

	deadline := time.Now().Add(time.Second)
	for tun.Pool.Size() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	defer conn.Close()

	req := "GET /socket HTTP/1.1\r\n" +
		"Host: wsid.example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write upgrade request: %v", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(statusLine, "101") {
		t.Fatalf("status line = %q, want 101", statusLine)
	}
	for {
		hdr, err := br.ReadString('\n')
		if err != nil || hdr == "\r\n" {
			break
		}
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoBuf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := br.Read(echoBuf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoBuf) != "hello" {
		t.Fatalf("echoed payload = %q, want %q", echoBuf, "hello")
	}

	select {
	case reqLine := <-tunnelSideDone:
		if reqLine != "GET /socket HTTP/1.1" {
			t.Fatalf("tunnel-side request line = %q", reqLine)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel side never completed")
	}
}

// TestUpgradePassthroughRealWebSocketClient drives the same bridge with a
// real github.com/gorilla/websocket client on the public side: it validates
// the synthesized handshake response (Sec-WebSocket-Accept) and decodes a
// framed message, rather than hand-parsing raw bytes as the test above does.
func TestUpgradePassthroughRealWebSocketClient(t *testing.T) {
	reg := tunnel.NewClientRegistry(nil)
	t.Cleanup(reg.CloseAll)

	tun, err := reg.Create("wsreal", 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	d := &Dispatcher{
		Registry:   reg,
		BaseDomain: "example.com",
		Fallback: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}),
	}
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)

	go func() {
		conn, err := net.Dial("tcp", (&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: tun.Port()}).String())
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		br.ReadString('\n') // request line
		var key string
		for {
			hdr, err := br.ReadString('\n')
			if err != nil || hdr == "\r\n" {
				break
			}
			if strings.HasPrefix(strings.ToLower(hdr), "sec-websocket-key:") {
				key = strings.TrimSpace(hdr[len("Sec-WebSocket-Key:"):])
			}
		}

		conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + websocketAccept(key) + "\r\n\r\n"))
		conn.Write(encodeTextFrame("hello from tunnel"))
	}()

	deadline := time.Now().Add(time.Second)
	for tun.Pool.Size() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	wsURL := "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/socket"
	header := http.Header{}
	header.Set("Host", "wsreal.example.com")
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer ws.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d, want 101", resp.StatusCode)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != websocket.TextMessage || string(payload) != "hello from tunnel" {
		t.Fatalf("payload = %q (type %d), want %q", payload, msgType, "hello from tunnel")
	}
}

func TestUnknownSubdomainUpgradeDestroysPeer(t *testing.T) {
	reg := tunnel.NewClientRegistry(nil)
	t.Cleanup(reg.CloseAll)

	d := &Dispatcher{
		Registry:   reg,
		BaseDomain: "example.com",
		Fallback: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}),
	}
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET /socket HTTP/1.1\r\n" +
		"Host: ghost.example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n\r\n"
	conn.Write([]byte(req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected the peer connection to be destroyed with no response, got n=%d err=%v", n, err)
	}
}
