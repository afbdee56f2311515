package rawcapture

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestConsumeHeadersRecoversRawBlock(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	rc := NewConn(server)

	raw := "GET /socket HTTP/1.1\r\nHost: abcd.example.com\r\nUpgrade: websocket\r\nUpgrade: extra\r\n\r\nbody-bytes-after"
	go client.Write([]byte(raw))

	buf := make([]byte, len(raw))
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	headers, ok := rc.ConsumeHeaders()
	if !ok {
		t.Fatal("ConsumeHeaders did not find a terminator")
	}
	want := "GET /socket HTTP/1.1\r\nHost: abcd.example.com\r\nUpgrade: websocket\r\nUpgrade: extra\r\n\r\n"
	if string(headers) != want {
		t.Fatalf("headers = %q, want %q", headers, want)
	}
}

func TestConsumeHeadersSecondRequestOnSameConn(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	rc := NewConn(server)

	first := "GET /a HTTP/1.1\r\nHost: a.example.com\r\n\r\n"
	second := "GET /b HTTP/1.1\r\nHost: b.example.com\r\n\r\n"
	go client.Write([]byte(first + second))

	buf := make([]byte, len(first)+len(second))
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	h1, ok := rc.ConsumeHeaders()
	if !ok || string(h1) != first {
		t.Fatalf("first ConsumeHeaders = %q, ok=%v, want %q", h1, ok, first)
	}
	h2, ok := rc.ConsumeHeaders()
	if !ok || string(h2) != second {
		t.Fatalf("second ConsumeHeaders = %q, ok=%v, want %q", h2, ok, second)
	}
}

func TestConsumeHeadersNoTerminatorYet(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	rc := NewConn(server)
	partial := "GET /a HTTP/1.1\r\nHost: a.example.com\r\n"
	go client.Write([]byte(partial))

	buf := make([]byte, len(partial))
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	if _, ok := rc.ConsumeHeaders(); ok {
		t.Fatal("expected no terminator to be found yet")
	}
}

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client.SetDeadline(time.Now().Add(5 * time.Second))

	server := <-acceptCh
	if server == nil {
		t.Fatal("accept failed")
	}
	server.SetDeadline(time.Now().Add(5 * time.Second))
	return client, server
}
