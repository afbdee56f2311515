package connwatch

import (
	"net"
	"testing"
	"time"
)

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
	server := <-acceptCh
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

func TestWatchDetectsClose(t *testing.T) {
	client, server := pipePair(t)
	defer server.Close()

	closed, stop := Watch(server, 50*time.Millisecond)
	defer stop()

	client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not observe peer close")
	}
}

func TestWatchStopIsQuiet(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	closed, stop := Watch(server, 20*time.Millisecond)
	stop()

	select {
	case <-closed:
		t.Fatal("closed fired after an explicit Stop")
	case <-time.After(200 * time.Millisecond):
	}
}
