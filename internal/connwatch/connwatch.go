// Package connwatch detects a peer closing its side of a net.Conn while
// this process isn't otherwise reading from it, by polling a short read
// deadline in a background goroutine. It is the idiomatic-Go stand-in for
// the close/error events an event-driven socket API delivers for free.
package connwatch

import (
	"net"
	"sync"
	"time"
)

// DefaultPollInterval bounds how quickly a real close is noticed versus how
// often the watcher wakes up to check for Stop.
const DefaultPollInterval = 1 * time.Second

// Watch starts a goroutine that blocks on reads from conn until either the
// peer closes/errors (closed channel fires) or stop is called. A successful
// read consumes one byte and is treated the same as a close, since a watched
// connection is expected to be idle. stop waits for the goroutine to exit and
// clears the read deadline, so the connection can be read normally afterward.
func Watch(conn net.Conn, pollInterval time.Duration) (closed <-chan struct{}, stop func()) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	ch := make(chan struct{})
	stopCh := make(chan struct{})
	exited := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			close(stopCh)
			conn.SetReadDeadline(time.Now())
			<-exited
			conn.SetReadDeadline(time.Time{})
		})
	}

	go func() {
		defer close(exited)
		buf := make([]byte, 1)
		for {
			conn.SetReadDeadline(time.Now().Add(pollInterval))
			select {
			case <-stopCh:
				return
			default:
			}
			_, err := conn.Read(buf)
			if err == nil {
				close(ch)
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-stopCh:
					return
				default:
					continue
				}
			}
			close(ch)
			return
		}
	}()

	return ch, stop
}
