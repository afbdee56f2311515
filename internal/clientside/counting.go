package clientside

import (
	"io"
	"sync/atomic"
)

// countingConn wraps an io.ReadWriter and tallies bytes moved in each
// direction, grounded on the teacher's CountingReader/CountingWriter pair.
type countingConn struct {
	io.ReadWriter
	bytesIn  *atomic.Int64
	bytesOut *atomic.Int64
}

func newCountingConn(rw io.ReadWriter, bytesIn, bytesOut *atomic.Int64) *countingConn {
	return &countingConn{ReadWriter: rw, bytesIn: bytesIn, bytesOut: bytesOut}
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.ReadWriter.Read(p)
	if n > 0 {
		c.bytesIn.Add(int64(n))
	}
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.ReadWriter.Write(p)
	if n > 0 {
		c.bytesOut.Add(int64(n))
	}
	return n, err
}
