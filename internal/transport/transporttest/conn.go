// Package transporttest provides an in-memory transport.Conn for pipeline
// tests.
package transporttest

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/albertbausili/duplex/internal/transport"
)

// Conn records writes and lets a test play the peer by feeding bytes to the
// receiver. Write callbacks run synchronously.
type Conn struct {
	// ALPN is returned by Protocol.
	ALPN string

	deliverMu sync.Mutex

	mu        sync.Mutex
	written   bytes.Buffer
	writes    int
	recv      transport.Receiver
	closed    bool
	closes    int
	failWrite error
	notify    chan struct{}
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{notify: make(chan struct{}, 1)}
}

// FailWrites makes later writes report err through their callback.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.failWrite = err
	c.mu.Unlock()
}

// AsyncWrite implements transport.Conn.
func (c *Conn) AsyncWrite(bufs [][]byte, done func(err error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	err := c.failWrite
	if err == nil {
		for _, b := range bufs {
			c.written.Write(b)
		}
		c.writes++
	}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	if done != nil {
		done(err)
	}
	return nil
}

// Start implements transport.Conn.
func (c *Conn) Start(r transport.Receiver) {
	c.mu.Lock()
	c.recv = r
	c.mu.Unlock()
}

// Close implements transport.Conn. It does not notify the receiver; use
// Hangup for that.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.closes++
	c.mu.Unlock()
	return nil
}

// Protocol implements transport.Conn.
func (c *Conn) Protocol() string { return c.ALPN }

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 443}
}

// Feed delivers data as if it arrived from the peer.
func (c *Conn) Feed(data []byte) error {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	r := c.recv
	c.mu.Unlock()
	return r.OnData(data)
}

// Hangup reports the connection gone to the receiver.
func (c *Conn) Hangup(err error) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	c.closed = true
	r := c.recv
	c.mu.Unlock()
	r.OnClose(err)
}

// Written returns a copy of everything written so far.
func (c *Conn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.written.Bytes())
}

// Writes returns the number of successful AsyncWrite calls.
func (c *Conn) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// Closed reports whether Close or Hangup was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// WaitWritten waits until the written bytes satisfy cond.
func (c *Conn) WaitWritten(cond func(written []byte) bool, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if cond(c.Written()) {
			return true
		}
		select {
		case <-c.notify:
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
