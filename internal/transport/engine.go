package transport

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"
)

// Engine drives cleartext connections on a fixed pool of gnet event loops.
type Engine struct {
	gnet.BuiltinEventEngine
	client *gnet.Client
	logger *zap.Logger
	conns  atomic.Int64
}

// NewEngine starts an event-loop pool.
func NewEngine(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{logger: logger}

	options := []gnet.Option{
		gnet.WithMulticore(opts.Multicore),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(30 * time.Second),
		gnet.WithLogger(logger.Sugar()),
	}
	if opts.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(opts.NumEventLoop))
	}
	if opts.ReadBufferCap > 0 {
		options = append(options, gnet.WithReadBufferCap(opts.ReadBufferCap))
	}

	cli, err := gnet.NewClient(e, options...)
	if err != nil {
		return nil, err
	}
	if err := cli.Start(); err != nil {
		return nil, err
	}
	e.client = cli
	return e, nil
}

// Enroll hands an established connection to the event loops.
func (e *Engine) Enroll(nc net.Conn) (Conn, error) {
	ec := &engineConn{logger: e.logger}
	gc, err := e.client.EnrollContext(nc, ec)
	if err != nil {
		return nil, err
	}
	ec.mu.Lock()
	ec.gc = gc
	ec.mu.Unlock()
	return ec, nil
}

// Conns returns the number of open connections.
func (e *Engine) Conns() int64 { return e.conns.Load() }

// Stop closes every connection and stops the event loops.
func (e *Engine) Stop() error {
	return e.client.Stop()
}

// OnOpen is called when a connection joins an event loop
func (e *Engine) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	e.conns.Add(1)
	e.logger.Debug("connection enrolled", zap.Stringer("remote", c.RemoteAddr()))
	return nil, gnet.None
}

// OnClose is called when a connection is closed
func (e *Engine) OnClose(c gnet.Conn, err error) gnet.Action {
	e.conns.Add(-1)
	if ec, ok := c.Context().(*engineConn); ok {
		ec.onClose(err)
	}
	if err != nil {
		e.logger.Debug("connection closed with error", zap.Error(err))
	}
	return gnet.None
}

// OnTraffic is called when data is received on a connection
func (e *Engine) OnTraffic(c gnet.Conn) gnet.Action {
	ec, ok := c.Context().(*engineConn)
	if !ok {
		e.logger.Warn("traffic on unknown connection")
		return gnet.Close
	}

	buf, err := c.Next(-1)
	if err != nil {
		e.logger.Debug("read failed", zap.Error(err))
		return gnet.Close
	}
	if err := ec.deliver(buf); err != nil {
		e.logger.Debug("receiver rejected data", zap.Error(err))
		return gnet.Close
	}
	return gnet.None
}

// engineConn is a Conn driven by an Engine event loop. deliverMu serializes
// calls into the receiver; mu guards the fields and is never held across them.
type engineConn struct {
	logger    *zap.Logger
	deliverMu sync.Mutex

	mu       sync.Mutex
	gc       gnet.Conn
	recv     Receiver
	pending  [][]byte
	closed   bool
	closeErr error
}

func (c *engineConn) deliver(data []byte) error {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	r := c.recv
	if r == nil {
		c.pending = append(c.pending, bytes.Clone(data))
	}
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.OnData(data)
}

func (c *engineConn) onClose(err error) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.closed = true
	c.closeErr = err
	r := c.recv
	c.mu.Unlock()
	if r != nil {
		r.OnClose(err)
	}
}

func (c *engineConn) Start(r Receiver) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.recv != nil {
		c.mu.Unlock()
		return
	}
	c.recv = r
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pending {
		if err := r.OnData(p); err != nil {
			_ = c.Close()
			return
		}
	}

	c.mu.Lock()
	closed, closeErr := c.closed, c.closeErr
	c.mu.Unlock()
	if closed {
		r.OnClose(closeErr)
	}
}

func (c *engineConn) AsyncWrite(bufs [][]byte, done func(err error)) error {
	c.mu.Lock()
	gc, closed := c.gc, c.closed
	c.mu.Unlock()
	if closed || gc == nil {
		return net.ErrClosed
	}
	return gc.AsyncWritev(bufs, func(_ gnet.Conn, err error) error {
		if done != nil {
			done(err)
		}
		return nil
	})
}

func (c *engineConn) Close() error {
	c.mu.Lock()
	gc, closed := c.gc, c.closed
	c.mu.Unlock()
	if closed || gc == nil {
		return nil
	}
	return gc.Close()
}

func (c *engineConn) Protocol() string { return "" }

func (c *engineConn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gc == nil {
		return nil
	}
	return c.gc.RemoteAddr()
}
