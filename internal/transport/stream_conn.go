package transport

import (
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const readBufferSize = 32 << 10

type writeReq struct {
	bufs [][]byte
	done func(err error)
}

// streamConn drives a net.Conn that gnet cannot own, such as a *tls.Conn,
// with one reader and one writer goroutine.
type streamConn struct {
	nc       net.Conn
	protocol string
	logger   *zap.Logger
	readSize int

	mu      sync.Mutex
	pending []writeReq
	queued  chan struct{}
	closed  bool
	done    chan struct{}
	started atomic.Bool
}

func newStreamConn(nc net.Conn, protocol string, readSize int, logger *zap.Logger) *streamConn {
	if readSize <= 0 {
		readSize = readBufferSize
	}
	c := &streamConn{
		nc:       nc,
		protocol: protocol,
		logger:   logger,
		readSize: readSize,
		queued:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *streamConn) AsyncWrite(bufs [][]byte, done func(err error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.pending = append(c.pending, writeReq{bufs: bufs, done: done})
	c.mu.Unlock()

	select {
	case c.queued <- struct{}{}:
	default:
	}
	return nil
}

// writeLoop sends queued writes in order, batching whatever accumulated while
// the previous batch was in flight.
func (c *streamConn) writeLoop() {
	for {
		select {
		case <-c.queued:
		case <-c.done:
			return
		}

		for {
			c.mu.Lock()
			batch := c.pending
			c.pending = nil
			c.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			for i, req := range batch {
				bufs := make(net.Buffers, len(req.bufs))
				copy(bufs, req.bufs)
				_, err := bufs.WriteTo(c.nc)
				if req.done != nil {
					req.done(err)
				}
				if err != nil {
					c.logger.Debug("write failed", zap.Error(err))
					for _, rest := range batch[i+1:] {
						if rest.done != nil {
							rest.done(err)
						}
					}
					c.closeWith()
					return
				}
			}
		}
	}
}

func (c *streamConn) Start(r Receiver) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.readLoop(r)
}

func (c *streamConn) readLoop(r Receiver) {
	buf := make([]byte, c.readSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if derr := r.OnData(buf[:n]); derr != nil {
				c.logger.Debug("receiver rejected data", zap.Error(derr))
				c.closeWith()
				r.OnClose(derr)
				return
			}
		}
		if err != nil {
			c.closeWith()
			r.OnClose(err)
			return
		}
	}
}

func (c *streamConn) closeWith() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	close(c.done)
	_ = c.nc.Close()
	for _, req := range pending {
		if req.done != nil {
			req.done(net.ErrClosed)
		}
	}
}

func (c *streamConn) Close() error {
	c.closeWith()
	return nil
}

func (c *streamConn) Protocol() string { return c.protocol }

func (c *streamConn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
