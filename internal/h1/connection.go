package h1

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/compress"
	"github.com/albertbausili/duplex/internal/errs"
	"github.com/albertbausili/duplex/internal/exchange"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/transport"
)

// Options configures an HTTP/1.1 connection.
type Options struct {
	// MaxContentLength caps the response body, on the wire and after
	// decompression. Zero disables the cap.
	MaxContentLength int64
	MaxHeaderBytes   int
	Decompress       bool
	Logger           *zap.Logger
}

// Connection is the HTTP/1.1 pipeline of one transport connection: request
// serializer, response parser, body aggregator and optional decompression.
// It carries at most one exchange at a time.
type Connection struct {
	conn   transport.Conn
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	parser   *Parser
	active   *exchange.Exchange
	busy     bool
	closed   bool
	done     chan struct{}
	stage    *compress.Stage
	received int64
}

// NewConnection creates the pipeline for conn.
func NewConnection(conn transport.Conn, opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		conn:   conn,
		opts:   opts,
		logger: logger,
		parser: NewParser(opts.MaxHeaderBytes),
		done:   make(chan struct{}),
	}
}

// Dispatch writes req and makes ex the connection's only active exchange. It
// returns once the transport reports the write done.
func (c *Connection) Dispatch(req *message.Request, ex *exchange.Exchange) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.Closed("dispatch", nil)
	}
	if c.busy {
		c.mu.Unlock()
		return errs.Configuration("dispatch", errs.ErrRequestInFlight)
	}
	c.busy = true
	c.active = ex
	c.stage = nil
	c.received = 0
	c.parser.Reset(req.Method)
	c.mu.Unlock()

	ex.OnDone(func(_ *exchange.Response, err error) {
		c.mu.Lock()
		if c.active == ex {
			// the exchange ended before its response did; the rest of the
			// response would be read as the next one
			c.active = nil
			c.logger.Debug("exchange ended mid-response, closing connection",
				zap.String("exchange", ex.ID()), zap.Error(err))
			c.failLocked(errs.Closed("abandon", err))
		}
		c.busy = false
		c.mu.Unlock()
	})

	buf, release := encodeRequest(req)
	written := make(chan error, 1)
	if err := c.conn.AsyncWrite([][]byte{buf}, func(err error) { written <- err }); err != nil {
		release()
		return c.writeFailed(ex, err)
	}

	var err error
	select {
	case err = <-written:
		release()
	case <-c.done:
		select {
		case err = <-written:
		default:
			err = errs.ErrConnectionClosed
		}
	}
	if err != nil {
		return c.writeFailed(ex, err)
	}

	c.logger.Debug("request written",
		zap.String("exchange", ex.ID()),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("bytes", len(buf)))
	return nil
}

func (c *Connection) writeFailed(ex *exchange.Exchange, err error) error {
	werr := errs.Transport("write", err)
	ex.Fail(werr)
	c.mu.Lock()
	c.shutdownLocked()
	c.mu.Unlock()
	return werr
}

// OnData feeds response bytes to the parser.
func (c *Connection) OnData(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if err := c.parser.Feed(data, c); err != nil {
		c.logger.Debug("response parse failed", zap.Error(err))
		c.failLocked(errs.Protocol("read", err))
		return err
	}
	return nil
}

// OnClose fails the active exchange unless its body was delimited by the
// close itself.
func (c *Connection) OnClose(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		if ferr := c.parser.Finish(c); ferr != nil {
			c.failLocked(errs.Closed("read", err))
			return
		}
	}
	c.shutdownLocked()
}

// Close fails the active exchange and closes the transport. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.failLocked(errs.Closed("close", nil))
	return nil
}

// Closed reports whether the connection can no longer dispatch.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) failLocked(err error) {
	if c.stage != nil {
		c.stage.Abort(err)
		c.stage = nil
	}
	if c.active != nil {
		c.active.Fail(err)
		c.active = nil
	}
	c.shutdownLocked()
}

func (c *Connection) shutdownLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	_ = c.conn.Close()
}

// responseDoneLocked runs once the parser saw the end of the response.
func (c *Connection) responseDoneLocked() {
	c.active = nil
	c.stage = nil
	if !c.parser.KeepAlive() {
		c.logger.Debug("server closes connection after response")
		c.shutdownLocked()
	}
}

// OnStatus implements Sink.
func (c *Connection) OnStatus(status int, reason, version string) error {
	if c.active == nil {
		return ErrUnsolicited
	}
	c.active.ResponseStarted(exchange.ResponseStart{
		Status:  status,
		Reason:  reasonPhrase(status, reason),
		Version: version,
	})
	return nil
}

// OnHeaders implements Sink.
func (c *Connection) OnHeaders(headers message.Headers, final bool) error {
	ex := c.active
	if ex == nil {
		return ErrUnsolicited
	}
	if !final && c.opts.Decompress {
		if enc := headers.Get("Content-Encoding"); compress.Supported(enc) {
			stage, err := compress.NewStage(enc, c.opts.MaxContentLength, ex.ContentReceived, func(err error) {
				ex.Fail(errs.Protocol("decompress", decodeError(err)))
			})
			if err != nil {
				return err
			}
			c.stage = stage
			headers = headers.Clone()
			headers.Del("Content-Encoding")
			headers.Del("Content-Length")
		}
	}
	ex.HeadersReceived(headers, final)
	if final {
		c.responseDoneLocked()
	}
	return nil
}

// OnContent implements Sink.
func (c *Connection) OnContent(chunk []byte, final bool) error {
	ex := c.active
	if ex == nil {
		return ErrUnsolicited
	}
	c.received += int64(len(chunk))
	if c.opts.MaxContentLength > 0 && c.received > c.opts.MaxContentLength {
		return errs.ErrBodyTooLarge
	}

	if c.stage != nil {
		if err := c.stage.Write(chunk); err != nil {
			return err
		}
		if final {
			_ = c.stage.Close(true)
			c.responseDoneLocked()
		}
		return nil
	}

	ex.ContentReceived(chunk, final)
	if final {
		c.responseDoneLocked()
	}
	return nil
}

func decodeError(err error) error {
	if errors.Is(err, compress.ErrLimitExceeded) {
		return errs.ErrBodyTooLarge
	}
	return err
}
