// Package h2 implements the HTTP/2 side of the client: connection setup,
// the stream table, control frames and the adapter that turns per-stream
// frames into exchange events.
package h2

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/albertbausili/duplex/internal/errs"
	"github.com/albertbausili/duplex/internal/exchange"
	"github.com/albertbausili/duplex/internal/h2/frame"
	"github.com/albertbausili/duplex/internal/h2/stream"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/transport"
)

// Defaults advertised in the client SETTINGS.
const (
	DefaultInitialWindowSize = 4 << 20
	DefaultMaxHeaderListSize = 1 << 20
)

// Options configures an HTTP/2 connection.
type Options struct {
	// MaxContentLength caps each stream's body, on the wire and after
	// decompression. Zero disables the cap.
	MaxContentLength int64
	Decompress       bool
	// InitialWindowSize is the receive window advertised for every stream
	// and for the connection.
	InitialWindowSize uint32
	// MaxFrameSize is the largest inbound frame accepted.
	MaxFrameSize      uint32
	MaxHeaderListSize uint32
	Logger            *zap.Logger
}

func (o *Options) normalize() {
	if o.InitialWindowSize == 0 {
		o.InitialWindowSize = DefaultInitialWindowSize
	}
	if o.InitialWindowSize > frame.MaxWindowSize {
		o.InitialWindowSize = frame.MaxWindowSize
	}
	if o.MaxFrameSize < frame.DefaultMaxFrameSize {
		o.MaxFrameSize = frame.DefaultMaxFrameSize
	}
	if o.MaxHeaderListSize == 0 {
		o.MaxHeaderListSize = DefaultMaxHeaderListSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Connection is the HTTP/2 pipeline of one transport connection. Frame
// processing and frame writing are serialized by one mutex, so stream
// identifiers reach the wire in the order they were allocated.
type Connection struct {
	conn    transport.Conn
	opts    Options
	logger  *zap.Logger
	streams *stream.Table

	goingAway atomic.Bool

	mu           sync.Mutex
	reader       *frame.Reader
	writer       *frame.Writer
	enc          *frame.HeaderEncoder
	maxFrameSize uint32 // peer's SETTINGS_MAX_FRAME_SIZE
	maxStreams   uint32 // peer's SETTINGS_MAX_CONCURRENT_STREAMS, informational
	sendWindow   int64  // peer's connection-level window
	goAwayErr    error
	closed       bool
}

// NewConnection writes the client preface and SETTINGS and returns the
// pipeline for conn.
func NewConnection(conn transport.Conn, opts Options) (*Connection, error) {
	opts.normalize()
	c := &Connection{
		conn:         conn,
		opts:         opts,
		logger:       opts.Logger,
		streams:      stream.NewTable(frame.DefaultInitialWindowSize),
		reader:       frame.NewReader(opts.MaxFrameSize, opts.MaxHeaderListSize),
		writer:       frame.NewWriter(),
		enc:          frame.NewHeaderEncoder(),
		maxFrameSize: frame.DefaultMaxFrameSize,
		sendWindow:   frame.DefaultInitialWindowSize,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer.WritePreface()
	settings := []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingInitialWindowSize, Val: opts.InitialWindowSize},
		{ID: http2.SettingMaxHeaderListSize, Val: opts.MaxHeaderListSize},
	}
	if opts.MaxFrameSize != frame.DefaultMaxFrameSize {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxFrameSize, Val: opts.MaxFrameSize})
	}
	if err := c.writer.WriteSettings(settings...); err != nil {
		return nil, errs.Transport("preface", err)
	}
	if opts.InitialWindowSize > frame.DefaultInitialWindowSize {
		if err := c.writer.WriteWindowUpdate(0, opts.InitialWindowSize-frame.DefaultInitialWindowSize); err != nil {
			return nil, errs.Transport("preface", err)
		}
	}
	if err := c.flushLocked(); err != nil {
		return nil, errs.Transport("preface", err)
	}
	return c, nil
}

// Dispatch allocates the next stream identifier, registers ex under it and
// writes the request. It does not wait for the write; a failed write fails
// ex through the connection.
func (c *Connection) Dispatch(req *message.Request, ex *exchange.Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.Closed("dispatch", nil)
	}
	if c.goingAway.Load() {
		return errs.Transport("dispatch", c.goAwayErr)
	}

	id, err := c.streams.NextID()
	if err != nil {
		return errs.Transport("dispatch", err)
	}
	block, err := c.enc.Encode(requestFields(req))
	if err != nil {
		return errs.Protocol("encode", err)
	}

	s := c.streams.Open(id, ex, req.Method)
	ex.OnDone(func(_ *exchange.Response, err error) {
		// a stream still open here failed on the exchange side, for
		// example in a handler; the server has to stop sending
		if s, ok := c.streams.Take(id); ok && err != nil {
			go c.cancelStream(s)
		}
		c.maybeShutdownAfterGoAway()
	})

	endStream := len(req.Body) == 0
	if err := c.writer.WriteHeaders(id, endStream, block, c.maxFrameSize); err != nil {
		c.abortLocked(errs.Transport("write", err))
		return errs.Transport("write", err)
	}
	if endStream {
		s.EndSent = true
	} else {
		s.Pending = req.Body
		c.sendPendingLocked(s)
	}
	if err := c.flushLocked(); err != nil {
		werr := errs.Transport("write", err)
		c.abortLocked(werr)
		return werr
	}

	c.logger.Debug("request dispatched",
		zap.Uint32("stream", id),
		zap.String("exchange", ex.ID()),
		zap.String("method", req.Method),
		zap.String("path", req.Path))
	return nil
}

// requestFields lays out the pseudo-headers followed by the regular headers
// lowercased. Host becomes :authority and connection-specific fields are
// dropped.
func requestFields(req *message.Request) [][2]string {
	fields := make([][2]string, 0, req.Headers.Len()+4)
	fields = append(fields,
		[2]string{":method", req.Method},
		[2]string{":scheme", req.Scheme},
		[2]string{":authority", req.Authority},
		[2]string{":path", req.Path},
	)
	for _, h := range req.Headers.All() {
		name := asciiLower(h[0])
		switch name {
		case "host", "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		case "te":
			if h[1] != "trailers" {
				continue
			}
		}
		fields = append(fields, [2]string{name, h[1]})
	}
	return fields
}

func asciiLower(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; 'A' <= c && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if 'A' <= b[j] && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}

// sendPendingLocked writes as much of the stream's body as the peer's windows
// allow.
func (c *Connection) sendPendingLocked(s *stream.Stream) {
	for !s.EndSent {
		n := int64(len(s.Pending))
		if n > 0 {
			allow := min(c.sendWindow, s.SendWindow, int64(c.maxFrameSize))
			if allow <= 0 {
				return
			}
			n = min(n, allow)
		}
		end := n == int64(len(s.Pending))
		if err := c.writer.WriteData(s.ID, end, s.Pending[:n]); err != nil {
			return
		}
		s.Pending = s.Pending[n:]
		c.sendWindow -= n
		s.SendWindow -= n
		if end {
			s.EndSent = true
			s.Pending = nil
		}
	}
}

func (c *Connection) flushLocked() error {
	b := c.writer.Flush()
	if b == nil {
		return nil
	}
	return c.conn.AsyncWrite([][]byte{b}, c.writeDone)
}

// writeDone may run inside AsyncWrite while c.mu is held.
func (c *Connection) writeDone(err error) {
	if err == nil {
		return
	}
	go c.abort(errs.Transport("write", err))
}

// OnData parses inbound frames and processes each in order.
func (c *Connection) OnData(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.reader.Feed(data)
	for {
		f, err := c.reader.Next()
		if err != nil {
			if cerr := c.handleReadErrorLocked(err); cerr != nil {
				return cerr
			}
			continue
		}
		if f == nil {
			break
		}
		if err := c.processLocked(f); err != nil {
			return c.connectionErrorLocked(err)
		}
		if c.closed {
			return nil
		}
	}
	if err := c.flushLocked(); err != nil {
		c.abortLocked(errs.Transport("write", err))
		return err
	}
	return nil
}

// handleReadErrorLocked resets the stream a framing error is scoped to, or
// fails the connection.
func (c *Connection) handleReadErrorLocked(err error) error {
	var se http2.StreamError
	if errors.As(err, &se) {
		c.logger.Debug("stream error from peer frame",
			zap.Uint32("stream", se.StreamID), zap.Stringer("code", se.Code), zap.Error(se.Cause))
		if s, ok := c.streams.Get(se.StreamID); ok {
			c.resetStreamLocked(s, se.Code, errs.Protocol("read", err))
		} else {
			_ = c.writer.WriteRSTStream(se.StreamID, se.Code)
		}
		return nil
	}
	return c.connectionErrorLocked(err)
}

func (c *Connection) processLocked(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		return c.onHeadersLocked(f)
	case *http2.DataFrame:
		return c.onDataLocked(f)
	case *http2.SettingsFrame:
		return c.onSettingsLocked(f)
	case *http2.WindowUpdateFrame:
		return c.onWindowUpdateLocked(f)
	case *http2.RSTStreamFrame:
		return c.onRSTStreamLocked(f)
	case *http2.GoAwayFrame:
		c.onGoAwayLocked(f)
		return nil
	case *http2.PingFrame:
		if !f.IsAck() {
			return c.writer.WritePing(true, f.Data)
		}
		return nil
	case *http2.PushPromiseFrame:
		return http2.ConnectionError(http2.ErrCodeProtocol)
	default:
		// PRIORITY and unknown frame types are ignored
		return nil
	}
}

func (c *Connection) onSettingsLocked(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		switch s.ID {
		case http2.SettingHeaderTableSize:
			c.enc.SetMaxDynamicTableSize(s.Val)
		case http2.SettingMaxFrameSize:
			c.maxFrameSize = s.Val
		case http2.SettingMaxConcurrentStreams:
			c.maxStreams = s.Val
		case http2.SettingInitialWindowSize:
			if err := c.streams.SetInitialWindow(s.Val); err != nil {
				return http2.ConnectionError(http2.ErrCodeFlowControl)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.writer.WriteSettingsAck(); err != nil {
		return err
	}
	c.streams.Each(c.sendPendingLocked)
	return nil
}

func (c *Connection) onWindowUpdateLocked(f *http2.WindowUpdateFrame) error {
	if f.StreamID == 0 {
		if c.sendWindow+int64(f.Increment) > frame.MaxWindowSize {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		c.sendWindow += int64(f.Increment)
		c.streams.Each(c.sendPendingLocked)
		return nil
	}
	s, ok := c.streams.Get(f.StreamID)
	if !ok {
		return c.checkKnownStreamLocked(f.StreamID)
	}
	if s.SendWindow+int64(f.Increment) > frame.MaxWindowSize {
		c.resetStreamLocked(s, http2.ErrCodeFlowControl,
			errs.Protocol("read", fmt.Errorf("stream %d window overflow", s.ID)))
		return nil
	}
	s.SendWindow += int64(f.Increment)
	c.sendPendingLocked(s)
	return nil
}

func (c *Connection) onRSTStreamLocked(f *http2.RSTStreamFrame) error {
	s, ok := c.streams.Get(f.StreamID)
	if !ok {
		return c.checkKnownStreamLocked(f.StreamID)
	}
	c.logger.Debug("stream reset by peer", zap.Uint32("stream", f.StreamID), zap.Stringer("code", f.ErrCode))
	c.failStreamLocked(s, errs.Protocol("read", errs.StreamResetError{StreamID: f.StreamID, Code: f.ErrCode}))
	return nil
}

// onGoAwayLocked fails the streams the peer will not process. Streams at or
// below the last stream id run to completion; no new streams are opened.
func (c *Connection) onGoAwayLocked(f *http2.GoAwayFrame) {
	gerr := errs.GoAwayError{LastStreamID: f.LastStreamID, Code: f.ErrCode, Debug: string(f.DebugData())}
	c.logger.Debug("goaway received",
		zap.Uint32("last_stream", f.LastStreamID), zap.Stringer("code", f.ErrCode), zap.Int("open_streams", c.streams.Len()))
	c.goAwayErr = gerr
	c.goingAway.Store(true)
	for _, s := range c.streams.Above(f.LastStreamID) {
		c.failStreamLocked(s, errs.Transport("read", gerr))
	}
	if c.streams.Len() == 0 {
		c.shutdownLocked()
	}
}

// checkKnownStreamLocked rejects frames on streams that were never opened.
// Frames on streams that already finished are ignored.
func (c *Connection) checkKnownStreamLocked(id uint32) error {
	if id%2 == 0 || id >= c.streams.Peek() {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return nil
}

// resetStreamLocked sends RST_STREAM and fails the stream's exchange.
func (c *Connection) resetStreamLocked(s *stream.Stream, code http2.ErrCode, err error) {
	_ = c.writer.WriteRSTStream(s.ID, code)
	c.failStreamLocked(s, err)
}

func (c *Connection) failStreamLocked(s *stream.Stream, err error) {
	c.streams.Remove(s.ID)
	s.Retired = true
	if s.Decoder != nil {
		s.Decoder.Abort(err)
		s.Decoder = nil
	}
	s.Pending = nil
	s.Exchange.Fail(err)
}

// finishStreamLocked retires a stream whose response ended. A request body
// still being sent is cancelled.
func (c *Connection) finishStreamLocked(s *stream.Stream) {
	c.streams.Remove(s.ID)
	s.Retired = true
	if !s.EndSent {
		_ = c.writer.WriteRSTStream(s.ID, http2.ErrCodeNo)
		s.Pending = nil
		s.EndSent = true
	}
}

// cancelStream resets a stream whose exchange already ended. It runs off
// the exchange goroutine.
func (c *Connection) cancelStream(s *stream.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || s.Retired {
		return
	}
	s.Retired = true
	if s.Decoder != nil {
		s.Decoder.Abort(errExchangeEnded)
		s.Decoder = nil
	}
	s.Pending = nil
	s.EndSent = true
	c.logger.Debug("cancelling stream of ended exchange", zap.Uint32("stream", s.ID))
	_ = c.writer.WriteRSTStream(s.ID, http2.ErrCodeCancel)
	_ = c.flushLocked()
}

// connectionErrorLocked sends GOAWAY and fails every stream.
func (c *Connection) connectionErrorLocked(err error) error {
	code := http2.ErrCodeProtocol
	var ce http2.ConnectionError
	switch {
	case errors.As(err, &ce):
		code = http2.ErrCode(ce)
	case errors.Is(err, http2.ErrFrameTooLarge):
		code = http2.ErrCodeFrameSize
	}
	c.logger.Debug("connection error", zap.Stringer("code", code), zap.Error(err))
	_ = c.writer.WriteGoAway(0, code, nil)
	_ = c.flushLocked()
	perr := errs.Protocol("read", err)
	c.abortLocked(perr)
	return perr
}

// OnClose fails every in-flight stream.
func (c *Connection) OnClose(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.logger.Debug("connection closed by peer", zap.Error(err), zap.Int("open_streams", c.streams.Len()))
	c.abortLocked(errs.Closed("read", err))
}

// Close sends GOAWAY, fails every in-flight stream and closes the transport.
// It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	_ = c.writer.WriteGoAway(0, http2.ErrCodeNo, nil)
	_ = c.flushLocked()
	c.failAllLocked(errs.Closed("close", nil))
	c.closed = true
	c.enc.Close()
	c.mu.Unlock()
	return c.conn.Close()
}

// Closed reports whether the connection can no longer dispatch.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Streams returns the number of open streams.
func (c *Connection) Streams() int { return c.streams.Len() }

func (c *Connection) abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked(err)
}

func (c *Connection) abortLocked(err error) {
	c.failAllLocked(err)
	c.shutdownLocked()
}

func (c *Connection) failAllLocked(err error) {
	for _, s := range c.streams.Drain() {
		c.failStreamLocked(s, err)
	}
}

func (c *Connection) shutdownLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.enc.Close()
	_ = c.conn.Close()
}

func (c *Connection) maybeShutdownAfterGoAway() {
	if c.goingAway.Load() && c.streams.Len() == 0 {
		go func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.streams.Len() == 0 {
				c.shutdownLocked()
			}
		}()
	}
}
