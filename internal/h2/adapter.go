package h2

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/compress"
	"github.com/albertbausili/duplex/internal/errs"
	"github.com/albertbausili/duplex/internal/exchange"
	"github.com/albertbausili/duplex/internal/h2/stream"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/proto"
)

var (
	errHeaderListTooLarge = errors.New("response header list exceeds limit")
	errDataBeforeHeaders  = errors.New("DATA received before response HEADERS")
	errTrailersOpen       = errors.New("trailing HEADERS without END_STREAM")
	errInterimEndStream   = errors.New("interim response ended the stream")
	errExchangeEnded      = errors.New("exchange ended before its stream")
)

// onHeadersLocked handles a complete header block. The first final block on
// a stream starts the response; a later one carries trailers. Interim 1xx
// blocks produce no events.
func (c *Connection) onHeadersLocked(f *http2.MetaHeadersFrame) error {
	s, ok := c.streams.Get(f.StreamID)
	if !ok {
		return c.checkKnownStreamLocked(f.StreamID)
	}
	if f.Truncated {
		c.resetStreamLocked(s, http2.ErrCodeProtocol, errs.Protocol("read", errHeaderListTooLarge))
		return nil
	}
	if s.HeadersReceived {
		return c.onTrailersLocked(s, f)
	}

	status, err := strconv.Atoi(f.PseudoValue("status"))
	if err != nil || status < 100 || status > 999 {
		c.resetStreamLocked(s, http2.ErrCodeProtocol,
			errs.Protocol("read", fmt.Errorf("invalid :status %q", f.PseudoValue("status"))))
		return nil
	}
	if status < 200 {
		if f.StreamEnded() {
			c.resetStreamLocked(s, http2.ErrCodeProtocol, errs.Protocol("read", errInterimEndStream))
		}
		return nil
	}
	regular := f.RegularFields()
	if err := stream.ValidateResponseFields(regular); err != nil {
		c.resetStreamLocked(s, http2.ErrCodeProtocol, errs.Protocol("read", err))
		return nil
	}
	declared, err := stream.ParseContentLength(regular)
	if err != nil {
		c.resetStreamLocked(s, http2.ErrCodeProtocol, errs.Protocol("read", err))
		return nil
	}

	s.HeadersReceived = true
	s.Status = status
	if !s.Bodyless() {
		s.ContentLength = declared
	}
	ended := f.StreamEnded()
	if ended {
		if err := stream.CheckContentLength(s.ContentLength, 0, true); err != nil {
			c.resetStreamLocked(s, http2.ErrCodeProtocol, errs.Protocol("read", err))
			return nil
		}
	}

	headers := toHeaders(regular)
	ex := s.Exchange
	if !ended && c.opts.Decompress {
		if enc := headers.Get("content-encoding"); compress.Supported(enc) {
			stage, err := compress.NewStage(enc, c.opts.MaxContentLength, ex.ContentReceived, func(err error) {
				ex.Fail(errs.Protocol("decompress", decodeError(err)))
			})
			if err != nil {
				c.resetStreamLocked(s, http2.ErrCodeInternal, errs.Protocol("decompress", err))
				return nil
			}
			s.Decoder = stage
			headers.Del("content-encoding")
			headers.Del("content-length")
		}
	}

	ex.ResponseStarted(exchange.ResponseStart{
		Status:  status,
		Reason:  http.StatusText(status),
		Version: proto.HTTP2.String(),
	})
	ex.HeadersReceived(headers, ended)
	if ended {
		c.finishStreamLocked(s)
	}
	return nil
}

// onTrailersLocked delivers trailing headers as the final event of the
// stream. Decoded content still buffered in the decompressor is flushed
// first.
func (c *Connection) onTrailersLocked(s *stream.Stream, f *http2.MetaHeadersFrame) error {
	if !f.StreamEnded() {
		c.resetStreamLocked(s, http2.ErrCodeProtocol, errs.Protocol("read", errTrailersOpen))
		return nil
	}
	if err := stream.ValidateTrailers(f.Fields); err != nil {
		c.resetStreamLocked(s, http2.ErrCodeProtocol, errs.Protocol("read", err))
		return nil
	}
	if err := stream.CheckContentLength(s.ContentLength, s.Received, true); err != nil {
		c.resetStreamLocked(s, http2.ErrCodeProtocol, errs.Protocol("read", err))
		return nil
	}
	if s.Decoder != nil {
		_ = s.Decoder.Close(false)
		s.Decoder = nil
	}
	s.Exchange.HeadersReceived(toHeaders(f.Fields), true)
	c.finishStreamLocked(s)
	return nil
}

// onDataLocked replenishes receive windows, enforces the body cap and the
// declared length, and forwards the payload.
func (c *Connection) onDataLocked(f *http2.DataFrame) error {
	// flow control counts padding too
	if n := f.Length; n > 0 {
		if err := c.writer.WriteWindowUpdate(0, n); err != nil {
			return err
		}
	}
	s, ok := c.streams.Get(f.StreamID)
	if !ok {
		return c.checkKnownStreamLocked(f.StreamID)
	}
	ended := f.StreamEnded()
	if n := f.Length; n > 0 && !ended {
		if err := c.writer.WriteWindowUpdate(s.ID, n); err != nil {
			return err
		}
	}
	if !s.HeadersReceived {
		c.resetStreamLocked(s, http2.ErrCodeProtocol, errs.Protocol("read", errDataBeforeHeaders))
		return nil
	}

	data := f.Data()
	s.Received += int64(len(data))
	if limit := c.opts.MaxContentLength; limit > 0 && s.Received > limit {
		c.logger.Debug("response body over limit",
			zap.Uint32("stream", s.ID), zap.Int64("received", s.Received), zap.Int64("limit", limit))
		c.resetStreamLocked(s, http2.ErrCodeCancel, errs.Protocol("read", errs.ErrBodyTooLarge))
		return nil
	}
	if err := stream.CheckContentLength(s.ContentLength, s.Received, ended); err != nil {
		c.resetStreamLocked(s, http2.ErrCodeProtocol, errs.Protocol("read", err))
		return nil
	}

	if s.Decoder != nil {
		if err := s.Decoder.Write(data); err != nil {
			// the stage already failed the exchange
			c.resetStreamLocked(s, http2.ErrCodeCancel, errs.Protocol("decompress", decodeError(err)))
			return nil
		}
		if ended {
			_ = s.Decoder.Close(true)
			s.Decoder = nil
			c.finishStreamLocked(s)
		}
		return nil
	}

	s.Exchange.ContentReceived(data, ended)
	if ended {
		c.finishStreamLocked(s)
	}
	return nil
}

func toHeaders(fields []hpack.HeaderField) message.Headers {
	out := make([][2]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, [2]string{f.Name, f.Value})
	}
	return message.HeadersFromFields(out)
}

func decodeError(err error) error {
	if errors.Is(err, compress.ErrLimitExceeded) {
		return errs.ErrBodyTooLarge
	}
	return err
}
