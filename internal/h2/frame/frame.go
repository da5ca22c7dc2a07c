// Package frame reads and writes HTTP/2 frames over byte chunks delivered by
// the transport.
package frame

import (
	"bytes"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// HeaderLen is the size of an HTTP/2 frame header.
const HeaderLen = 9

// Protocol defaults (RFC 9113 section 6.5.2).
const (
	DefaultMaxFrameSize      = 16384
	DefaultInitialWindowSize = 65535
	DefaultHeaderTableSize   = 4096
	MaxWindowSize            = 1<<31 - 1
)

// Ready reports whether b starts with something the framer can consume
// without blocking: a complete frame, or a complete HEADERS block including
// its CONTINUATION frames. A frame longer than maxFrameSize is reported ready
// so the framer can reject it.
func Ready(b []byte, maxFrameSize uint32) bool {
	inBlock := false
	for {
		if len(b) < HeaderLen {
			return false
		}
		length := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
		if length > maxFrameSize {
			return true
		}
		if uint32(len(b)-HeaderLen) < length {
			return false
		}
		typ := http2.FrameType(b[3])
		endHeaders := http2.Flags(b[4])&http2.FlagHeadersEndHeaders != 0
		switch {
		case !inBlock && (typ == http2.FrameHeaders || typ == http2.FramePushPromise):
			if endHeaders {
				return true
			}
			inBlock = true
		case inBlock && typ == http2.FrameContinuation:
			if endHeaders {
				return true
			}
		default:
			return true
		}
		b = b[HeaderLen+int(length):]
	}
}

// Reader accumulates inbound bytes and parses whole frames from them. Header
// blocks come back as *http2.MetaHeadersFrame with HPACK already decoded.
type Reader struct {
	buf          bytes.Buffer
	framer       *http2.Framer
	maxFrameSize uint32
}

// NewReader creates a reader that accepts frames up to maxFrameSize and
// header lists up to maxHeaderListSize.
func NewReader(maxFrameSize, maxHeaderListSize uint32) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	r := &Reader{maxFrameSize: maxFrameSize}
	r.framer = http2.NewFramer(nil, &r.buf)
	r.framer.SetMaxReadFrameSize(maxFrameSize)
	r.framer.ReadMetaHeaders = hpack.NewDecoder(DefaultHeaderTableSize, nil)
	if maxHeaderListSize > 0 {
		r.framer.MaxHeaderListSize = maxHeaderListSize
	}
	return r
}

// Feed appends inbound bytes.
func (r *Reader) Feed(data []byte) {
	r.buf.Write(data)
}

// Next returns the next complete frame, or nil when more bytes are needed.
// The frame is only valid until the following call.
func (r *Reader) Next() (http2.Frame, error) {
	if !Ready(r.buf.Bytes(), r.maxFrameSize) {
		return nil, nil
	}
	return r.framer.ReadFrame()
}

// Buffered returns the number of unparsed bytes.
func (r *Reader) Buffered() int { return r.buf.Len() }

// Writer serializes frames into a buffer that the caller flushes to the
// transport. It is not safe for concurrent use.
type Writer struct {
	buf    bytes.Buffer
	framer *http2.Framer
}

// NewWriter creates an empty writer.
func NewWriter() *Writer {
	w := &Writer{}
	w.framer = http2.NewFramer(&w.buf, nil)
	return w
}

// Pending returns the number of buffered bytes.
func (w *Writer) Pending() int { return w.buf.Len() }

// Flush returns the buffered frames and empties the buffer. It returns nil
// when nothing is pending.
func (w *Writer) Flush() []byte {
	if w.buf.Len() == 0 {
		return nil
	}
	out := bytes.Clone(w.buf.Bytes())
	w.buf.Reset()
	return out
}

// WritePreface writes the client connection preface.
func (w *Writer) WritePreface() {
	w.buf.WriteString(http2.ClientPreface)
}

// WriteSettings writes a SETTINGS frame
func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	return w.framer.WriteSettings(settings...)
}

// WriteSettingsAck writes a SETTINGS acknowledgment frame
func (w *Writer) WriteSettingsAck() error {
	return w.framer.WriteSettingsAck()
}

// WriteHeaders writes HEADERS (and CONTINUATION) frames, fragmenting by maxFrameSize
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, headerBlock []byte, maxFrameSize uint32) error {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	remaining := headerBlock
	first := true
	for first || len(remaining) > 0 {
		chunkLen := int(maxFrameSize)
		if len(remaining) < chunkLen {
			chunkLen = len(remaining)
		}
		frag := remaining[:chunkLen]
		remaining = remaining[chunkLen:]

		if first {
			var flags http2.Flags
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
			if len(remaining) == 0 {
				flags |= http2.FlagHeadersEndHeaders
			}
			if err := w.framer.WriteRawFrame(http2.FrameHeaders, flags, streamID, frag); err != nil {
				return err
			}
			first = false
			continue
		}
		var flags http2.Flags
		if len(remaining) == 0 {
			flags |= http2.FlagContinuationEndHeaders
		}
		if err := w.framer.WriteRawFrame(http2.FrameContinuation, flags, streamID, frag); err != nil {
			return err
		}
	}
	return nil
}

// WriteData writes a DATA frame. Empty frames without END_STREAM are skipped.
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	if len(data) == 0 && !endStream {
		return nil
	}
	return w.framer.WriteData(streamID, endStream, data)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame
func (w *Writer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	return w.framer.WriteWindowUpdate(streamID, increment)
}

// WriteRSTStream writes a RST_STREAM frame
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	return w.framer.WriteRSTStream(streamID, code)
}

// WriteGoAway writes a GOAWAY frame
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	return w.framer.WriteGoAway(lastStreamID, code, debugData)
}

// WritePing writes a PING frame
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	return w.framer.WritePing(ack, data)
}

// HeaderEncoder encodes header lists with HPACK. The dynamic table is shared
// by every block on a connection, so blocks must reach the wire in the order
// they were encoded.
type HeaderEncoder struct {
	encoder *hpack.Encoder
	buf     *bytes.Buffer
}

var headerBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// NewHeaderEncoder creates a new header encoder
func NewHeaderEncoder() *HeaderEncoder {
	buf := headerBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	return &HeaderEncoder{
		encoder: hpack.NewEncoder(buf),
		buf:     buf,
	}
}

// Encode encodes headers to HPACK format. The result is a copy.
func (e *HeaderEncoder) Encode(headers [][2]string) ([]byte, error) {
	e.buf.Reset()
	for _, h := range headers {
		if err := e.encoder.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return nil, err
		}
	}
	return bytes.Clone(e.buf.Bytes()), nil
}

// SetMaxDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (e *HeaderEncoder) SetMaxDynamicTableSize(v uint32) {
	e.encoder.SetMaxDynamicTableSizeLimit(v)
}

// Close releases the buffer back to the pool. The encoder must not be used
// afterwards.
func (e *HeaderEncoder) Close() {
	if e.buf != nil {
		e.buf.Reset()
		headerBufPool.Put(e.buf)
		e.buf = nil
	}
}
