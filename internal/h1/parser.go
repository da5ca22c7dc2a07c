// Package h1 implements the HTTP/1.1 side of the client: request
// serialization, incremental response parsing and the single-exchange
// connection pipeline.
package h1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/albertbausili/duplex/internal/message"
)

// Parser errors.
var (
	ErrUnsolicited    = errors.New("response data received with no request in flight")
	ErrHeaderTooLarge = errors.New("response header exceeds limit")
	ErrTruncated      = errors.New("connection closed before response was complete")
)

var crlfBytes = []byte("\r\n")

type parseState uint8

const (
	stateIdle parseState = iota
	stateStatus
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkEnd
	stateTrailers
	stateUntilClose
	stateDone
)

// Sink receives the pieces of a response as the parser recognizes them.
// Slices are only valid for the duration of the call.
type Sink interface {
	OnStatus(status int, reason, version string) error
	OnHeaders(headers message.Headers, final bool) error
	OnContent(chunk []byte, final bool) error
}

// Parser incrementally parses one HTTP/1.1 response at a time.
type Parser struct {
	buf            []byte
	pos            int
	state          parseState
	method         string
	maxHeaderBytes int
	headerBytes    int

	status        int
	reason        string
	version       string
	interim       bool
	headers       message.Headers
	contentLength int64
	chunked       bool
	keepAlive     bool
	remaining     int64
}

// NewParser creates a parser. maxHeaderBytes bounds the status line plus
// header block (0 disables the bound).
func NewParser(maxHeaderBytes int) *Parser {
	return &Parser{maxHeaderBytes: maxHeaderBytes}
}

// Reset prepares the parser for the response to a request with method.
func (p *Parser) Reset(method string) {
	p.buf = p.buf[:0]
	p.pos = 0
	p.state = stateStatus
	p.method = method
	p.resetMessage()
}

func (p *Parser) resetMessage() {
	p.headerBytes = 0
	p.status = 0
	p.reason = ""
	p.version = ""
	p.interim = false
	p.headers = message.Headers{}
	p.contentLength = -1
	p.chunked = false
	p.keepAlive = true
	p.remaining = 0
}

// Idle reports whether no response is expected or the last one is complete.
func (p *Parser) Idle() bool { return p.state == stateIdle || p.state == stateDone }

// KeepAlive reports whether the connection may carry another exchange.
func (p *Parser) KeepAlive() bool { return p.keepAlive }

// Feed appends data and parses as far as possible.
func (p *Parser) Feed(data []byte, sink Sink) error {
	if len(data) == 0 {
		return nil
	}
	if p.Idle() {
		return ErrUnsolicited
	}
	p.buf = append(p.buf, data...)
	err := p.parse(sink)
	p.compact()
	return err
}

// Finish handles the end of the connection. A close-delimited body completes;
// anything else in progress is truncated.
func (p *Parser) Finish(sink Sink) error {
	switch p.state {
	case stateIdle, stateDone:
		return nil
	case stateUntilClose:
		p.state = stateDone
		return sink.OnContent(nil, true)
	default:
		return ErrTruncated
	}
}

func (p *Parser) compact() {
	if p.pos == 0 {
		return
	}
	n := copy(p.buf, p.buf[p.pos:])
	p.buf = p.buf[:n]
	p.pos = 0
}

func (p *Parser) parse(sink Sink) error {
	for {
		switch p.state {
		case stateStatus:
			complete, err := p.parseStatusLine()
			if err != nil || !complete {
				return err
			}
			p.state = stateHeaders
			if p.interim {
				continue
			}
			if err := sink.OnStatus(p.status, p.reason, p.version); err != nil {
				return err
			}

		case stateHeaders:
			complete, err := p.parseHeaders()
			if err != nil || !complete {
				return err
			}
			if p.interim {
				p.resetMessage()
				p.state = stateStatus
				continue
			}
			if err := p.startBody(sink); err != nil {
				return err
			}

		case stateBody:
			avail := int64(len(p.buf) - p.pos)
			if avail == 0 {
				return nil
			}
			n := p.remaining
			if avail < n {
				n = avail
			}
			chunk := p.buf[p.pos : p.pos+int(n)]
			p.pos += int(n)
			p.remaining -= n
			final := p.remaining == 0
			if final {
				p.state = stateDone
			}
			if err := sink.OnContent(chunk, final); err != nil {
				return err
			}

		case stateChunkSize:
			complete, err := p.parseChunkSize()
			if err != nil || !complete {
				return err
			}

		case stateChunkData:
			avail := int64(len(p.buf) - p.pos)
			if avail == 0 {
				return nil
			}
			n := p.remaining
			if avail < n {
				n = avail
			}
			chunk := p.buf[p.pos : p.pos+int(n)]
			p.pos += int(n)
			p.remaining -= n
			if p.remaining == 0 {
				p.state = stateChunkEnd
			}
			if err := sink.OnContent(chunk, false); err != nil {
				return err
			}

		case stateChunkEnd:
			if len(p.buf)-p.pos < 2 {
				return nil
			}
			if p.buf[p.pos] != '\r' || p.buf[p.pos+1] != '\n' {
				return fmt.Errorf("missing CRLF after chunk data")
			}
			p.pos += 2
			p.state = stateChunkSize

		case stateTrailers:
			lineEnd := bytes.Index(p.buf[p.pos:], crlfBytes)
			if lineEnd == -1 {
				return nil
			}
			p.pos += lineEnd + 2
			if lineEnd == 0 {
				p.state = stateDone
				return sink.OnContent(nil, true)
			}

		case stateUntilClose:
			if p.pos == len(p.buf) {
				return nil
			}
			chunk := p.buf[p.pos:]
			p.pos = len(p.buf)
			if err := sink.OnContent(chunk, false); err != nil {
				return err
			}

		case stateDone:
			if p.pos < len(p.buf) {
				return ErrUnsolicited
			}
			return nil

		default:
			return ErrUnsolicited
		}
	}
}

// parseStatusLine parses VERSION SP STATUS [SP REASON] CRLF.
func (p *Parser) parseStatusLine() (bool, error) {
	lineEnd := bytes.Index(p.buf[p.pos:], crlfBytes)
	if lineEnd == -1 {
		return false, p.checkHeaderBytes(len(p.buf)-p.pos, false)
	}
	line := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2
	if err := p.checkHeaderBytes(lineEnd+2, true); err != nil {
		return false, err
	}

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return false, fmt.Errorf("invalid status line %q", line)
	}
	version := string(parts[0])
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		return false, fmt.Errorf("unsupported HTTP version: %s", version)
	}
	if len(parts[1]) != 3 {
		return false, fmt.Errorf("invalid status code %q", parts[1])
	}
	code, ok := parseInt64Bytes(parts[1])
	if !ok || code < 100 {
		return false, fmt.Errorf("invalid status code %q", parts[1])
	}
	p.status = int(code)
	p.version = version
	if len(parts) == 3 {
		p.reason = string(parts[2])
	}
	p.keepAlive = version == "HTTP/1.1"
	p.interim = code >= 100 && code < 200 && code != 101
	return true, nil
}

// parseHeaders parses header lines until the empty line. Names keep their wire
// casing.
func (p *Parser) parseHeaders() (bool, error) {
	for {
		lineEnd := bytes.Index(p.buf[p.pos:], crlfBytes)
		if lineEnd == -1 {
			return false, p.checkHeaderBytes(len(p.buf)-p.pos, false)
		}
		line := p.buf[p.pos : p.pos+lineEnd]
		p.pos += lineEnd + 2
		if err := p.checkHeaderBytes(lineEnd+2, true); err != nil {
			return false, err
		}
		if len(line) == 0 {
			return true, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return false, fmt.Errorf("obsolete header line folding")
		}
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx <= 0 {
			return false, fmt.Errorf("invalid header line %q", line)
		}
		rawName := line[:colonIdx]
		if bytes.IndexAny(rawName, " \t") != -1 {
			return false, fmt.Errorf("invalid header name %q", rawName)
		}
		rawValue := bytes.TrimSpace(line[colonIdx+1:])
		if err := p.appendHeader(rawName, rawValue); err != nil {
			return false, err
		}
	}
}

// appendHeader records a header and tracks the fields that frame the body.
func (p *Parser) appendHeader(rawName, rawValue []byte) error {
	if p.interim {
		return nil
	}
	p.headers.Add(string(rawName), string(rawValue))
	switch {
	case asciiEqualFold(rawName, "Content-Length"):
		cl, ok := parseInt64Bytes(rawValue)
		if !ok {
			return fmt.Errorf("invalid content-length %q", rawValue)
		}
		if p.contentLength >= 0 && p.contentLength != cl {
			return fmt.Errorf("conflicting content-length values")
		}
		p.contentLength = cl
	case asciiEqualFold(rawName, "Transfer-Encoding"):
		p.chunked = asciiHasSuffixFold(bytes.TrimSpace(rawValue), "chunked")
	case asciiEqualFold(rawName, "Connection"):
		if asciiContainsFoldBytes(rawValue, "close") {
			p.keepAlive = false
		} else if asciiContainsFoldBytes(rawValue, "keep-alive") {
			p.keepAlive = true
		}
	}
	return nil
}

// startBody picks the body framing once headers are complete.
func (p *Parser) startBody(sink Sink) error {
	headers := p.headers
	switch {
	case p.method == "HEAD" || p.status == 204 || p.status == 304 || p.status == 101:
		p.state = stateDone
		return sink.OnHeaders(headers, true)
	case p.chunked:
		p.state = stateChunkSize
		return sink.OnHeaders(headers, false)
	case p.contentLength == 0:
		p.state = stateDone
		return sink.OnHeaders(headers, true)
	case p.contentLength > 0:
		p.remaining = p.contentLength
		p.state = stateBody
		return sink.OnHeaders(headers, false)
	default:
		p.keepAlive = false
		p.state = stateUntilClose
		return sink.OnHeaders(headers, false)
	}
}

// parseChunkSize parses SIZE[;ext] CRLF.
func (p *Parser) parseChunkSize() (bool, error) {
	lineEnd := bytes.Index(p.buf[p.pos:], crlfBytes)
	if lineEnd == -1 {
		if len(p.buf)-p.pos > 1024 {
			return false, fmt.Errorf("chunk size line too long")
		}
		return false, nil
	}
	sizeLine := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	if semiIdx := bytes.IndexByte(sizeLine, ';'); semiIdx != -1 {
		sizeLine = sizeLine[:semiIdx]
	}
	size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeLine)), 16, 64)
	if err != nil || size < 0 {
		return false, fmt.Errorf("invalid chunk size: %q", sizeLine)
	}
	if size == 0 {
		p.state = stateTrailers
		return true, nil
	}
	p.remaining = size
	p.state = stateChunkData
	return true, nil
}

// checkHeaderBytes bounds the head of the response. Complete lines are added
// to the running total; a partial line is only measured.
func (p *Parser) checkHeaderBytes(n int, complete bool) error {
	if p.maxHeaderBytes <= 0 {
		return nil
	}
	if p.headerBytes+n > p.maxHeaderBytes {
		return ErrHeaderTooLarge
	}
	if complete {
		p.headerBytes += n
	}
	return nil
}

// asciiEqualFold reports whether b equals s under ASCII case-insensitive comparison
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if lower(b[i]) != lower(s[i]) {
			return false
		}
	}
	return true
}

// asciiContainsFoldBytes reports whether b contains sub (ASCII case-insensitive)
func asciiContainsFoldBytes(b []byte, sub string) bool {
	m := len(sub)
	if m == 0 {
		return true
	}
	for i := 0; i+m <= len(b); i++ {
		if asciiEqualFold(b[i:i+m], sub) {
			return true
		}
	}
	return false
}

// asciiHasSuffixFold reports whether b ends with suffix (ASCII case-insensitive)
func asciiHasSuffixFold(b []byte, suffix string) bool {
	if len(b) < len(suffix) {
		return false
	}
	return asciiEqualFold(b[len(b)-len(suffix):], suffix)
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c | 0x20
	}
	return c
}

// parseInt64Bytes parses a base-10 int64 from ASCII bytes, returning ok=false on error
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
