package h1

import (
	"strconv"
	"sync"

	"github.com/albertbausili/duplex/internal/message"
)

var (
	httpVersion = []byte(" HTTP/1.1\r\n")
	headerSep   = []byte(": ")
	crlf        = []byte("\r\n")

	// Buffer pool for request assembly
	requestBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 4096)
			return &b
		},
	}
)

// AppendRequest serializes req onto buf as an HTTP/1.1 message. Headers are
// written in order with their casing untouched.
func AppendRequest(buf []byte, req *message.Request) []byte {
	buf = append(buf, req.Method...)
	buf = append(buf, ' ')
	buf = append(buf, req.Path...)
	buf = append(buf, httpVersion...)
	for _, h := range req.Headers.All() {
		buf = append(buf, h[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}
	buf = append(buf, crlf...)
	return append(buf, req.Body...)
}

// requestSize estimates the serialized size of req.
func requestSize(req *message.Request) int {
	n := len(req.Method) + 1 + len(req.Path) + len(httpVersion) + 2 + len(req.Body)
	for _, h := range req.Headers.All() {
		n += len(h[0]) + len(headerSep) + len(h[1]) + len(crlf)
	}
	return n
}

// encodeRequest assembles req into a pooled buffer. release returns the buffer
// to the pool once the write completed.
func encodeRequest(req *message.Request) (buf []byte, release func()) {
	bufPtr := requestBufferPool.Get().(*[]byte)
	buf = (*bufPtr)[:0]
	if need := requestSize(req); cap(buf) < need {
		buf = make([]byte, 0, need)
	}
	buf = AppendRequest(buf, req)
	return buf, func() {
		if cap(buf) <= 65536 {
			*bufPtr = buf[:0]
			requestBufferPool.Put(bufPtr)
		}
	}
}

// reasonPhrase returns a reason phrase for status codes whose response line
// omitted one.
func reasonPhrase(code int, reason string) string {
	if reason != "" {
		return reason
	}
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	default:
		return strconv.Itoa(code)
	}
}
