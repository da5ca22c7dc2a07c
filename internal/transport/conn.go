// Package transport establishes client connections and delivers their bytes
// to a protocol pipeline.
package transport

import (
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/proto"
)

// Conn is an established connection. Writes are queued in call order and
// never block on the network.
type Conn interface {
	// AsyncWrite queues bufs. done, when non-nil, is called once the bytes were
	// handed to the socket or the write failed. If AsyncWrite returns an error
	// done is not called.
	AsyncWrite(bufs [][]byte, done func(err error)) error
	// Start begins delivering inbound bytes to r. Bytes that arrived earlier
	// are delivered first.
	Start(r Receiver)
	// Close closes the connection. It is safe to call more than once.
	Close() error
	// Protocol returns the ALPN protocol negotiated by TLS, or "" when none was.
	Protocol() string
	RemoteAddr() net.Addr
}

// Receiver consumes the inbound side of a connection. Calls for one
// connection never overlap.
type Receiver interface {
	// OnData receives bytes that are only valid for the duration of the call.
	// Returning an error closes the connection.
	OnData(data []byte) error
	// OnClose is called once when the connection is gone.
	OnClose(err error)
}

// Options configures a Connector.
type Options struct {
	Host    string
	Port    int
	Version proto.Version
	// TLS enables TLS when non-nil. NextProtos is overwritten with the
	// preferred version's ALPN identifier.
	TLS            *tls.Config
	ConnectTimeout time.Duration
	Multicore      bool
	NumEventLoop   int
	ReadBufferCap  int
	Logger         *zap.Logger
}
