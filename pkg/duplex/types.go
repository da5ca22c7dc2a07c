package duplex

import (
	"github.com/albertbausili/duplex/internal/errs"
	"github.com/albertbausili/duplex/internal/exchange"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/proto"
)

type (
	// Version is the HTTP version a connection speaks.
	Version = proto.Version
	// Headers is an ordered list of header fields with case-insensitive
	// lookup.
	Headers = message.Headers
	// Handler receives the events of one request in order.
	Handler = exchange.Handler
	// Callbacks adapts plain functions to Handler.
	Callbacks = exchange.Callbacks
	// ResponseStart is the status line of a response.
	ResponseStart = exchange.ResponseStart
	// Response is the aggregated result of a request.
	Response = exchange.Response
	// Future resolves with the Response or the error that ended the request.
	Future = exchange.Future

	// Error is the error type returned by the client.
	Error = errs.Error
	// ErrorKind classifies an Error.
	ErrorKind = errs.Kind
	// StreamResetError reports an HTTP/2 stream reset by the server.
	StreamResetError = errs.StreamResetError
	// GoAwayError reports a request refused by an HTTP/2 GOAWAY.
	GoAwayError = errs.GoAwayError
)

// Supported versions
const (
	HTTP11 = proto.HTTP11
	HTTP2  = proto.HTTP2
)

// Error kinds
const (
	KindConfiguration = errs.KindConfiguration
	KindNegotiation   = errs.KindNegotiation
	KindTransport     = errs.KindTransport
	KindProtocol      = errs.KindProtocol
)

// Kind sentinels, matched with errors.Is.
var (
	ErrConfiguration = errs.ErrConfiguration
	ErrNegotiation   = errs.ErrNegotiation
	ErrTransport     = errs.ErrTransport
	ErrProtocol      = errs.ErrProtocol
)

// Specific causes, matched with errors.Is.
var (
	ErrConnectionClosed = errs.ErrConnectionClosed
	ErrRequestInFlight  = errs.ErrRequestInFlight
	ErrBodyTooLarge     = errs.ErrBodyTooLarge
	ErrProtocolMismatch = errs.ErrProtocolMismatch
	ErrGoAway           = errs.ErrGoAway
)

// NewHeaders builds Headers from alternating names and values.
func NewHeaders(kv ...string) Headers { return message.NewHeaders(kv...) }

// ParseVersion accepts the common spellings of both versions.
func ParseVersion(s string) (Version, error) { return proto.Parse(s) }

// KindOf returns the kind of err, or 0 when err did not come from the client.
func KindOf(err error) ErrorKind { return errs.KindOf(err) }
