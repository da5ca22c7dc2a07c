// Package errs defines the error taxonomy shared by every layer of the client.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/http2"
)

// Kind classifies an error by how callers should react to it.
type Kind uint8

// Error kinds
const (
	KindConfiguration Kind = iota + 1
	KindNegotiation
	KindTransport
	KindProtocol
)

// String returns the kind name used in messages, logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNegotiation:
		return "negotiation"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error carries a kind, the operation that failed and the underlying cause.
type Error struct {
	Kind  Kind
	Op    string
	Err   error
	Cause error
}

// Kind sentinels, matched by errors.Is on kind alone.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrNegotiation   = &Error{Kind: KindNegotiation}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrProtocol      = &Error{Kind: KindProtocol}
)

// Specific causes.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrRequestInFlight  = errors.New("a request is already in flight on this connection")
	ErrBodyTooLarge     = errors.New("response body exceeds maximum content length")
	ErrProtocolMismatch = errors.New("negotiated protocol does not match preference")
	ErrGoAway           = errors.New("connection is going away")
)

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration wraps err as a configuration error.
func Configuration(op string, err error) *Error { return New(KindConfiguration, op, err) }

// Negotiation wraps err as a negotiation error.
func Negotiation(op string, err error) *Error { return New(KindNegotiation, op, err) }

// Transport wraps err as a transport error.
func Transport(op string, err error) *Error { return New(KindTransport, op, err) }

// Protocol wraps err as a protocol error.
func Protocol(op string, err error) *Error { return New(KindProtocol, op, err) }

// Closed reports a connection closed error, keeping the transport cause when present.
func Closed(op string, cause error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: ErrConnectionClosed, Cause: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Cause != nil {
		b.WriteString(" (")
		b.WriteString(e.Cause.Error())
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes both the specific error and the transport cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Err != nil {
		out = append(out, e.Err)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil || t.Cause != nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// StreamResetError reports an HTTP/2 stream reset by the peer.
type StreamResetError struct {
	StreamID uint32
	Code     http2.ErrCode
}

func (e StreamResetError) Error() string {
	return fmt.Sprintf("stream %d reset by peer: %v", e.StreamID, e.Code)
}

// GoAwayError reports the streams refused by a peer GOAWAY.
type GoAwayError struct {
	LastStreamID uint32
	Code         http2.ErrCode
	Debug        string
}

func (e GoAwayError) Error() string {
	msg := fmt.Sprintf("goaway received (last stream %d, code %v)", e.LastStreamID, e.Code)
	if e.Debug != "" {
		msg += ": " + e.Debug
	}
	return msg
}

// Unwrap lets errors.Is(err, ErrGoAway) match.
func (e GoAwayError) Unwrap() error { return ErrGoAway }
