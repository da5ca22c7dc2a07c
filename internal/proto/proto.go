// Package proto names the HTTP versions the client can speak.
package proto

import (
	"fmt"
	"strings"
)

// Version is a wire protocol version.
type Version uint8

// Supported versions
const (
	HTTP11 Version = iota + 1
	HTTP2
)

// ALPN protocol identifiers
const (
	ALPNHTTP11 = "http/1.1"
	ALPNHTTP2  = "h2"
)

func (v Version) String() string {
	switch v {
	case HTTP11:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2.0"
	default:
		return "unknown"
	}
}

// ALPN returns the TLS application protocol identifier for v.
func (v Version) ALPN() string {
	switch v {
	case HTTP11:
		return ALPNHTTP11
	case HTTP2:
		return ALPNHTTP2
	default:
		return ""
	}
}

// Valid reports whether v is one of the supported versions.
func (v Version) Valid() bool { return v == HTTP11 || v == HTTP2 }

// FromALPN maps a negotiated protocol to a Version. An empty protocol means the
// peer did not take part in ALPN, which implies HTTP/1.1.
func FromALPN(protocol string) (Version, bool) {
	switch protocol {
	case ALPNHTTP2:
		return HTTP2, true
	case ALPNHTTP11, "":
		return HTTP11, true
	default:
		return 0, false
	}
}

// Parse accepts the common spellings of both versions.
func Parse(s string) (Version, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HTTP/1.1", "HTTP1.1", "HTTP11", "HTTP_1_1", "1.1", "H1", "HTTP/1":
		return HTTP11, nil
	case "HTTP/2", "HTTP/2.0", "HTTP2", "HTTP_2", "2", "2.0", "H2":
		return HTTP2, nil
	default:
		return 0, fmt.Errorf("unknown HTTP version %q", s)
	}
}

// UnmarshalText lets a Version be read from configuration text.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalText renders v in the form Parse accepts.
func (v Version) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("unknown HTTP version %d", v)
	}
	return []byte(v.String()), nil
}
