package message

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Injected header names.
const (
	HeaderHost          = "Host"
	HeaderContentLength = "Content-Length"
	// HeaderScheme carries the scheme as an extension header on both
	// protocols; HTTP/2 also sends it as :scheme.
	HeaderScheme = "X-Http2-Scheme"
)

// Request is an outbound request ready for a pipeline. It is not modified once
// dispatched.
type Request struct {
	Method    string
	Path      string
	Authority string
	Scheme    string
	Headers   Headers
	Body      []byte
}

// NewRequest builds a request for authority, injecting Host, Content-Length and
// the scheme marker ahead of the caller's headers.
func NewRequest(authority string, tls bool, method, path string, headers Headers, body []byte) (*Request, error) {
	if err := validate(method, path, headers); err != nil {
		return nil, err
	}

	scheme := "http"
	if tls {
		scheme = "https"
	}

	h := Headers{fields: make([][2]string, 0, headers.Len()+3)}
	h.Add(HeaderHost, authority)
	h.Add(HeaderContentLength, strconv.Itoa(len(body)))
	h.Add(HeaderScheme, scheme)
	h.fields = append(h.fields, headers.All()...)

	return &Request{
		Method:    method,
		Path:      path,
		Authority: authority,
		Scheme:    scheme,
		Headers:   h,
		Body:      body,
	}, nil
}

// Authority renders host and port, omitting the port when it is the default for
// the scheme.
func Authority(host string, port int, tls bool) string {
	if (tls && port == 443) || (!tls && port == 80) {
		if strings.IndexByte(host, ':') >= 0 {
			return "[" + host + "]"
		}
		return host
	}
	if strings.IndexByte(host, ':') >= 0 {
		return "[" + host + "]:" + strconv.Itoa(port)
	}
	return host + ":" + strconv.Itoa(port)
}

func validate(method, path string, headers Headers) error {
	if method == "" || !httpguts.ValidHeaderFieldName(method) {
		return fmt.Errorf("invalid method %q", method)
	}
	if path == "" || (path[0] != '/' && path != "*") {
		return fmt.Errorf("invalid path %q", path)
	}
	for _, c := range path {
		if c <= ' ' || c == 0x7f {
			return fmt.Errorf("invalid path %q", path)
		}
	}
	for _, f := range headers.All() {
		if !httpguts.ValidHeaderFieldName(f[0]) {
			return fmt.Errorf("invalid header name %q", f[0])
		}
		if !httpguts.ValidHeaderFieldValue(f[1]) {
			return fmt.Errorf("invalid value for header %q", f[0])
		}
	}
	return nil
}
