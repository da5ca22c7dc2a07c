package stream

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// ValidateTrailers checks trailing headers. Trailers must not carry
// pseudo-headers or connection-specific fields.
func ValidateTrailers(fields []hpack.HeaderField) error {
	for _, f := range fields {
		if f.IsPseudo() {
			return fmt.Errorf("pseudo-header not allowed in trailers: %s", f.Name)
		}
		if err := validateFieldName(f.Name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateResponseFields checks the regular fields of a response header
// block.
func ValidateResponseFields(fields []hpack.HeaderField) error {
	for _, f := range fields {
		if f.IsPseudo() {
			continue
		}
		if err := validateFieldName(f.Name); err != nil {
			return err
		}
	}
	return nil
}

func validateFieldName(name string) error {
	if name != strings.ToLower(name) {
		return fmt.Errorf("header field name must be lowercase: %s", name)
	}
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return fmt.Errorf("connection-specific header not allowed: %s", name)
	}
	return nil
}

// ParseContentLength returns the declared content-length of a response, or
// -1 when absent. Repeated values must agree.
func ParseContentLength(fields []hpack.HeaderField) (int64, error) {
	declared := int64(-1)
	for _, f := range fields {
		if f.Name != "content-length" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(f.Value), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid content-length value: %s", f.Value)
		}
		if declared >= 0 && declared != n {
			return 0, fmt.Errorf("conflicting content-length values")
		}
		declared = n
	}
	return declared, nil
}

// CheckContentLength verifies received DATA bytes against the declared
// length. Before the end of the stream only an overrun is an error.
func CheckContentLength(declared, received int64, ended bool) error {
	if declared < 0 {
		return nil
	}
	if received > declared || (ended && received != declared) {
		return fmt.Errorf("content-length (%d) does not match body length (%d)", declared, received)
	}
	return nil
}
