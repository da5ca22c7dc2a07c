// Package message holds the protocol-neutral request and header types.
package message

import (
	"sort"
	"strings"
)

// Headers is an ordered list of header fields. Names keep the casing they were
// added with; lookups are case-insensitive.
type Headers struct {
	fields [][2]string
}

// NewHeaders builds Headers from alternating name/value arguments. A trailing
// name without a value is ignored.
func NewHeaders(kv ...string) Headers {
	h := Headers{fields: make([][2]string, 0, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

// HeadersFromMap builds Headers from a map, ordered by name.
func HeadersFromMap(m map[string]string) Headers {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	h := Headers{fields: make([][2]string, 0, len(names))}
	for _, k := range names {
		h.Add(k, m[k])
	}
	return h
}

// HeadersFromFields wraps fields without copying.
func HeadersFromFields(fields [][2]string) Headers {
	return Headers{fields: fields}
}

// Add appends a field.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, [2]string{name, value})
}

// Set replaces every field named name with a single one.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes every field named name.
func (h *Headers) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f[0], name) {
			out = append(out, f)
		}
	}
	for i := len(out); i < len(h.fields); i++ {
		h.fields[i] = [2]string{}
	}
	h.fields = out
}

// Get returns the first value for name.
func (h Headers) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup returns the first value for name and whether it exists.
func (h Headers) Lookup(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f[0], name) {
			return f[1], true
		}
	}
	return "", false
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f[0], name) {
			out = append(out, f[1])
		}
	}
	return out
}

// Has reports whether a field named name exists.
func (h Headers) Has(name string) bool {
	_, ok := h.Lookup(name)
	return ok
}

// Len returns the number of fields.
func (h Headers) Len() int { return len(h.fields) }

// All returns the fields in order. The slice must not be modified.
func (h Headers) All() [][2]string { return h.fields }

// Clone returns a deep copy.
func (h Headers) Clone() Headers {
	if h.fields == nil {
		return Headers{}
	}
	out := make([][2]string, len(h.fields))
	copy(out, h.fields)
	return Headers{fields: out}
}

// Map flattens the fields into a map keyed by lowercased name. Repeated fields
// are joined with ", ".
func (h Headers) Map() map[string]string {
	m := make(map[string]string, len(h.fields))
	for _, f := range h.fields {
		k := strings.ToLower(f[0])
		if prev, ok := m[k]; ok {
			m[k] = prev + ", " + f[1]
			continue
		}
		m[k] = f[1]
	}
	return m
}
