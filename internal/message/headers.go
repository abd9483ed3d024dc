package message

import (
	"fmt"
	"strconv"
)

// Kind tags the variant held by a HeaderValue
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindBytes
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// HeaderValue is a tagged union of string, int64 and raw bytes.
type HeaderValue struct {
	kind Kind
	s    string
	i    int64
	b    []byte
}

// String builds a string header value
func String(s string) HeaderValue { return HeaderValue{kind: KindString, s: s} }

// Int builds an integer header value
func Int(i int64) HeaderValue { return HeaderValue{kind: KindInt, i: i} }

// Bytes builds a binary header value. The slice is copied.
func Bytes(b []byte) HeaderValue {
	return HeaderValue{kind: KindBytes, b: append([]byte(nil), b...)}
}

// Kind reports which variant is set
func (v HeaderValue) Kind() Kind { return v.kind }

// AsString returns the string variant
func (v HeaderValue) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsInt returns the integer variant
func (v HeaderValue) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsBytes returns a copy of the binary variant
func (v HeaderValue) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return append([]byte(nil), v.b...), true
}

// String renders the value for logs regardless of its variant.
func (v HeaderValue) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBytes:
		return string(v.b)
	default:
		return ""
	}
}

// GoString is used by %#v
func (v HeaderValue) GoString() string {
	return fmt.Sprintf("%s(%q)", v.kind, v.String())
}

// Headers is an insertion-ordered mapping of header names to values.
//
// Headers values are immutable: With returns a new set and never drops an
// existing entry, so metadata added by an upstream adapter survives every
// later stage.
type Headers struct {
	keys []string
	vals map[string]HeaderValue
}

// With returns a copy of h with key set to v. An existing key keeps its
// position and gets the new value.
func (h Headers) With(key string, v HeaderValue) Headers {
	out := Headers{
		keys: make([]string, len(h.keys), len(h.keys)+1),
		vals: make(map[string]HeaderValue, len(h.vals)+1),
	}
	copy(out.keys, h.keys)
	for k, val := range h.vals {
		out.vals[k] = val
	}
	if _, ok := out.vals[key]; !ok {
		out.keys = append(out.keys, key)
	}
	out.vals[key] = v
	return out
}

// Merge returns h extended with every entry of other, in other's order.
func (h Headers) Merge(other Headers) Headers {
	out := h
	for _, k := range other.keys {
		out = out.With(k, other.vals[k])
	}
	return out
}

// Get looks up a header
func (h Headers) Get(key string) (HeaderValue, bool) {
	v, ok := h.vals[key]
	return v, ok
}

// Has reports whether key is present
func (h Headers) Has(key string) bool {
	_, ok := h.vals[key]
	return ok
}

// Len returns the number of headers
func (h Headers) Len() int { return len(h.keys) }

// Keys returns header names in insertion order
func (h Headers) Keys() []string {
	return append([]string(nil), h.keys...)
}

// Each calls fn for every header in insertion order until fn returns false.
func (h Headers) Each(fn func(key string, v HeaderValue) bool) {
	for _, k := range h.keys {
		if !fn(k, h.vals[k]) {
			return
		}
	}
}
