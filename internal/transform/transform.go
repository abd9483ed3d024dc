// Package transform turns source-specific raw bytes into canonical payloads.
package transform

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/joshlong-attic/leveling-up-kafka/internal/message"
)

// DefaultCharset is used when no charset is configured
const DefaultCharset = "UTF-8"

// Transform errors
var (
	ErrEncoding       = errors.New("payload violates declared charset")
	ErrUnknownCharset = errors.New("unknown charset")
)

// Transformer converts raw source bytes into a Message payload
type Transformer interface {
	Transform(raw []byte) (message.Payload, error)
}

// Func adapts a function to Transformer
type Func func(raw []byte) (message.Payload, error)

// Transform calls f
func (f Func) Transform(raw []byte) (message.Payload, error) { return f(raw) }

// FileToString decodes file contents as text in a fixed charset.
type FileToString struct {
	charset string
	enc     encoding.Encoding // nil for UTF-8
}

// NewFileToString returns a decoder for the named IANA charset.
func NewFileToString(charset string) (*FileToString, error) {
	if charset == "" {
		charset = DefaultCharset
	}
	if isUTF8(charset) {
		return &FileToString{charset: DefaultCharset}, nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCharset, charset)
	}
	return &FileToString{charset: charset, enc: enc}, nil
}

// Charset returns the configured charset name
func (t *FileToString) Charset() string { return t.charset }

// Transform implements Transformer
func (t *FileToString) Transform(raw []byte) (message.Payload, error) {
	if t.enc == nil {
		if !utf8.Valid(raw) {
			return message.Payload{}, fmt.Errorf("%w: invalid %s", ErrEncoding, t.charset)
		}
		return message.TextPayload(string(raw)), nil
	}

	out, err := t.enc.NewDecoder().Bytes(raw)
	if err != nil {
		return message.Payload{}, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	// x/text decoders substitute U+FFFD for undecodable input instead of failing.
	if strings.ContainsRune(string(out), utf8.RuneError) && !strings.ContainsRune(string(raw), utf8.RuneError) {
		return message.Payload{}, fmt.Errorf("%w: invalid %s", ErrEncoding, t.charset)
	}
	return message.TextPayload(string(out)), nil
}

// PassThrough uses the raw bytes as the payload unchanged.
type PassThrough struct{}

// Transform implements Transformer
func (PassThrough) Transform(raw []byte) (message.Payload, error) {
	return message.BinaryPayload(raw), nil
}

func isUTF8(name string) bool {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "utf-8", "utf8":
		return true
	}
	return false
}
