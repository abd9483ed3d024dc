package message

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SourceID identifies which inbound adapter produced a Message
type SourceID uint8

const (
	SourceFile SourceID = iota + 1
	SourceLog
)

// String returns the source name used in logs and metric labels
func (s SourceID) String() string {
	switch s {
	case SourceFile:
		return "FILE"
	case SourceLog:
		return "LOG"
	default:
		return "UNKNOWN"
	}
}

// Standard header names stamped on every message
const (
	HeaderID        = "id"
	HeaderTimestamp = "timestamp"
)

// Token is the adapter-owned handle needed to acknowledge a Message.
// Only the adapter that created it knows its concrete type.
type Token interface {
	String() string
}

// Message validation errors
var (
	ErrUnknownSource = errors.New("message source is unknown")
	ErrNilToken      = errors.New("message token is nil")
)

// Message is the canonical unit flowing from the adapters to the Handler.
// It is immutable once constructed.
type Message struct {
	payload Payload
	headers Headers
	source  SourceID
	token   Token
}

// New builds a Message and stamps the id and timestamp headers unless the
// adapter already supplied them.
func New(source SourceID, token Token, payload Payload, headers Headers) (Message, error) {
	if source != SourceFile && source != SourceLog {
		return Message{}, ErrUnknownSource
	}
	if token == nil {
		return Message{}, ErrNilToken
	}

	if !headers.Has(HeaderID) {
		headers = headers.With(HeaderID, String(uuid.New().String()))
	}
	if !headers.Has(HeaderTimestamp) {
		headers = headers.With(HeaderTimestamp, Int(time.Now().UnixMilli()))
	}

	return Message{
		payload: payload,
		headers: headers,
		source:  source,
		token:   token,
	}, nil
}

// Payload returns the message body
func (m Message) Payload() Payload { return m.payload }

// Headers returns the message headers
func (m Message) Headers() Headers { return m.headers }

// Source returns the originating adapter
func (m Message) Source() SourceID { return m.source }

// Token returns the acknowledgment handle
func (m Message) Token() Token { return m.token }

// ID returns the id header
func (m Message) ID() string {
	v, _ := m.headers.Get(HeaderID)
	s, _ := v.AsString()
	return s
}

// Key identifies the originating source record; two deliveries of the same
// record share a Key.
func (m Message) Key() string {
	if m.token == nil {
		return m.source.String()
	}
	return m.source.String() + "/" + m.token.String()
}
