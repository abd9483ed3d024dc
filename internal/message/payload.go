package message

// Payload is a message body: decoded text or raw bytes.
type Payload struct {
	data []byte
	text bool
}

// TextPayload wraps decoded text
func TextPayload(s string) Payload {
	return Payload{data: []byte(s), text: true}
}

// BinaryPayload wraps raw bytes. The slice is copied.
func BinaryPayload(b []byte) Payload {
	return Payload{data: append([]byte(nil), b...)}
}

// IsText reports whether the payload was produced by a text decoder
func (p Payload) IsText() bool { return p.text }

// Bytes returns a copy of the payload bytes
func (p Payload) Bytes() []byte { return append([]byte(nil), p.data...) }

// String returns the payload as a string
func (p Payload) String() string { return string(p.data) }

// Len returns the payload size in bytes
func (p Payload) Len() int { return len(p.data) }

// Outbound is a record handed to the publish path
type Outbound struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers Headers
}
