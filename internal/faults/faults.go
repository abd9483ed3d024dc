// Package faults classifies pipeline errors and carries structural failures
// to the operational-fault boundary.
//
// Transient errors are recovered where they happen (see package retry) and
// never reach a Reporter. Everything else is wrapped in a Fault and
// reported: transform failures, exhausted retries, handler failures,
// directory listing failures and commit failures.
package faults

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/segmentio/kafka-go"

	"github.com/joshlong-attic/leveling-up-kafka/internal/message"
)

// Class groups errors by how the pipeline reacts to them
type Class int

const (
	// ClassTransient is a fetch or connection error worth retrying
	ClassTransient Class = iota
	// ClassTransform is a payload decode failure; never retried
	ClassTransform
	// ClassRetryExhausted ends a consumer context
	ClassRetryExhausted
	// ClassHandler means the Handler rejected the message
	ClassHandler
	// ClassListing is a failed directory scan; the next cycle retries
	ClassListing
	// ClassCommit is a failed acknowledgment
	ClassCommit
)

// String returns the class label used in logs and metrics
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTransform:
		return "transform"
	case ClassRetryExhausted:
		return "retry_exhausted"
	case ClassHandler:
		return "handler"
	case ClassListing:
		return "listing"
	case ClassCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Fault is a classified error tied to the source (and record) it came from.
type Fault struct {
	Class  Class
	Source message.SourceID
	Token  string
	Err    error
}

// New wraps err in a Fault
func New(class Class, source message.SourceID, err error) *Fault {
	return &Fault{Class: class, Source: source, Err: err}
}

// ForMessage wraps err in a Fault carrying msg's token
func ForMessage(class Class, msg message.Message, err error) *Fault {
	f := New(class, msg.Source(), err)
	if tok := msg.Token(); tok != nil {
		f.Token = tok.String()
	}
	return f
}

// Error implements the error interface
func (f *Fault) Error() string {
	if f.Token != "" {
		return fmt.Sprintf("%s fault on %s %s: %v", f.Class, f.Source, f.Token, f.Err)
	}
	return fmt.Sprintf("%s fault on %s: %v", f.Class, f.Source, f.Err)
}

// Unwrap returns the underlying error
func (f *Fault) Unwrap() error { return f.Err }

// ClassOf returns the class of the outermost Fault in err's chain.
func ClassOf(err error) (Class, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class, true
	}
	return 0, false
}

// IsTransient reports whether a fetch error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if c, ok := ClassOf(err); ok {
		return c == ClassTransient
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
