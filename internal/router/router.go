// Package router is the single channel both inbound adapters deliver into.
//
// A Router hands each Message to the Handler synchronously in the caller's
// goroutine, then acknowledges it. The adapter that called Route is blocked
// until both steps finish, which is what orders a commit strictly after the
// Handler returned successfully.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/joshlong-attic/leveling-up-kafka/internal/faults"
	"github.com/joshlong-attic/leveling-up-kafka/internal/logger"
	"github.com/joshlong-attic/leveling-up-kafka/internal/message"
	"github.com/joshlong-attic/leveling-up-kafka/internal/metrics"
)

// Router errors
var (
	ErrNilHandler     = errors.New("handler is nil")
	ErrNilAcker       = errors.New("acker is nil")
	ErrHandlerTimeout = errors.New("handler timed out")
	ErrHandlerPanic   = errors.New("handler panicked")
)

// Acker acknowledges a message after successful handling
type Acker interface {
	Ack(ctx context.Context, msg message.Message) error
}

// Router delivers messages to the Handler and acknowledges successes.
type Router struct {
	handler Handler
	acker   Acker
	timeout time.Duration
	seen    *lru.Cache[string, struct{}]
	log     zerolog.Logger

	routed     atomic.Uint64
	handled    atomic.Uint64
	failed     atomic.Uint64
	duplicates atomic.Uint64
}

// Option is a functional option for configuring the router
type Option func(*Router) error

// WithHandlerTimeout bounds each Handler call. Zero disables the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(r *Router) error {
		if d < 0 {
			return fmt.Errorf("handler timeout must not be negative: %s", d)
		}
		r.timeout = d
		return nil
	}
}

// WithIdempotencyWindow remembers the last size successfully handled source
// records and acknowledges redeliveries of them without calling the Handler.
func WithIdempotencyWindow(size int) Option {
	return func(r *Router) error {
		if size <= 0 {
			r.seen = nil
			return nil
		}
		c, err := lru.New[string, struct{}](size)
		if err != nil {
			return err
		}
		r.seen = c
		return nil
	}
}

// WithLogger overrides the router logger
func WithLogger(log zerolog.Logger) Option {
	return func(r *Router) error {
		r.log = log
		return nil
	}
}

// New creates a router delivering to h and acknowledging through a.
func New(h Handler, a Acker, opts ...Option) (*Router, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if a == nil {
		return nil, ErrNilAcker
	}

	r := &Router{
		handler: h,
		acker:   a,
		log:     logger.WithComponent("router"),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Route hands msg to the Handler and, only if it succeeds, acknowledges it.
// Failures come back as *faults.Fault (handler or commit class) and leave
// the message unacknowledged.
func (r *Router) Route(ctx context.Context, msg message.Message) error {
	r.routed.Add(1)
	src := msg.Source().String()

	if r.seen != nil && r.seen.Contains(msg.Key()) {
		r.duplicates.Add(1)
		r.log.Debug().
			Str("source", src).
			Str("key", msg.Key()).
			Msg("duplicate delivery, acknowledging without handler")
		return r.ack(ctx, msg)
	}

	start := time.Now()
	err := r.invoke(ctx, msg)
	metrics.HandlerDuration.WithLabelValues(src).Observe(time.Since(start).Seconds())

	if err != nil {
		r.failed.Add(1)
		status := "failed"
		if errors.Is(err, ErrHandlerTimeout) {
			status = "timeout"
		}
		metrics.RouterMessagesTotal.WithLabelValues(src, status).Inc()
		return faults.ForMessage(faults.ClassHandler, msg, err)
	}

	r.handled.Add(1)
	metrics.RouterMessagesTotal.WithLabelValues(src, "handled").Inc()

	if err := r.ack(ctx, msg); err != nil {
		return err
	}
	if r.seen != nil {
		r.seen.Add(msg.Key(), struct{}{})
	}
	return nil
}

func (r *Router) ack(ctx context.Context, msg message.Message) error {
	if err := r.acker.Ack(ctx, msg); err != nil {
		return faults.ForMessage(faults.ClassCommit, msg, err)
	}
	return nil
}

// invoke runs the Handler, bounded by the timeout when one is set.
func (r *Router) invoke(ctx context.Context, msg message.Message) error {
	if r.timeout <= 0 {
		return r.safeHandle(ctx, msg)
	}

	hctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.safeHandle(hctx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn().
			Str("source", msg.Source().String()).
			Str("message_id", msg.ID()).
			Dur("timeout", r.timeout).
			Msg("handler timed out, withholding acknowledgment")
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, r.timeout)
	}
}

func (r *Router) safeHandle(ctx context.Context, msg message.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Str("message_id", msg.ID()).
				Msg("handler panic recovered")
			metrics.PanicsRecovered.WithLabelValues("handler").Inc()
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
	}()
	return r.handler.Handle(ctx, msg.Payload(), msg.Headers())
}

// Stats returns router statistics
func (r *Router) Stats() Stats {
	return Stats{
		Routed:     r.routed.Load(),
		Handled:    r.handled.Load(),
		Failed:     r.failed.Load(),
		Duplicates: r.duplicates.Load(),
	}
}

// Stats holds router counters
type Stats struct {
	Routed     uint64 `json:"routed"`
	Handled    uint64 `json:"handled"`
	Failed     uint64 `json:"failed"`
	Duplicates uint64 `json:"duplicates"`
}
