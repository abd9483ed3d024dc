// Package ack turns "handler succeeded" into the source-specific commit.
package ack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshlong-attic/leveling-up-kafka/internal/message"
	"github.com/joshlong-attic/leveling-up-kafka/internal/metrics"
)

// ErrNoCommitter is returned when no adapter registered for a source
var ErrNoCommitter = errors.New("no committer registered for source")

// Committer advances durable progress for tokens its adapter issued.
type Committer interface {
	Commit(ctx context.Context, token message.Token) error
}

// CommitterFunc adapts a function to Committer
type CommitterFunc func(ctx context.Context, token message.Token) error

// Commit calls f
func (f CommitterFunc) Commit(ctx context.Context, token message.Token) error { return f(ctx, token) }

// Nop is a committer that does nothing
var Nop Committer = CommitterFunc(func(context.Context, message.Token) error { return nil })

// Tracker dispatches acknowledgments to the committer owning each source.
//
// The Router calls Ack only after the Handler returned successfully; the
// Tracker itself never commits on its own initiative.
type Tracker struct {
	mu         sync.RWMutex
	committers map[message.SourceID]Committer

	committed atomic.Uint64
	failed    atomic.Uint64
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{committers: make(map[message.SourceID]Committer)}
}

// Register sets the committer for a source, replacing any previous one
func (t *Tracker) Register(source message.SourceID, c Committer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committers[source] = c
}

// Ack commits msg's token against its originating adapter.
func (t *Tracker) Ack(ctx context.Context, msg message.Message) error {
	t.mu.RLock()
	c, ok := t.committers[msg.Source()]
	t.mu.RUnlock()

	if !ok {
		t.failed.Add(1)
		metrics.AcksTotal.WithLabelValues(msg.Source().String(), "failed").Inc()
		return fmt.Errorf("%w: %s", ErrNoCommitter, msg.Source())
	}

	if err := c.Commit(ctx, msg.Token()); err != nil {
		t.failed.Add(1)
		metrics.AcksTotal.WithLabelValues(msg.Source().String(), "failed").Inc()
		return fmt.Errorf("commit %s: %w", msg.Token(), err)
	}

	t.committed.Add(1)
	metrics.AcksTotal.WithLabelValues(msg.Source().String(), "committed").Inc()
	return nil
}

// Stats returns tracker statistics
func (t *Tracker) Stats() Stats {
	return Stats{
		Committed: t.committed.Load(),
		Failed:    t.failed.Load(),
	}
}

// Stats holds acknowledgment counters
type Stats struct {
	Committed uint64 `json:"committed"`
	Failed    uint64 `json:"failed"`
}
