// Package retry bounds transient failures with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/joshlong-attic/leveling-up-kafka/internal/faults"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// ErrExhausted matches every ExhaustedError
var ErrExhausted = errors.New("retry budget exhausted")

// Attempt is the state of one delivery attempt, visible to OnRetry.
type Attempt struct {
	Count     int
	LastError error
	Delay     time.Duration
}

// ExhaustedError is returned when every attempt failed with a retryable error
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last error
func (e *ExhaustedError) Unwrap() error { return e.Last }

// Is lets errors.Is(err, ErrExhausted) match
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Policy configures retries
type Policy struct {
	MaxAttempts  int           // total attempts including the first; <= 0 means 1
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // delay cap
	Multiplier   float64       // growth factor, typically 2.0
	Jitter       bool          // add up to 25% random delay

	// Retryable decides whether an error is transient. Defaults to
	// faults.IsTransient.
	Retryable func(error) bool

	// OnRetry runs before each backoff sleep
	OnRetry func(Attempt)
}

// DefaultPolicy returns three attempts with a short exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.Multiplier > 1000 {
		p.Multiplier = 1000
	}
	if p.Retryable == nil {
		p.Retryable = faults.IsTransient
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, the context
// ends or the attempt budget runs out. It returns exactly one value on
// success and the zero value otherwise.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	p = p.normalize()

	attempt := Attempt{}
	delay := p.InitialDelay

	for attempt.Count < p.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		attempt.Count++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		attempt.LastError = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !p.Retryable(err) {
			return zero, err
		}
		if attempt.Count == p.MaxAttempts {
			break
		}

		sleep := delay
		if p.Jitter && delay >= 4 {
			randMu.Lock()
			sleep += time.Duration(randSource.Int63n(int64(delay / 4)))
			randMu.Unlock()
		}
		attempt.Delay = sleep
		if p.OnRetry != nil {
			p.OnRetry(attempt)
		}

		if sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		next := float64(delay) * p.Multiplier
		if next > float64(p.MaxDelay) {
			delay = p.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}

	return zero, &ExhaustedError{Attempts: attempt.Count, Last: attempt.LastError}
}
