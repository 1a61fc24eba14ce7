// Package retry runs fallible operations with exponential backoff and
// composes multi-step operations into compensating sagas.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

type Options struct {
	// Attempts is the total number of tries, including the first one.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	JitterMax time.Duration

	// Retryable reports whether err is transient. Nil retries everything except
	// context cancellation.
	Retryable func(err error) bool
	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(op string, attempt int, err error, delay time.Duration)

	Clock clockwork.Clock
	Rand  *rand.Rand
}

func (o *Options) setDefaults() {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.JitterMax > 0 && o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}
}

// Error is returned once every attempt of a retryable operation failed.
type Error struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a non-retryable error, or the attempt
// budget is exhausted. Non-retryable errors are returned unchanged.
func Do(ctx context.Context, opts Options, op string, fn func(context.Context) error) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	opts.setDefaults()

	var lastErr error
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(attempt-1, opts.BaseDelay, opts.MaxDelay) + jitterLocked(opts.Rand, opts.JitterMax)
			if opts.OnRetry != nil {
				opts.OnRetry(op, attempt, lastErr, delay)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, errors.Join(ctx.Err(), lastErr))
			case <-opts.Clock.After(delay):
			}
		}

		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return fmt.Errorf("%s: %w", op, errors.Join(err, lastErr))
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(opts, err) {
			return err
		}
		lastErr = err
	}

	return &Error{Op: op, Attempts: opts.Attempts, Err: lastErr}
}

func retryable(opts Options, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if opts.Retryable == nil {
		return true
	}
	return opts.Retryable(err)
}

var randMu sync.Mutex

// *rand.Rand is not safe for concurrent use and Options are shared by value.
func jitterLocked(r *rand.Rand, maxJitter time.Duration) time.Duration {
	if r == nil {
		return 0
	}
	randMu.Lock()
	defer randMu.Unlock()
	return jitter(r, maxJitter)
}
