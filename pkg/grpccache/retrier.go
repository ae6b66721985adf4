package grpccache

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/retry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsRetriable reports whether err is a transient transport failure.
// Cancellation is never retried.
func IsRetriable(err error) bool {
	if errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
		return false
	}
	return retry.TransientOnly(err)
}

// Backoff computes "full jitter" exponential delays: each delay is drawn
// uniformly from [0, interval) and the interval doubles up to a maximum.
// A Backoff belongs to a single call.
type Backoff struct {
	initial  time.Duration
	max      time.Duration
	interval time.Duration
	attempts int
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := time.Duration(rand.Int64N(int64(b.interval)))
	b.interval *= 2
	if b.interval > b.max {
		b.interval = b.max
	}
	b.attempts++
	return d
}

// Reset restarts the schedule. Streaming calls reset on every received
// chunk so that only stalls consume retries.
func (b *Backoff) Reset() {
	b.interval = b.initial
	b.attempts = 0
}

// Retrier retries calls failing with transient errors.
type Retrier struct {
	maxRetries  int
	initial     time.Duration
	max         time.Duration
	shouldRetry func(error) bool
	logger      *slog.Logger
}

func NewRetrier(maxRetries int, initial, max time.Duration) *Retrier {
	if initial <= 0 {
		initial = time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Retrier{
		maxRetries:  maxRetries,
		initial:     initial,
		max:         max,
		shouldRetry: IsRetriable,
		logger:      slog.Default().With("component", "retrier"),
	}
}

func (r *Retrier) NewBackoff() *Backoff {
	return &Backoff{initial: r.initial, max: r.max, interval: r.initial}
}

// Execute runs fn until it succeeds, fails with a non retriable error or
// runs out of retries.
func (r *Retrier) Execute(ctx context.Context, fn func() error) error {
	return r.ExecuteWithBackoff(ctx, r.NewBackoff(), fn)
}

// ExecuteWithBackoff is Execute with a caller owned Backoff, which fn may
// Reset to signal progress. The caller's context error takes priority
// over the error of the last attempt.
func (r *Retrier) ExecuteWithBackoff(ctx context.Context, b *Backoff, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !r.shouldRetry(err) || b.attempts >= r.maxRetries {
			return err
		}

		delay := b.Next()
		r.logger.Debug("retrying failed call", "attempt", b.attempts, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
