// Package retry wraps fallible actions with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"groupcast/pkg/logx"
)

// Policy holds backoff parameters. Zero fields take the documented defaults.
type Policy struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 30s
	Multiplier  float64       // default 2.0
	Jitter      float64       // 0.5 = ±50%; 0 disables jitter
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0.5
	}
	return p
}

// Retrier executes actions under a Policy. Safe for concurrent use.
type Retrier struct {
	policy Policy
	log    logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(p Policy, log logx.Logger) *Retrier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Retrier{
		policy: p.withDefaults(),
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs fn, retrying retryable failures with exponential backoff.
//
// After MaxAttempts failures the last error is returned. Errors wrapped
// with NoRetry propagate immediately without a delay cycle. ctx
// cancellation aborts between attempts and during backoff sleeps.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p := r.policy
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err

		if IsNoRetry(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			r.log.Error("retries exhausted",
				logx.String("op", op), logx.Int("attempts", attempt), logx.Err(err))
			return last
		}

		delay := r.backoff(attempt)
		r.log.Warn("retrying",
			logx.String("op", op), logx.Int("attempt", attempt),
			logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return last
}

// backoff computes min(base*mult^(attempt-1), max) perturbed by ±jitter.
func (r *Retrier) backoff(attempt int) time.Duration {
	p := r.policy
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}

	if p.Jitter > 0 {
		r.mu.Lock()
		f := (r.rng.Float64()*2 - 1) * p.Jitter
		r.mu.Unlock()
		d *= 1 + f
	}
	// Keep the delay inside [100ms, MaxDelay] regardless of jitter; the
	// cap wins when MaxDelay is set below the floor.
	if d < float64(100*time.Millisecond) {
		d = float64(100 * time.Millisecond)
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// NoRetry marks an error as non-retryable.
//
// Actions can wrap validation or other permanent failures with NoRetry so
// the retrier won't waste attempts on them.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
