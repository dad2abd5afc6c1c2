// Package ratelimit provides sliding-window admission control for sends.
//
// Unlike a token bucket, the limiter guarantees that no more than max
// admissions happen within any trailing window, and reports how long each
// caller actually waited. Both properties are part of the operator-facing
// contract (the admin API exposes window occupancy and cumulative wait).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"groupcast/pkg/logx"
)

// Window is the fixed sliding-window size.
const Window = 60 * time.Second

// margin is added to each computed wait so the oldest admission is strictly
// outside the window when we recheck.
const margin = 10 * time.Millisecond

type Limiter struct {
	mu     sync.Mutex
	max    int
	stamps []time.Time

	log logx.Logger

	// test seams; default to the real clock
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(maxPerWindow int, log logx.Logger) *Limiter {
	if maxPerWindow <= 0 {
		maxPerWindow = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		max:   maxPerWindow,
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Acquire blocks until an admission slot is free within the trailing window,
// records the admission, and returns the total time spent waiting.
//
// The lock is never held while sleeping, so CurrentCount() and concurrent
// Acquire() calls stay responsive. ctx cancellation aborts the wait.
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		now := l.now()
		l.pruneLocked(now)
		if len(l.stamps) < l.max {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return waited, nil
		}
		wait := l.stamps[0].Add(Window).Sub(now) + margin
		cur := len(l.stamps)
		l.mu.Unlock()

		if wait < margin {
			wait = margin
		}
		l.log.Info("rate limit reached; waiting",
			logx.Duration("wait", wait), logx.Int("current", cur), logx.Int("max", l.max))
		if err := l.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// CurrentCount returns the number of admissions inside the trailing window.
func (l *Limiter) CurrentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.stamps)
}

// Max returns the configured per-window cap.
func (l *Limiter) Max() int { return l.max }

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
