// Package dedupe suppresses repeat sends to the same destination within a
// configured cooldown interval.
//
// State lives in the storage layer so cooldowns survive restarts. The
// policy on storage trouble is fail-open: a send is allowed rather than
// blocked when the record cannot be read.
package dedupe

import (
	"context"
	"sync"
	"time"

	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

type Deduper struct {
	mu    sync.Mutex
	store storage.Store
	log   logx.Logger

	now func() time.Time // test seam
}

func New(store storage.Store, log logx.Logger) *Deduper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deduper{store: store, log: log, now: time.Now}
}

// ShouldSend reports whether a destination is outside its cooldown.
// elapsed is the time since the last recorded send (0 when no record
// exists) so callers can log why a destination was skipped.
func (d *Deduper) ShouldSend(ctx context.Context, destination string, minInterval time.Duration) (bool, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok, err := d.store.LastSent(ctx, destination)
	if err != nil {
		// Fail open: availability over strict cooldown correctness.
		d.log.Warn("last-sent lookup failed; allowing send",
			logx.String("destination", destination), logx.Err(err))
		return true, 0
	}
	if !ok {
		return true, 0
	}

	elapsed := d.now().Sub(last)
	if elapsed < minInterval {
		return false, elapsed
	}
	return true, elapsed
}

// MarkSent records "now" for the destination, overwriting any prior record.
// Call it only on confirmed success so failures stay eligible for retry.
func (d *Deduper) MarkSent(ctx context.Context, destination string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.SetLastSent(ctx, destination, d.now())
}
