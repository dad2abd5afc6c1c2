// Package sendqueue schedules broadcast actions and dispatches them one at
// a time from a single worker goroutine.
//
// Scheduling spreads each batch across a randomized window, then resolves
// slot conflicts so no two pending actions sit closer than the configured
// minimum spacing. Dispatch claims the earliest due pending action, runs the
// injected send function outside the lock, and records the terminal state.
package sendqueue

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"groupcast/pkg/logx"
)

// maxSlotRounds caps conflict resolution per candidate. Dense queues that
// still collide after this many adjustments get a deterministic slot at the
// tail of the queue instead of looping forever.
const maxSlotRounds = 100

// Queue holds scheduled actions and runs the dispatcher. Safe for
// concurrent use; dispatch itself is strictly sequential.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	actions []*Action
	seq     uint64
	send    SendFunc

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	now func() time.Time // test seam
	rng *rand.Rand       // guarded by mu
}

func New(cfg Config, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		cfg: cfg.withDefaults(),
		log: log,
		now: time.Now,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSendFunc installs the delivery callback. Actions claimed while no
// callback is installed fail with a configuration error message.
func (q *Queue) SetSendFunc(fn SendFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.send = fn
}

// Apply updates scheduling parameters on a live queue. Already-assigned
// slots keep their times; only future scheduling uses the new values.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = cfg.withDefaults()
}

// Schedule enqueues one action per destination for the given task.
//
// Each action gets a random offset in [0, window) from now (window <= 0
// means all candidates start at now), then the candidate is pushed later
// until it clears MinSpacing against every pending action. Returns copies
// of the created actions in scheduled order.
func (q *Queue) Schedule(taskName string, destinations []string, text, attachment string, window time.Duration) []Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	created := make([]Action, 0, len(destinations))
	for _, dest := range destinations {
		candidate := now
		if window > 0 {
			candidate = now.Add(time.Duration(q.rng.Int63n(int64(window))))
		}
		slot := q.findSlotLocked(candidate)

		q.seq++
		a := &Action{
			ID:          fmt.Sprintf("%s_%d_%d", taskName, q.seq, now.Unix()),
			ScheduledAt: slot,
			TaskName:    taskName,
			Destination: dest,
			Text:        text,
			Attachment:  attachment,
			Status:      StatusPending,
			CreatedAt:   now,
			seq:         q.seq,
		}
		q.actions = append(q.actions, a)
		created = append(created, *a)
	}

	sort.Slice(created, func(i, j int) bool {
		if created[i].ScheduledAt.Equal(created[j].ScheduledAt) {
			return created[i].seq < created[j].seq
		}
		return created[i].ScheduledAt.Before(created[j].ScheduledAt)
	})

	q.log.Info("actions scheduled",
		logx.String("task", taskName),
		logx.Int("count", len(created)),
		logx.Int("pending", q.pendingCountLocked()))
	return created
}

// findSlotLocked resolves candidate against all pending slots. On a
// conflict the candidate moves to conflictingSlot+MinSpacing and the scan
// restarts, since the move can collide with a different neighbor. After
// maxSlotRounds the action is appended after the latest pending slot.
func (q *Queue) findSlotLocked(candidate time.Time) time.Time {
	for round := 0; round < maxSlotRounds; round++ {
		conflict := false
		for _, a := range q.actions {
			if a.Status != StatusPending {
				continue
			}
			if absDuration(candidate.Sub(a.ScheduledAt)) < q.cfg.MinSpacing {
				candidate = a.ScheduledAt.Add(q.cfg.MinSpacing)
				conflict = true
				break
			}
		}
		if !conflict {
			return candidate
		}
	}

	// Tail fallback: strictly after every pending slot.
	tail := candidate
	for _, a := range q.actions {
		if a.Status == StatusPending && a.ScheduledAt.After(tail) {
			tail = a.ScheduledAt
		}
	}
	slot := tail.Add(q.cfg.MinSpacing)
	q.log.Warn("slot conflict cap hit; appending at queue tail",
		logx.Time("slot", slot))
	return slot
}

// Cancel removes all pending actions for a task. Running and completed
// records are untouched. Returns the number removed.
func (q *Queue) Cancel(taskName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	kept := q.actions[:0]
	for _, a := range q.actions {
		if a.Status == StatusPending && a.TaskName == taskName {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	q.actions = kept
	if removed > 0 {
		q.log.Info("task cancelled",
			logx.String("task", taskName), logx.Int("removed", removed))
	}
	return removed
}

// ClearAll removes every pending action regardless of task. Returns the
// number removed.
func (q *Queue) ClearAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	kept := q.actions[:0]
	for _, a := range q.actions {
		if a.Status == StatusPending {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	q.actions = kept
	if removed > 0 {
		q.log.Info("queue cleared", logx.Int("removed", removed))
	}
	return removed
}

// ClearCompleted drops success and failed records, keeping pending and
// running ones. Returns the number removed.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	kept := q.actions[:0]
	for _, a := range q.actions {
		if a.Status == StatusSuccess || a.Status == StatusFailed {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	q.actions = kept
	return removed
}

// Snapshot returns summaries ordered by scheduled time. Completed records
// are included only when includeCompleted is set.
func (q *Queue) Snapshot(includeCompleted bool) []Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Summary, 0, len(q.actions))
	for _, a := range q.actions {
		if !includeCompleted && (a.Status == StatusSuccess || a.Status == StatusFailed) {
			continue
		}
		out = append(out, a.summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}

// PendingCount returns the number of actions still waiting to run.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingCountLocked()
}

func (q *Queue) pendingCountLocked() int {
	n := 0
	for _, a := range q.actions {
		if a.Status == StatusPending {
			n++
		}
	}
	return n
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
