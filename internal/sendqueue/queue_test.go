package sendqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"groupcast/pkg/logx"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *time.Time) {
	t.Helper()
	q := New(cfg, logx.Nop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestScheduleZeroWindowSpacesEvenly(t *testing.T) {
	t.Parallel()
	q, now := newTestQueue(t, Config{MinSpacing: 2 * time.Minute})

	created := q.Schedule("morning", []string{"G1", "G2", "G3"}, "hello", "", 0)
	if len(created) != 3 {
		t.Fatalf("created %d actions, want 3", len(created))
	}
	want := []time.Time{
		*now,
		now.Add(2 * time.Minute),
		now.Add(4 * time.Minute),
	}
	for i, a := range created {
		if !a.ScheduledAt.Equal(want[i]) {
			t.Fatalf("action %d scheduled at %v, want %v", i, a.ScheduledAt, want[i])
		}
		if a.Status != StatusPending {
			t.Fatalf("action %d status = %q, want pending", i, a.Status)
		}
	}
}

func TestSchedulePairwiseSpacing(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MinSpacing: 90 * time.Second})

	// Two batches into a shared window force plenty of collisions.
	q.Schedule("a", []string{"G1", "G2", "G3", "G4"}, "x", "", 10*time.Minute)
	q.Schedule("b", []string{"G5", "G6", "G7", "G8"}, "y", "", 10*time.Minute)

	snap := q.Snapshot(false)
	if len(snap) != 8 {
		t.Fatalf("snapshot has %d actions, want 8", len(snap))
	}
	for i := 0; i < len(snap); i++ {
		for j := i + 1; j < len(snap); j++ {
			gap := snap[j].ScheduledAt.Sub(snap[i].ScheduledAt)
			if gap < 0 {
				gap = -gap
			}
			if gap < 90*time.Second {
				t.Fatalf("actions %s and %s only %v apart", snap[i].ID, snap[j].ID, gap)
			}
		}
	}
}

func TestScheduleIDsUnique(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MinSpacing: time.Second})

	created := q.Schedule("t", []string{"G1", "G2", "G3"}, "x", "", 0)
	seen := map[string]bool{}
	for _, a := range created {
		if seen[a.ID] {
			t.Fatalf("duplicate action id %q", a.ID)
		}
		seen[a.ID] = true
		if !strings.HasPrefix(a.ID, "t_") {
			t.Fatalf("id %q missing task prefix", a.ID)
		}
	}
}

func TestCancelRemovesOnlyPendingForTask(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MinSpacing: time.Minute})

	q.Schedule("keep", []string{"G1"}, "x", "", 0)
	q.Schedule("drop", []string{"G2", "G3"}, "x", "", 0)

	if n := q.Cancel("drop"); n != 2 {
		t.Fatalf("Cancel removed %d, want 2", n)
	}
	if n := q.Cancel("drop"); n != 0 {
		t.Fatalf("second Cancel removed %d, want 0", n)
	}
	if n := q.PendingCount(); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

func TestClearAllKeepsNonPending(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MinSpacing: time.Minute})

	q.Schedule("t", []string{"G1", "G2"}, "x", "", 0)
	// Simulate a completed record alongside the pending ones.
	q.mu.Lock()
	q.actions[0].Status = StatusSuccess
	q.mu.Unlock()

	if n := q.ClearAll(); n != 1 {
		t.Fatalf("ClearAll removed %d, want 1", n)
	}
	snap := q.Snapshot(true)
	if len(snap) != 1 || snap[0].Status != StatusSuccess {
		t.Fatalf("snapshot = %+v, want only the completed record", snap)
	}
}

func TestClearCompleted(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MinSpacing: time.Minute})

	q.Schedule("t", []string{"G1", "G2", "G3"}, "x", "", 0)
	q.mu.Lock()
	q.actions[0].Status = StatusSuccess
	q.actions[1].Status = StatusFailed
	q.mu.Unlock()

	if n := q.ClearCompleted(); n != 2 {
		t.Fatalf("ClearCompleted removed %d, want 2", n)
	}
	if n := q.ClearCompleted(); n != 0 {
		t.Fatalf("second ClearCompleted removed %d, want 0", n)
	}
	if n := q.PendingCount(); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

func TestSnapshotTruncatesText(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MinSpacing: time.Minute})

	long := strings.Repeat("a", 80)
	q.Schedule("t", []string{"G1"}, long, "", 0)

	snap := q.Snapshot(false)
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d actions, want 1", len(snap))
	}
	if want := strings.Repeat("a", 50) + "..."; snap[0].Text != want {
		t.Fatalf("preview = %q, want %q", snap[0].Text, want)
	}
}

func TestSnapshotFiltersCompleted(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MinSpacing: time.Minute})

	q.Schedule("t", []string{"G1", "G2"}, "x", "", 0)
	q.mu.Lock()
	q.actions[0].Status = StatusFailed
	q.mu.Unlock()

	if got := len(q.Snapshot(false)); got != 1 {
		t.Fatalf("active snapshot has %d actions, want 1", got)
	}
	if got := len(q.Snapshot(true)); got != 2 {
		t.Fatalf("full snapshot has %d actions, want 2", got)
	}
}

func TestConflictCapFallsBackToTail(t *testing.T) {
	t.Parallel()
	q, now := newTestQueue(t, Config{MinSpacing: time.Minute})

	// More collisions than the adjustment cap allows.
	dests := make([]string, maxSlotRounds+20)
	for i := range dests {
		dests[i] = "G"
	}
	created := q.Schedule("dense", dests, "x", "", 0)

	for i := 1; i < len(created); i++ {
		gap := created[i].ScheduledAt.Sub(created[i-1].ScheduledAt)
		if gap < time.Minute {
			t.Fatalf("actions %d and %d only %v apart", i-1, i, gap)
		}
	}
	if created[0].ScheduledAt.Before(*now) {
		t.Fatal("first slot scheduled in the past")
	}
}

func TestDispatcherExecutesInOrder(t *testing.T) {
	t.Parallel()
	q := New(Config{MinSpacing: 10 * time.Millisecond, DispatchTick: 5 * time.Millisecond}, logx.Nop())

	var mu sync.Mutex
	var sent []string
	done := make(chan struct{})
	q.SetSendFunc(func(ctx context.Context, dest, text, attachment string) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, dest)
		if len(sent) == 3 {
			close(done)
		}
		return nil
	})

	q.Schedule("t", []string{"G1", "G2", "G3"}, "hello", "", 0)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not drain the queue")
	}

	mu.Lock()
	got := append([]string(nil), sent...)
	mu.Unlock()
	if want := []string{"G1", "G2", "G3"}; !equalStrings(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}

	// Terminal state recorded for every action.
	for _, s := range q.Snapshot(true) {
		if s.Status != StatusSuccess {
			t.Fatalf("action %s status = %q, want success", s.ID, s.Status)
		}
		if s.ExecutedAt.IsZero() {
			t.Fatalf("action %s has no executed_at", s.ID)
		}
	}
}

func TestDispatcherRecordsFailures(t *testing.T) {
	t.Parallel()
	q := New(Config{MinSpacing: time.Millisecond, DispatchTick: 5 * time.Millisecond}, logx.Nop())

	boom := errors.New("wire cut")
	done := make(chan struct{})
	q.SetSendFunc(func(ctx context.Context, dest, text, attachment string) error {
		defer close(done)
		return boom
	})

	q.Schedule("t", []string{"G1"}, "x", "", 0)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop(context.Background())

	<-done
	waitFor(t, func() bool {
		snap := q.Snapshot(true)
		return len(snap) == 1 && snap[0].Status == StatusFailed
	})
	snap := q.Snapshot(true)
	if snap[0].Message != boom.Error() {
		t.Fatalf("message = %q, want %q", snap[0].Message, boom.Error())
	}
}

func TestDispatcherSurvivesPanic(t *testing.T) {
	t.Parallel()
	q := New(Config{MinSpacing: time.Millisecond, DispatchTick: 5 * time.Millisecond}, logx.Nop())

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	q.SetSendFunc(func(ctx context.Context, dest, text, attachment string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			panic("send exploded")
		}
		if calls == 2 {
			close(done)
		}
		return nil
	})

	q.Schedule("t", []string{"G1", "G2"}, "x", "", 0)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not survive the panic")
	}

	waitFor(t, func() bool {
		snap := q.Snapshot(true)
		if len(snap) != 2 {
			return false
		}
		return snap[0].Status == StatusFailed && snap[1].Status == StatusSuccess
	})
	snap := q.Snapshot(true)
	if !strings.Contains(snap[0].Message, "panic") {
		t.Fatalf("message = %q, want panic note", snap[0].Message)
	}
}

func TestDispatcherFailsWithoutSendFunc(t *testing.T) {
	t.Parallel()
	q := New(Config{MinSpacing: time.Millisecond, DispatchTick: 5 * time.Millisecond}, logx.Nop())

	q.Schedule("t", []string{"G1"}, "x", "", 0)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop(context.Background())

	waitFor(t, func() bool {
		snap := q.Snapshot(true)
		return len(snap) == 1 && snap[0].Status == StatusFailed
	})
	snap := q.Snapshot(true)
	if !strings.Contains(snap[0].Message, "send function") {
		t.Fatalf("message = %q, want configuration error", snap[0].Message)
	}
}

func TestStartTwiceAndStopIdempotent(t *testing.T) {
	t.Parallel()
	q := New(Config{DispatchTick: 5 * time.Millisecond}, logx.Nop())

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := q.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	// Restart works after a clean stop.
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("final Stop: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
