package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupcast/pkg/logx"
)

// ErrAlreadyRunning is returned by Start when the dispatcher is active.
var ErrAlreadyRunning = errors.New("sendqueue: dispatcher already running")

// Start launches the dispatcher goroutine. There is exactly one; actions
// execute sequentially in due order no matter how they were enqueued.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return ErrAlreadyRunning
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.wg.Add(1)
	go q.loop(ctx, q.stopCh)
	q.log.Info("dispatcher started",
		logx.Duration("tick", q.cfg.DispatchTick))
	return nil
}

// Stop signals the dispatcher and waits for it to exit. An action already
// executing finishes first; ctx bounds how long Stop waits for that.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		a := q.claimNext()
		if a == nil {
			t := time.NewTimer(q.tick())
			select {
			case <-stopCh:
				t.Stop()
				return
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		q.execute(ctx, a)
	}
}

func (q *Queue) tick() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.DispatchTick
}

// claimNext marks the earliest due pending action running and returns it,
// or nil when nothing is due yet.
func (q *Queue) claimNext() *Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next *Action
	for _, a := range q.actions {
		if a.Status != StatusPending || a.ScheduledAt.After(now) {
			continue
		}
		if next == nil ||
			a.ScheduledAt.Before(next.ScheduledAt) ||
			(a.ScheduledAt.Equal(next.ScheduledAt) && a.seq < next.seq) {
			next = a
		}
	}
	if next != nil {
		next.Status = StatusRunning
	}
	return next
}

// execute runs the send callback outside the queue lock and records the
// terminal state. A panic in the callback is contained here so one broken
// send cannot take the dispatcher down.
func (q *Queue) execute(ctx context.Context, a *Action) {
	q.mu.Lock()
	send := q.send
	q.mu.Unlock()

	var err error
	if send == nil {
		err = errors.New("no send function configured")
	} else {
		err = func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("send panicked: %v", r)
				}
			}()
			return send(ctx, a.Destination, a.Text, a.Attachment)
		}()
	}

	q.mu.Lock()
	a.ExecutedAt = q.now()
	if err != nil {
		a.Status = StatusFailed
		a.Message = err.Error()
	} else {
		a.Status = StatusSuccess
	}
	q.mu.Unlock()

	if err != nil {
		q.log.Error("action failed",
			logx.String("id", a.ID),
			logx.String("destination", a.Destination),
			logx.Err(err))
		return
	}
	q.log.Info("action sent",
		logx.String("id", a.ID),
		logx.String("destination", a.Destination))
}
