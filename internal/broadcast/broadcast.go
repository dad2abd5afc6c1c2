// Package broadcast is the policy front door for mass sends. Every request
// passes the whitelist, the safety interlock, and a transport readiness
// probe before it can touch the limiter, the queue, or the wire.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"groupcast/internal/dedupe"
	"groupcast/internal/metrics"
	"groupcast/internal/ratelimit"
	"groupcast/internal/retry"
	"groupcast/internal/sendqueue"
	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

// Config is the broadcaster's policy knobs. Apply swaps it atomically on
// config reload.
type Config struct {
	// Whitelist is the only set of destinations sends may target. An empty
	// whitelist blocks everything.
	Whitelist []string
	// Armed and DryRun form the dual interlock: real sends require
	// Armed && !DryRun.
	Armed  bool
	DryRun bool
	// Window is the default random scheduling window for queued sends.
	Window time.Duration
	// PerMessageDelay is the fixed pause between destinations on the
	// immediate path.
	PerMessageDelay time.Duration
	// DedupeInterval is the per-destination cooldown for queued sends.
	DedupeInterval time.Duration
}

// Request is one broadcast call.
type Request struct {
	Destinations []string
	Text         string
	Attachment   string
	TaskName     string
	// Immediate bypasses the queue and sends inline, in order.
	Immediate bool
	// Window overrides Config.Window for this request; nil keeps the
	// default, a pointer to zero disables the random spread.
	Window *time.Duration
}

// Stats is the per-call outcome tally. On the queued path only Scheduled
// and Skipped are meaningful; Sent/Failed show up later in queue snapshots.
type Stats struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Scheduled int `json:"scheduled"`
}

type Broadcaster struct {
	mu  sync.RWMutex
	cfg Config

	limiter *ratelimit.Limiter
	deduper *dedupe.Deduper
	retrier *retry.Retrier
	queue   *sendqueue.Queue
	sender  transport.Sender
	met     *metrics.Metrics
	log     logx.Logger

	sleep func(ctx context.Context, d time.Duration) error // test seam
}

func New(cfg Config, limiter *ratelimit.Limiter, deduper *dedupe.Deduper,
	retrier *retry.Retrier, queue *sendqueue.Queue, sender transport.Sender,
	met *metrics.Metrics, log logx.Logger) *Broadcaster {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broadcaster{
		cfg:     cfg,
		limiter: limiter,
		deduper: deduper,
		retrier: retrier,
		queue:   queue,
		sender:  sender,
		met:     met,
		log:     log,
		sleep:   sleepCtx,
	}
}

// Apply installs new policy knobs. In-flight calls keep the snapshot they
// started with.
func (b *Broadcaster) Apply(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// SetSender swaps the transport, e.g. when dry_run toggles on reload.
func (b *Broadcaster) SetSender(s transport.Sender) {
	b.mu.Lock()
	b.sender = s
	b.mu.Unlock()
}

// SetRetrier swaps the retry policy on reload. In-flight sends keep the
// retrier they started with.
func (b *Broadcaster) SetRetrier(r *retry.Retrier) {
	b.mu.Lock()
	b.retrier = r
	b.mu.Unlock()
}

// Config returns the current policy snapshot.
func (b *Broadcaster) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Broadcast runs one send request through the gates and then either the
// immediate or the queued path.
//
// Gate order: whitelist (any violation aborts with *WhitelistError),
// safety interlock (ErrNotArmed), transport readiness (probe failure
// aborts with ErrNotReady; individually unreachable destinations only
// warn and stay in the batch).
func (b *Broadcaster) Broadcast(ctx context.Context, req Request) (Stats, error) {
	b.mu.RLock()
	cfg := b.cfg
	sender := b.sender
	retrier := b.retrier
	b.mu.RUnlock()

	if len(req.Destinations) == 0 {
		return Stats{}, nil
	}

	if bad := violations(cfg.Whitelist, req.Destinations); len(bad) > 0 {
		b.log.Warn("broadcast rejected: whitelist violation",
			logx.String("task", req.TaskName),
			logx.Any("destinations", bad))
		return Stats{}, &WhitelistError{Destinations: bad}
	}

	if !cfg.DryRun && !cfg.Armed {
		b.log.Warn("broadcast rejected: interlock engaged",
			logx.String("task", req.TaskName))
		return Stats{}, ErrNotArmed
	}

	missing, err := sender.Ready(ctx, req.Destinations)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %s: %v", ErrNotReady, sender.Name(), err)
	}
	if len(missing) > 0 {
		// Best effort: the unreachable ones stay in the batch and fail on
		// their own if the transport still cannot reach them.
		b.log.Warn("destinations not currently reachable",
			logx.String("transport", sender.Name()),
			logx.Any("destinations", missing))
	}

	if req.Immediate {
		b.met.ObserveBroadcast("immediate")
		return b.sendImmediate(ctx, cfg, sender, retrier, req)
	}
	b.met.ObserveBroadcast("queued")
	return b.enqueue(ctx, cfg, req)
}

// sendImmediate delivers to each destination inline: rate-limit admission,
// retry-wrapped send, cooldown mark on success only, then a fixed pause
// before the next destination.
func (b *Broadcaster) sendImmediate(ctx context.Context, cfg Config, sender transport.Sender, retrier *retry.Retrier, req Request) (Stats, error) {
	var stats Stats
	for i, dest := range req.Destinations {
		waited, err := b.limiter.Acquire(ctx)
		if err != nil {
			return stats, err
		}
		b.met.AddLimiterWait(waited.Seconds())

		msg := transport.Message{Destination: dest, Text: req.Text, Attachment: req.Attachment}
		err = retrier.Do(ctx, "send "+dest, func(ctx context.Context) error {
			return sender.Send(ctx, msg)
		})
		if err != nil {
			stats.Failed++
			b.met.ObserveSend("failed")
			b.log.Error("immediate send failed",
				logx.String("task", req.TaskName),
				logx.String("destination", dest),
				logx.Err(err))
		} else {
			stats.Sent++
			b.met.ObserveSend("success")
			if merr := b.deduper.MarkSent(ctx, dest); merr != nil {
				b.log.Warn("cooldown mark failed",
					logx.String("destination", dest), logx.Err(merr))
			}
			b.log.Info("immediate send ok",
				logx.String("task", req.TaskName),
				logx.String("destination", dest),
				logx.Duration("limiter_wait", waited))
		}

		if i < len(req.Destinations)-1 && cfg.PerMessageDelay > 0 {
			if err := b.sleep(ctx, cfg.PerMessageDelay); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

// enqueue filters destinations through the cooldown and hands the rest to
// the queue with the request's (or default) random window.
func (b *Broadcaster) enqueue(ctx context.Context, cfg Config, req Request) (Stats, error) {
	var stats Stats
	eligible := make([]string, 0, len(req.Destinations))
	for _, dest := range req.Destinations {
		ok, elapsed := b.deduper.ShouldSend(ctx, dest, cfg.DedupeInterval)
		if !ok {
			stats.Skipped++
			b.log.Info("destination in cooldown; skipped",
				logx.String("task", req.TaskName),
				logx.String("destination", dest),
				logx.Duration("elapsed", elapsed),
				logx.Duration("min_interval", cfg.DedupeInterval))
			continue
		}
		eligible = append(eligible, dest)
	}
	if len(eligible) == 0 {
		return stats, nil
	}

	window := cfg.Window
	if req.Window != nil {
		window = *req.Window
	}
	created := b.queue.Schedule(req.TaskName, eligible, req.Text, req.Attachment, window)
	stats.Scheduled = len(created)
	return stats, nil
}

// violations returns req destinations missing from the whitelist, in
// request order.
func violations(whitelist, destinations []string) []string {
	allowed := make(map[string]struct{}, len(whitelist))
	for _, w := range whitelist {
		allowed[w] = struct{}{}
	}
	var bad []string
	for _, d := range destinations {
		if _, ok := allowed[d]; !ok {
			bad = append(bad, d)
		}
	}
	return bad
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
