// Package dryrun provides a Sender that logs instead of delivering.
// It is the default transport while safety.dry_run is on, and doubles as
// the rehearsal backend for verifying schedules without sending anything.
package dryrun

import (
	"context"
	"sync"
	"time"

	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

type Sender struct {
	log   logx.Logger
	delay time.Duration

	mu   sync.Mutex
	sent []transport.Message
}

// New returns a dry-run sender. delay simulates per-send latency; 0 sends
// complete immediately.
func New(log logx.Logger, delay time.Duration) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log, delay: delay}
}

func (s *Sender) Name() string { return "dryrun" }

// Ready always reports every destination reachable.
func (s *Sender) Ready(ctx context.Context, destinations []string) ([]string, error) {
	return nil, nil
}

func (s *Sender) Send(ctx context.Context, msg transport.Message) error {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	s.log.Info("dry-run send",
		logx.String("destination", msg.Destination),
		logx.Int("text_len", len(msg.Text)),
		logx.String("attachment", msg.Attachment))
	return nil
}

// Sent returns a copy of everything delivered so far, so a rehearsal run
// can be inspected afterwards.
func (s *Sender) Sent() []transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Message, len(s.sent))
	copy(out, s.sent)
	return out
}
