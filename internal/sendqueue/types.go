package sendqueue

import (
	"context"
	"time"
)

// Status is the forward-only state of a queued action:
// pending -> running -> success | failed. Records are never reused or
// requeued; retries happen inside the injected send function.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// SendFunc performs the actual delivery for one destination.
// A nil return marks the action success; an error marks it failed with the
// error text captured as the action message.
type SendFunc func(ctx context.Context, destination, text, attachment string) error

// Action is one scheduled unit of work. The queue owns its records; callers
// only ever see copies.
type Action struct {
	ID          string
	ScheduledAt time.Time
	TaskName    string
	Destination string
	Text        string
	Attachment  string
	Status      Status
	Message     string
	CreatedAt   time.Time
	ExecutedAt  time.Time

	// seq is the enqueue order, used to break scheduling ties.
	seq uint64
}

// previewLen caps the text shown in snapshots.
const previewLen = 50

// Summary is the read-only snapshot form of an Action.
type Summary struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	TaskName    string    `json:"task_name"`
	Destination string    `json:"destination"`
	Text        string    `json:"text"` // truncated preview
	Attachment  string    `json:"attachment,omitempty"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExecutedAt  time.Time `json:"executed_at,omitzero"`
}

func (a *Action) summary() Summary {
	text := a.Text
	if runes := []rune(text); len(runes) > previewLen {
		text = string(runes[:previewLen]) + "..."
	}
	return Summary{
		ID:          a.ID,
		ScheduledAt: a.ScheduledAt,
		TaskName:    a.TaskName,
		Destination: a.Destination,
		Text:        text,
		Attachment:  a.Attachment,
		Status:      a.Status,
		Message:     a.Message,
		CreatedAt:   a.CreatedAt,
		ExecutedAt:  a.ExecutedAt,
	}
}

// Config controls queue scheduling and dispatch.
type Config struct {
	// MinSpacing is the minimum gap between any two queued send slots
	// (global, not per-destination). Default 2m.
	MinSpacing time.Duration
	// DispatchTick is how long the dispatcher sleeps when nothing is due.
	// Default 1s.
	DispatchTick time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinSpacing <= 0 {
		c.MinSpacing = 2 * time.Minute
	}
	if c.DispatchTick <= 0 {
		c.DispatchTick = time.Second
	}
	return c
}
