// Package scheduler fires recurring broadcast tasks from cron schedules.
// It only triggers; all policy (whitelist, interlock, cooldown, pacing)
// stays in the broadcaster it calls into.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"groupcast/internal/broadcast"
	"groupcast/pkg/logx"
)

// historySize bounds the in-memory execution log ring.
const historySize = 100

// runTimeout bounds a single task execution, queue handoff included.
const runTimeout = 10 * time.Minute

// Task is one recurring broadcast definition.
type Task struct {
	Name         string
	Schedule     string
	Destinations []string
	Text         string
	Attachment   string
	Window       *time.Duration // nil: broadcaster default
	Immediate    bool
}

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means local time
	Tasks    []Task
}

// BroadcastFunc is the execution callback; the service never imports the
// wiring above it.
type BroadcastFunc func(ctx context.Context, req broadcast.Request) (broadcast.Stats, error)

// ExecutionLog is one completed task run.
type ExecutionLog struct {
	RunID      string          `json:"run_id"`
	Task       string          `json:"task"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Stats      broadcast.Stats `json:"stats"`
	Error      string          `json:"error,omitempty"`
}

// EntryStatus is the live view of one registered schedule.
type EntryStatus struct {
	Task     string    `json:"task"`
	Schedule string    `json:"schedule"` // normalized cron spec
	NextRun  time.Time `json:"next_run"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	run    BroadcastFunc
	log    logx.Logger
	parser cron.Parser

	c       *cron.Cron
	loc     *time.Location
	entries map[string]cron.EntryID // task name -> entry
	specs   map[string]string       // task name -> normalized spec

	history []ExecutionLog // ring, newest last
	baseCtx context.Context
}

func New(cfg Config, run BroadcastFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		run: run,
		log: log,
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]cron.EntryID{},
		specs:   map[string]string{},
	}
}

// Start registers all enabled tasks and begins triggering. Tasks with bad
// schedules are logged and skipped; one broken definition never blocks the
// rest.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Debug("scheduler disabled")
		return
	}
	s.baseCtx = ctx

	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.registerTasksLocked()
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Int("tasks", len(s.entries)))
}

// Stop halts triggering and waits for in-flight runs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entries = map[string]cron.EntryID{}
	s.specs = map[string]string{}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; runs may still be draining")
	}
}

// Apply swaps the task set on a live service. The cron instance is rebuilt
// so removed tasks stop firing and timezone changes take effect.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.c != nil
	s.cfg = cfg
	if !running {
		return
	}

	old := s.c
	s.c = nil
	s.entries = map[string]cron.EntryID{}
	s.specs = map[string]string{}
	go old.Stop()

	if !cfg.Enabled {
		s.log.Info("scheduler disabled by config reload")
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.registerTasksLocked()
	s.c.Start()
	s.log.Info("scheduler reloaded", logx.Int("tasks", len(s.entries)))
}

func (s *Service) registerTasksLocked() {
	for _, task := range s.cfg.Tasks {
		task := task
		spec, err := NormalizeSchedule(task.Schedule)
		if err != nil {
			s.log.Error("task schedule rejected",
				logx.String("task", task.Name), logx.Err(err))
			continue
		}
		id, err := s.c.AddFunc(spec, func() { s.fire(task) })
		if err != nil {
			s.log.Error("task registration failed",
				logx.String("task", task.Name),
				logx.String("spec", spec), logx.Err(err))
			continue
		}
		s.entries[task.Name] = id
		s.specs[task.Name] = spec
		s.log.Info("task registered",
			logx.String("task", task.Name), logx.String("spec", spec))
	}
}

// fire runs one task execution and appends the outcome to the history ring.
func (s *Service) fire(task Task) {
	s.mu.Lock()
	base := s.baseCtx
	loc := s.loc
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if loc == nil {
		loc = time.Local
	}

	runID := uuid.NewString()
	started := time.Now().In(loc)
	log := s.log.With(
		logx.String("task", task.Name), logx.String("run_id", runID))
	log.Info("task fired")

	ctx, cancel := context.WithTimeout(base, runTimeout)
	defer cancel()

	stats, err := s.run(ctx, broadcast.Request{
		Destinations: task.Destinations,
		Text:         expandText(task.Text, started),
		Attachment:   task.Attachment,
		TaskName:     task.Name,
		Immediate:    task.Immediate,
		Window:       task.Window,
	})

	rec := ExecutionLog{
		RunID:      runID,
		Task:       task.Name,
		StartedAt:  started,
		FinishedAt: time.Now().In(loc),
		Stats:      stats,
	}
	if err != nil {
		rec.Error = err.Error()
		log.Error("task run failed", logx.Err(err))
	} else {
		log.Info("task run finished",
			logx.Int("sent", stats.Sent),
			logx.Int("scheduled", stats.Scheduled),
			logx.Int("skipped", stats.Skipped),
			logx.Int("failed", stats.Failed))
	}

	s.mu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.mu.Unlock()
}

// History returns a copy of the execution log, newest last.
func (s *Service) History() []ExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecutionLog, len(s.history))
	copy(out, s.history)
	return out
}

// Entries returns the registered schedules with their next fire times.
func (s *Service) Entries() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	out := make([]EntryStatus, 0, len(s.entries))
	for name, id := range s.entries {
		e := s.c.Entry(id)
		out = append(out, EntryStatus{
			Task:     name,
			Schedule: s.specs[name],
			NextRun:  e.Next,
		})
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local",
			logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
