// Package app wires configuration, storage, policy components, transports,
// and surfaces into one runnable unit with ordered start/stop.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"groupcast/internal/broadcast"
	"groupcast/internal/config"
	"groupcast/internal/dedupe"
	"groupcast/internal/metrics"
	"groupcast/internal/ratelimit"
	"groupcast/internal/retry"
	"groupcast/internal/scheduler"
	"groupcast/internal/sendqueue"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	"groupcast/internal/transport/dryrun"
	"groupcast/internal/transport/telegram"
	"groupcast/internal/web"
	"groupcast/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logs   *logx.Service
	log    logx.Logger

	store   storage.Store
	limiter *ratelimit.Limiter
	deduper *dedupe.Deduper
	queue   *sendqueue.Queue
	caster  *broadcast.Broadcaster
	sched   *scheduler.Service
	web     *web.Server
	met     *metrics.Metrics

	mu      sync.Mutex
	sender  transport.Sender
	retrier *retry.Retrier

	webEnabled   bool
	schedEnabled bool

	cancelWatch context.CancelFunc
	wg          sync.WaitGroup
}

// New loads the config file and builds the full component graph. Nothing
// runs until Start.
func New(configPath string) (*App, error) {
	cfgMgr := config.NewManager(configPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, err := buildSettings(cfg)
	if err != nil {
		return nil, err
	}

	logs, rootLog := logx.New(st.logging)
	cfgMgr.SetLogger(rootLog.With(logx.String("comp", "config")))
	cfgMgr.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		_, err := buildSettings(cfg)
		return err
	})

	store, err := storage.Open(st.storage, rootLog.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgMgr:       cfgMgr,
		logs:         logs,
		log:          rootLog.With(logx.String("comp", "app")),
		store:        store,
		limiter:      ratelimit.New(st.maxPerMinute, rootLog.With(logx.String("comp", "ratelimit"))),
		deduper:      dedupe.New(store, rootLog.With(logx.String("comp", "dedupe"))),
		retrier:      retry.New(st.retry, rootLog.With(logx.String("comp", "retry"))),
		queue:        sendqueue.New(st.queue, rootLog.With(logx.String("comp", "queue"))),
		webEnabled:   st.webEnabled,
		schedEnabled: st.sched.Enabled,
	}

	sender, err := a.buildSender(cfg, st)
	if err != nil {
		store.Close()
		logs.Close()
		return nil, err
	}
	a.sender = sender

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.met = metrics.New(reg, a.queue.PendingCount)

	a.caster = broadcast.New(st.bcast, a.limiter, a.deduper, a.retrier,
		a.queue, sender, a.met, rootLog.With(logx.String("comp", "broadcast")))
	a.sched = scheduler.New(st.sched, a.caster.Broadcast,
		rootLog.With(logx.String("comp", "scheduler")))
	a.web = web.New(st.web, a.caster, a.queue, a.limiter, a.sched, reg,
		rootLog.With(logx.String("comp", "web")))

	a.queue.SetSendFunc(a.dispatchSend)
	return a, nil
}

// Log returns the root-derived app logger, for the binary's own messages.
func (a *App) Log() logx.Logger { return a.log }

// Start brings services up: dispatcher, scheduler, admin API, config watch.
func (a *App) Start(ctx context.Context) error {
	if err := a.queue.Start(ctx); err != nil {
		return err
	}
	if a.schedEnabled {
		a.sched.Start(ctx)
	}
	if a.webEnabled {
		if err := a.web.Start(ctx); err != nil {
			return err
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	a.cancelWatch = cancel
	updates := a.cfgMgr.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(wctx)
	}()
	go func() {
		defer a.wg.Done()
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-wctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	a.log.Info("started")
	return nil
}

// Stop shuts down in reverse order, bounded by ctx.
func (a *App) Stop(ctx context.Context) {
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	a.wg.Wait()

	if a.webEnabled {
		if err := a.web.Stop(ctx); err != nil {
			a.log.Warn("admin api stop", logx.Err(err))
		}
	}
	a.sched.Stop(ctx)
	if err := a.queue.Stop(ctx); err != nil {
		a.log.Warn("dispatcher stop", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("stopped")
	a.logs.Close()
}

// dispatchSend is the queue's delivery callback: rate-limit admission,
// retry-wrapped transport send, cooldown mark on success.
func (a *App) dispatchSend(ctx context.Context, destination, text, attachment string) error {
	waited, err := a.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	a.met.AddLimiterWait(waited.Seconds())

	a.mu.Lock()
	sender := a.sender
	retrier := a.retrier
	a.mu.Unlock()

	msg := transport.Message{Destination: destination, Text: text, Attachment: attachment}
	if err := retrier.Do(ctx, "send "+destination, func(ctx context.Context) error {
		return sender.Send(ctx, msg)
	}); err != nil {
		a.met.ObserveSend("failed")
		return err
	}
	a.met.ObserveSend("success")
	if err := a.deduper.MarkSent(ctx, destination); err != nil {
		a.log.Warn("cooldown mark failed",
			logx.String("destination", destination), logx.Err(err))
	}
	return nil
}

// applyConfig fans a validated reload out to the live components. Storage
// driver, web address, and the rate-limit cap stay fixed until restart.
func (a *App) applyConfig(cfg *config.Config) {
	st, err := buildSettings(cfg)
	if err != nil {
		// The watcher validates before publishing, so this is unexpected.
		a.log.Error("reload settings rejected", logx.Err(err))
		return
	}

	a.logs.Apply(st.logging)
	a.queue.Apply(st.queue)
	a.caster.Apply(st.bcast)
	a.sched.Apply(st.sched)

	retrier := retry.New(st.retry, a.log.With(logx.String("comp", "retry")))
	a.mu.Lock()
	a.retrier = retrier
	a.mu.Unlock()
	a.caster.SetRetrier(retrier)

	sender, err := a.buildSender(cfg, st)
	if err != nil {
		a.log.Warn("transport rebuild failed; keeping current sender", logx.Err(err))
	} else {
		a.mu.Lock()
		a.sender = sender
		a.mu.Unlock()
		a.caster.SetSender(sender)
	}

	if st.maxPerMinute != a.limiter.Max() {
		a.log.Warn("ratelimit.max_per_minute change requires restart",
			logx.Int("running", a.limiter.Max()), logx.Int("configured", st.maxPerMinute))
	}
	a.log.Info("config applied")
}

// buildSender picks the transport for the current safety state: dry_run
// always routes through the logging sender, an enabled telegram section
// gives a real channel, and with nothing configured sends stay local with
// a warning.
func (a *App) buildSender(cfg *config.Config, st settings) (transport.Sender, error) {
	log := a.log
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Safety.DryRun {
		return dryrun.New(log.With(logx.String("comp", "dryrun")), 0), nil
	}
	if cfg.Telegram != nil && cfg.Telegram.Enabled {
		return telegram.New(telegram.Config{
			Token:        cfg.Telegram.Token,
			Destinations: cfg.Telegram.Destinations,
		}, log.With(logx.String("comp", "telegram")))
	}
	log.Warn("no transport configured; sends will be logged only")
	return dryrun.New(log.With(logx.String("comp", "dryrun")), 0), nil
}

// settings is the parsed, validated form of config.Config.
type settings struct {
	logging      logx.Config
	storage      storage.Config
	queue        sendqueue.Config
	retry        retry.Policy
	bcast        broadcast.Config
	sched        scheduler.Config
	web          web.Config
	webEnabled   bool
	maxPerMinute int
}

func buildSettings(cfg *config.Config) (settings, error) {
	var st settings

	st.logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return st, err
	}
	st.storage = storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		Addr:        cfg.Storage.Addr,
		BusyTimeout: busy,
	}

	st.maxPerMinute = cfg.RateLimit.MaxPerMinute
	if st.maxPerMinute <= 0 {
		st.maxPerMinute = 10
	}

	minInterval, err := config.ParseDurationOrDefault("dedupe.min_interval", cfg.Dedupe.MinInterval, 60*time.Second)
	if err != nil {
		return st, err
	}

	minSpacing, err := config.ParseDurationOrDefault("queue.min_spacing", cfg.Queue.MinSpacing, 120*time.Second)
	if err != nil {
		return st, err
	}
	dispatchTick, err := config.ParseDurationOrDefault("queue.dispatch_tick", cfg.Queue.DispatchTick, time.Second)
	if err != nil {
		return st, err
	}
	st.queue = sendqueue.Config{MinSpacing: minSpacing, DispatchTick: dispatchTick}

	base, err := config.ParseDurationOrDefault("retry.base", cfg.Retry.Base, time.Second)
	if err != nil {
		return st, err
	}
	maxDelay, err := config.ParseDurationOrDefault("retry.max_delay", cfg.Retry.MaxDelay, 30*time.Second)
	if err != nil {
		return st, err
	}
	jitter := cfg.Retry.Jitter
	if jitter == 0 {
		jitter = 0.5
	}
	if jitter < 0 || jitter > 1 {
		return st, fmt.Errorf("retry.jitter: must be in [0,1]")
	}
	st.retry = retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   base,
		MaxDelay:    maxDelay,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      jitter,
	}

	window, err := config.ParseDurationOrDefault("broadcast.window", cfg.Broadcast.Window, 30*time.Minute)
	if err != nil {
		return st, err
	}
	perMsg, err := config.ParseDurationOrDefault("broadcast.per_message_delay", cfg.Broadcast.PerMessageDelay, 2*time.Second)
	if err != nil {
		return st, err
	}
	st.bcast = broadcast.Config{
		Whitelist:       cfg.Broadcast.Whitelist,
		Armed:           cfg.Safety.Armed,
		DryRun:          cfg.Safety.DryRun,
		Window:          window,
		PerMessageDelay: perMsg,
		DedupeInterval:  minInterval,
	}

	st.sched, err = buildSchedulerConfig(cfg)
	if err != nil {
		return st, err
	}

	st.webEnabled = cfg.Web.Enabled
	st.web = web.Config{Addr: cfg.Web.Addr, RatePerSec: cfg.Web.RatePerSec}

	if cfg.Telegram != nil && cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		return st, fmt.Errorf("telegram.token: required when telegram.enabled")
	}
	return st, nil
}

func buildSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	out := scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}
	seen := map[string]bool{}
	for i, tc := range cfg.Scheduler.Tasks {
		path := fmt.Sprintf("scheduler.tasks[%d]", i)
		if tc.Name == "" {
			return out, fmt.Errorf("%s.name: required", path)
		}
		if seen[tc.Name] {
			return out, fmt.Errorf("%s.name: duplicate task %q", path, tc.Name)
		}
		seen[tc.Name] = true
		if !tc.IsEnabled() {
			continue
		}
		if len(tc.Destinations) == 0 {
			return out, fmt.Errorf("%s.destinations: required", path)
		}
		if _, err := scheduler.NormalizeSchedule(tc.Schedule); err != nil {
			return out, fmt.Errorf("%s.schedule: %w", path, err)
		}

		task := scheduler.Task{
			Name:         tc.Name,
			Schedule:     tc.Schedule,
			Destinations: tc.Destinations,
			Text:         tc.Text,
			Attachment:   tc.Attachment,
			Immediate:    tc.Immediate,
		}
		if tc.Window != "" {
			d, err := config.ParseDurationField(path+".window", tc.Window)
			if err != nil {
				return out, err
			}
			task.Window = &d
		}
		out.Tasks = append(out.Tasks, task)
	}
	return out, nil
}
