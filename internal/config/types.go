package config

// Config is the full on-disk configuration.
//
// The file may be JSON or YAML (by extension); both are decoded strictly,
// so unknown keys are rejected. All duration fields are Go duration strings
// (e.g. "500ms", "10s", "2m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Safety    SafetyConfig    `json:"safety"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Dedupe    DedupeConfig    `json:"dedupe"`
	Queue     QueueConfig     `json:"queue"`
	Retry     RetryConfig     `json:"retry"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Web       WebConfig       `json:"web"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the last-sent persistence layer.
//
// Driver values: "sqlite" (default), "file", "redis", "memory".
// Path is used by sqlite/file; Addr by redis.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	Addr        string `json:"addr,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SafetyConfig is the dual-flag interlock against accidental mass sends.
// Real sends require dry_run=false AND armed=true.
type SafetyConfig struct {
	Armed  bool `json:"armed"`
	DryRun bool `json:"dry_run"`
}

type RateLimitConfig struct {
	// MaxPerMinute caps sends admitted per sliding 60s window. Default 10.
	MaxPerMinute int `json:"max_per_minute,omitempty"`
}

type DedupeConfig struct {
	// MinInterval is the per-destination cooldown. Default "60s".
	MinInterval string `json:"min_interval,omitempty"`
}

type QueueConfig struct {
	// MinSpacing is the minimum gap between any two queued send slots.
	// Default "120s".
	MinSpacing string `json:"min_spacing,omitempty"`
	// DispatchTick is the idle rescan interval of the dispatcher. Default "1s".
	DispatchTick string `json:"dispatch_tick,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"` // default 3
	Base        string  `json:"base,omitempty"`         // default "1s"
	MaxDelay    string  `json:"max_delay,omitempty"`    // default "30s"
	Multiplier  float64 `json:"multiplier,omitempty"`   // default 2.0
	Jitter      float64 `json:"jitter,omitempty"`       // default 0.5
}

type BroadcastConfig struct {
	// Whitelist is the set of destinations allowed to receive sends.
	Whitelist []string `json:"whitelist"`
	// Window is the default random scheduling window. Default "30m".
	Window string `json:"window,omitempty"`
	// PerMessageDelay is the fixed gap between destinations on the
	// immediate path. Default "2s".
	PerMessageDelay string `json:"per_message_delay,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool         `json:"enabled"`
	Timezone string       `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Shanghai"
	Tasks    []TaskConfig `json:"tasks,omitempty"`
}

// TaskConfig is one recurring broadcast.
//
// Schedule accepts a 5-field cron expression, "@every 2h" style specs,
// or the simplified forms "daily HH:MM", "weekly D HH:MM" (0=Sunday),
// "monthly D HH:MM".
//
// Enabled is a pointer so an omitted field defaults to true.
type TaskConfig struct {
	Name         string   `json:"name"`
	Schedule     string   `json:"schedule"`
	Destinations []string `json:"destinations"`
	Text         string   `json:"text"`
	Attachment   string   `json:"attachment,omitempty"`
	Window       string   `json:"window,omitempty"` // overrides broadcast.window
	Immediate    bool     `json:"immediate,omitempty"`
	Enabled      *bool    `json:"enabled,omitempty"`
}

func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

type WebConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr,omitempty"`         // default "127.0.0.1:8080"
	RatePerSec int    `json:"rate_per_sec,omitempty"` // mutating-route throttle, default 5
}

// TelegramConfig configures the optional Telegram sender.
// Destinations maps whitelist names to chat IDs.
type TelegramConfig struct {
	Enabled      bool             `json:"enabled"`
	Token        string           `json:"token"`
	Destinations map[string]int64 `json:"destinations,omitempty"`
}
