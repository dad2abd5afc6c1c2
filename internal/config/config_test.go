package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{
		"safety": {"armed": true, "dry_run": false},
		"ratelimit": {"max_per_minute": 5},
		"broadcast": {"whitelist": ["ops", "family"], "window": "15m"}
	}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Safety.Armed || cfg.Safety.DryRun {
		t.Fatalf("safety = %+v, want armed && !dry_run", cfg.Safety)
	}
	if cfg.RateLimit.MaxPerMinute != 5 {
		t.Fatalf("max_per_minute = %d, want 5", cfg.RateLimit.MaxPerMinute)
	}
	if len(cfg.Broadcast.Whitelist) != 2 {
		t.Fatalf("whitelist = %v", cfg.Broadcast.Whitelist)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.yaml", `
safety:
  armed: false
  dry_run: true
queue:
  min_spacing: 120s
scheduler:
  enabled: true
  tasks:
    - name: evening
      schedule: "daily 20:00"
      destinations: [ops]
      text: "status {ts}"
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.MinSpacing != "120s" {
		t.Fatalf("min_spacing = %q", cfg.Queue.MinSpacing)
	}
	if len(cfg.Scheduler.Tasks) != 1 || cfg.Scheduler.Tasks[0].Schedule != "daily 20:00" {
		t.Fatalf("tasks = %+v", cfg.Scheduler.Tasks)
	}
	if !cfg.Scheduler.Tasks[0].IsEnabled() {
		t.Fatal("omitted enabled should default to true")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{"no_such_section": {}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{"safety": {"armed": false, "dry_run": true}} {}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("queue.min_spacing", "90s")
	if err != nil {
		t.Fatalf("ParseDurationField: %v", err)
	}
	if d != 90*time.Second {
		t.Fatalf("d = %v, want 90s", d)
	}

	if _, err := ParseDurationField("queue.min_spacing", "ninety"); err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if _, err := ParseDurationField("queue.min_spacing", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}

	d, err = ParseDurationOrDefault("dedupe.min_interval", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("default = %v (%v), want 1m", d, err)
	}
}
