package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
queue:
  batch_size: 4
  concurrent: 2
  process_timeout: 30s
  cancel_if_running: false
storage:
  driver: sqlite
  path: ./batchq.db
  busy_timeout: 5s
trigger:
  enabled: true
  timezone: UTC
schedules:
  - name: backup
    schedule: "0 3 * * *"
    command: ./backup.sh
    timeout: 10m
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "batchq.yaml", sampleYAML)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Queue.BatchSize != 4 || cfg.Queue.Concurrent != 2 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Queue.CancelIfRunning == nil || *cfg.Queue.CancelIfRunning {
		t.Fatalf("cancel_if_running = %v, want explicit false", cfg.Queue.CancelIfRunning)
	}
	if cfg.Queue.AutoResume != nil {
		t.Fatal("auto_resume should stay unset")
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Command != "./backup.sh" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{name: "unknown yaml key", file: "a.yaml", body: "queue:\n  workers: 3\n", want: "unknown field"},
		{name: "unknown json key", file: "b.json", body: `{"telegram": {}}`, want: "unknown field"},
		{name: "trailing json", file: "c.json", body: `{} {}`, want: "trailing data"},
		{name: "bad duration", file: "d.json", body: `{"queue": {"idle_timeout": "soon"}}`, want: "queue.idle_timeout"},
		{name: "duplicate schedule", file: "e.json", body: `{"schedules": [
			{"name": "x", "schedule": "5m", "command": "true"},
			{"name": "x", "schedule": "5m", "command": "true"}]}`, want: "duplicate name"},
		{name: "bad schedule timeout", file: "g.json", body: `{"schedules": [
			{"name": "nightly", "schedule": "5m", "command": "true", "timeout": "-1s"}]}`, want: "schedules.nightly.timeout"},
		{name: "yaml list at top level", file: "h.yaml", body: "- a\n- b\n", want: "top level must be a mapping"},
		{name: "schedule without command", file: "f.json", body: `{"schedules": [{"name": "x", "schedule": "5m"}]}`, want: "command or argv required"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfigManager(writeFile(t, dir, tt.file, tt.body)).Parse()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		data string
		want string
	}{
		{"batchq.json", "queue: {}", FormatJSON},
		{"batchq.YML", `{"queue": {}}`, FormatYAML},
		{"/etc/batchq/config", "  {\"queue\": {}}", FormatJSON},
		{"/etc/batchq/config", "queue:\n  concurrent: 2\n", FormatYAML},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.path, []byte(tt.data)); got != tt.want {
			t.Fatalf("DetectFormat(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestParseEmptyYAMLUsesDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "batchq.yaml", "# nothing configured yet\n")
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Storage != nil || len(cfg.Schedules) != 0 || cfg.Queue.BatchSize != 0 {
		t.Fatalf("cfg = %+v, want zero config", cfg)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should fail")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging:   LoggingConfig{Level: "info"},
		Schedules: []ScheduleConfig{{Name: "a", Schedule: "5m", Command: "true"}, {Name: "b", Schedule: "1h", Command: "true"}},
	}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		Storage:   &StorageConfig{Driver: "file", Path: "./q"},
		Schedules: []ScheduleConfig{{Name: "a", Schedule: "10m", Command: "true"}, {Name: "c", Schedule: "1h", Command: "true"}},
	}
	changed, attrs, scheds := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(changed, ","); got != "logging,schedules,storage" {
		t.Fatalf("changed = %s", got)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := strings.Join(scheds, ","); got != "a,b,c" {
		t.Fatalf("schedules changed = %s", got)
	}

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "batchq.json", `{"queue": {"concurrent": 1}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if ok, err := m.Reload(ctx); err != nil || ok {
		t.Fatalf("unchanged Reload = %v, %v; want false, nil", ok, err)
	}

	writeFile(t, dir, "batchq.json", `{"queue": {"concurrent": 3}}`)
	if ok, err := m.Reload(ctx); err != nil || !ok {
		t.Fatalf("Reload = %v, %v; want true, nil", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Queue.Concurrent != 3 {
			t.Fatalf("published concurrent = %d", cfg.Queue.Concurrent)
		}
	default:
		t.Fatal("expected a published config")
	}

	m.SetValidator(func(context.Context, *Config) error { return os.ErrInvalid })
	writeFile(t, dir, "batchq.json", `{"queue": {"concurrent": 5}}`)
	if ok, err := m.Reload(ctx); err == nil || ok {
		t.Fatalf("rejected Reload = %v, %v", ok, err)
	}
	if m.Get().Queue.Concurrent != 3 {
		t.Fatal("rejected config must not be committed")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "batchq.yaml", "queue:\n  concurrent: 1\n")
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Queue.Concurrent == 7 {
				return
			}
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			writeFile(t, dir, "batchq.yaml", "queue:\n  concurrent: 7\n")
		case <-deadline:
			t.Fatal("watch never published the new config")
		}
	}
}
