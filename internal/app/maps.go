package app

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"batchq/internal/config"
	"batchq/internal/observability/pprof"
	"batchq/internal/queue"
	"batchq/internal/shell"
	"batchq/internal/store"
	"batchq/internal/trigger"
	logx "batchq/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	d := cfg.Debug
	return pprof.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
	}
}

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return store.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		driver = "memory"
	}
	if driver == "sqlite3" {
		driver = "sqlite"
	}
	if !slices.Contains(store.Drivers(), driver) {
		return store.Config{}, fmt.Errorf("unknown storage.driver: %s (have %s)", sc.Driver, strings.Join(store.Drivers(), ", "))
	}
	path := strings.TrimSpace(sc.Path)
	if driver != "memory" && path == "" {
		return store.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Driver: driver, Path: path, BusyTimeout: busy, Sync: sc.Sync}, nil
}

// mapQueueOptions fills everything except Process, Store, Logger and Bus.
func mapQueueOptions(cfg *config.Config) (queue.Options[shell.Command], error) {
	q := cfg.Queue
	delay, err := config.ParseDurationField("queue.process_delay", q.ProcessDelay)
	if err != nil {
		return queue.Options[shell.Command]{}, err
	}
	timeout, err := config.ParseDurationField("queue.process_timeout", q.ProcessTimeout)
	if err != nil {
		return queue.Options[shell.Command]{}, err
	}
	idle, err := config.ParseDurationField("queue.idle_timeout", q.IdleTimeout)
	if err != nil {
		return queue.Options[shell.Command]{}, err
	}
	return queue.Options[shell.Command]{
		Filter:          shell.Filter,
		CancelIfRunning: q.CancelIfRunning,
		AutoResume:      q.AutoResume,
		Filo:            q.Filo,
		BatchSize:       q.BatchSize,
		Concurrent:      q.Concurrent,
		ProcessDelay:    delay,
		ProcessTimeout:  timeout,
		IdleTimeout:     idle,
		MaxRetries:      q.MaxRetries,
		RateLimit:       q.RateLimit,
		RateBurst:       q.RateBurst,
	}, nil
}

func mapShellConfig(cfg *config.Config) (shell.Config, error) {
	grace, err := config.ParseDurationField("shell.kill_grace", cfg.Shell.KillGrace)
	if err != nil {
		return shell.Config{}, err
	}
	return shell.Config{
		Shell:          cfg.Shell.Shell,
		Dir:            cfg.Shell.Dir,
		Env:            cfg.Shell.Env,
		MaxOutput:      cfg.Shell.MaxOutput,
		ProgressPrefix: cfg.Shell.ProgressPrefix,
		KillGrace:      grace,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return trigger.Config{}, fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err)
		}
	}
	return trigger.Config{Timezone: cfg.Trigger.Timezone, Spread: cfg.Trigger.Spread}, nil
}

// scheduledJob is a schedule resolved into what it submits.
type scheduledJob struct {
	taskID string
	total  int
	cmd    shell.Command
}

func mapSchedules(cfg *config.Config) ([]trigger.Schedule, map[string]scheduledJob, error) {
	scheds := make([]trigger.Schedule, 0, len(cfg.Schedules))
	jobs := make(map[string]scheduledJob, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		name := strings.TrimSpace(s.Name)
		if _, err := trigger.ParseSchedule(s.Schedule); err != nil {
			return nil, nil, fmt.Errorf("schedules.%s: %w", name, err)
		}
		timeout, err := config.ParseDurationField("schedules."+name+".timeout", s.Timeout)
		if err != nil {
			return nil, nil, err
		}
		id := strings.TrimSpace(s.TaskID)
		if id == "" {
			id = "schedule:" + name
		}
		jobs[name] = scheduledJob{
			taskID: id,
			total:  s.Total,
			cmd:    shell.Command{Line: s.Command, Argv: s.Argv, Dir: s.Dir, Timeout: timeout},
		}
		scheds = append(scheds, trigger.Schedule{Name: name, Spec: s.Schedule})
	}
	return scheds, jobs, nil
}

// validate runs every mapping so a bad hot reload is rejected before commit.
// mapped holds the component configs derived from one config.Config.
type mapped struct {
	store   store.Config
	queue   queue.Options[shell.Command]
	shell   shell.Config
	trigger trigger.Config
}

// mapConfig validates cfg and maps every section New needs.
func mapConfig(cfg *config.Config) (mapped, error) {
	var (
		m   mapped
		err error
	)
	if err = cfg.Validate(); err != nil {
		return mapped{}, err
	}
	if m.store, err = mapStorageConfig(cfg); err != nil {
		return mapped{}, err
	}
	if m.queue, err = mapQueueOptions(cfg); err != nil {
		return mapped{}, err
	}
	if m.shell, err = mapShellConfig(cfg); err != nil {
		return mapped{}, err
	}
	if m.trigger, err = mapTriggerConfig(cfg); err != nil {
		return mapped{}, err
	}
	if _, _, err = mapSchedules(cfg); err != nil {
		return mapped{}, err
	}
	return m, nil
}

func validate(cfg *config.Config) error {
	_, err := mapConfig(cfg)
	return err
}
