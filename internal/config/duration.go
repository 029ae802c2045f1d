package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string found at a config path such
// as "queue.process_timeout". Empty means zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (use e.g. \"500ms\", \"30s\", \"5m\")", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

type durationField struct {
	path string
	raw  string
}

// durationFields lists every duration-valued setting with its config path.
func (c *Config) durationFields() []durationField {
	out := []durationField{
		{"queue.process_delay", c.Queue.ProcessDelay},
		{"queue.process_timeout", c.Queue.ProcessTimeout},
		{"queue.idle_timeout", c.Queue.IdleTimeout},
		{"shell.kill_grace", c.Shell.KillGrace},
	}
	if c.Storage != nil {
		out = append(out, durationField{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	for i, s := range c.Schedules {
		path := fmt.Sprintf("schedules[%d].timeout", i)
		if name := strings.TrimSpace(s.Name); name != "" {
			path = "schedules." + name + ".timeout"
		}
		out = append(out, durationField{path, s.Timeout})
	}
	return out
}
