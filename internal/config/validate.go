package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the parts of cfg that do not need other packages:
// durations, numeric ranges and schedule names.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, f := range c.durationFields() {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}

	q := c.Queue
	if q.BatchSize < 0 || q.Concurrent < 0 || q.MaxRetries < 0 || q.RateBurst < 0 {
		add(errors.New("queue: batch_size, concurrent, max_retries and rate_burst must be >= 0"))
	}
	if q.RateLimit < 0 {
		add(errors.New("queue.rate_limit must be >= 0"))
	}

	seen := map[string]bool{}
	for i, s := range c.Schedules {
		name := strings.TrimSpace(s.Name)
		path := fmt.Sprintf("schedules[%d]", i)
		if name == "" {
			add(fmt.Errorf("%s: name required", path))
			continue
		}
		if seen[name] {
			add(fmt.Errorf("%s: duplicate name %q", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(s.Schedule) == "" {
			add(fmt.Errorf("%s (%s): schedule required", path, name))
		}
		if strings.TrimSpace(s.Command) == "" && len(s.Argv) == 0 {
			add(fmt.Errorf("%s (%s): command or argv required", path, name))
		}
	}
	return errors.Join(errs...)
}
