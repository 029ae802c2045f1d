package config

// Config is the batchq configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Queue   QueueConfig   `json:"queue"`

	// Storage selects the queue's store backend. Nil means the memory driver.
	Storage *StorageConfig `json:"storage,omitempty"`

	Shell     ShellConfig      `json:"shell"`
	Trigger   TriggerConfig    `json:"trigger"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`

	Debug DebugConfig `json:"debug"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors warn+ records to stderr as one-liners, rate limited.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// QueueConfig maps onto queue.Options.
//
// Defaults (when fields are omitted/zero):
//   - batch_size: 1
//   - concurrent: 1
//   - cancel_if_running: true
//   - auto_resume: true
//   - process_timeout: "0s" (unbounded)
//   - max_retries: 0 (single attempt)
//   - rate_limit: 0 (disabled)
type QueueConfig struct {
	BatchSize  int  `json:"batch_size,omitempty"`
	Concurrent int  `json:"concurrent,omitempty"`
	Filo       bool `json:"filo,omitempty"`

	CancelIfRunning *bool `json:"cancel_if_running,omitempty"`
	AutoResume      *bool `json:"auto_resume,omitempty"`

	ProcessDelay   string `json:"process_delay,omitempty"`
	ProcessTimeout string `json:"process_timeout,omitempty"`
	IdleTimeout    string `json:"idle_timeout,omitempty"`

	MaxRetries int     `json:"max_retries,omitempty"`
	RateLimit  float64 `json:"rate_limit,omitempty"`
	RateBurst  int     `json:"rate_burst,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./batchq.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Sync        bool   `json:"sync,omitempty"`
}

type ShellConfig struct {
	Shell          string   `json:"shell,omitempty"` // default: /bin/sh
	Dir            string   `json:"dir,omitempty"`
	Env            []string `json:"env,omitempty"`
	MaxOutput      int      `json:"max_output,omitempty"` // bytes
	ProgressPrefix string   `json:"progress_prefix,omitempty"`
	KillGrace      string   `json:"kill_grace,omitempty"`
}

// TriggerConfig controls scheduled submissions.
type TriggerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	Spread   bool   `json:"spread,omitempty"`
}

// ScheduleConfig submits a command on a cron or interval schedule.
//
// Firings share the task id (default "schedule:<name>"), so a firing that
// finds the previous one still pending merges into it.
type ScheduleConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Command  string   `json:"command,omitempty"`
	Argv     []string `json:"argv,omitempty"`
	Dir      string   `json:"dir,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	TaskID   string   `json:"task_id,omitempty"`
	Total    int      `json:"total,omitempty"`
}

// DebugConfig controls the optional HTTP endpoint serving /healthz, /status
// and pprof. A non-loopback addr requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
