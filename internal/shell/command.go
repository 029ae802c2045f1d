package shell

import (
	"errors"
	"strings"
	"time"
)

// Command is the task payload executed by the Processor.
//
// Either Line (run through the configured shell) or Argv (run directly)
// must be set.
type Command struct {
	Line string   `json:"line,omitempty"`
	Argv []string `json:"argv,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"`
	// Timeout bounds this command only. 0 means the queue's ProcessTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

var ErrEmptyCommand = errors.New("empty command")

func (c Command) Validate() error {
	if strings.TrimSpace(c.Line) == "" && len(c.Argv) == 0 {
		return ErrEmptyCommand
	}
	if len(c.Argv) > 0 && strings.TrimSpace(c.Argv[0]) == "" {
		return ErrEmptyCommand
	}
	return nil
}

// String renders the command for logs.
func (c Command) String() string {
	if strings.TrimSpace(c.Line) != "" {
		return strings.TrimSpace(c.Line)
	}
	return strings.Join(c.Argv, " ")
}

// Result is what a finished command resolves with.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Took     time.Duration `json:"took"`
	// Truncated is set when Output holds only the tail of the output.
	Truncated bool `json:"truncated,omitempty"`
}
