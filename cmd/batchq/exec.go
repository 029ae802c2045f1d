package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"batchq/internal/app"
	"batchq/internal/config"
	"batchq/internal/queue"
	"batchq/internal/shell"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type execFlags struct {
	concurrent int
	batchSize  int
	retries    int
	timeout    time.Duration
	rate       float64
	filo       bool
	driver     string
	path       string
	quiet      bool
}

var execOpts execFlags

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run commands read from stdin, one per line, and wait for all of them",
	Long: `Exec reads shell commands from stdin (one per line; blank lines and
lines starting with '#' are skipped), submits each as a task and waits
until the queue drains. A line of the form "id: command" sets the task id,
so repeated ids merge while pending. Exit status is non-zero if any task
failed.`,
	Args: cobra.NoArgs,
	RunE: runExec,
}

func init() {
	f := execCmd.Flags()
	f.IntVarP(&execOpts.concurrent, "concurrent", "j", 0, "batches run in parallel (overrides config)")
	f.IntVar(&execOpts.batchSize, "batch", 0, "tasks per batch (overrides config)")
	f.IntVar(&execOpts.retries, "retries", -1, "max attempts per task (overrides config)")
	f.DurationVar(&execOpts.timeout, "timeout", 0, "per-batch timeout (overrides config)")
	f.Float64Var(&execOpts.rate, "rate", 0, "max batch dispatches per second (overrides config)")
	f.BoolVar(&execOpts.filo, "filo", false, "run the newest command first")
	f.StringVar(&execOpts.driver, "store", "", "store driver (overrides config)")
	f.StringVar(&execOpts.path, "store-path", "", "store path for file/sqlite/pebble")
	f.BoolVarP(&execOpts.quiet, "quiet", "q", false, "print only the summary")
	rootCmd.AddCommand(execCmd)
}

func (f execFlags) apply(c *config.Config) {
	// Scheduled commands belong to "run".
	c.Trigger.Enabled = false
	c.Schedules = nil
	if f.concurrent > 0 {
		c.Queue.Concurrent = f.concurrent
	}
	if f.batchSize > 0 {
		c.Queue.BatchSize = f.batchSize
	}
	if f.retries >= 0 {
		c.Queue.MaxRetries = f.retries
	}
	if f.timeout > 0 {
		c.Queue.ProcessTimeout = f.timeout.String()
	}
	if f.rate > 0 {
		c.Queue.RateLimit = f.rate
	}
	if f.filo {
		c.Queue.Filo = true
	}
	if f.driver != "" {
		c.Storage = &config.StorageConfig{Driver: f.driver, Path: f.path}
	}
}

type line struct {
	id  string
	cmd string
}

// readCommands parses stdin lines. "id: cmd" is only treated as an id when
// the id has no spaces, so "echo a: b" stays a command.
func readCommands(r io.Reader) ([]line, error) {
	var out []line
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		l := line{cmd: s}
		if id, rest, ok := strings.Cut(s, ":"); ok && id != "" && !strings.ContainsAny(id, " \t") && strings.TrimSpace(rest) != "" {
			l = line{id: id, cmd: strings.TrimSpace(rest)}
		}
		out = append(out, l)
	}
	return out, sc.Err()
}

type summary struct {
	mu     sync.Mutex
	ok     int
	failed int
	output uint64
}

func (s *summary) record(res any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed++
		return
	}
	s.ok++
	if r, ok := res.(shell.Result); ok {
		s.output += uint64(len(r.Output))
	}
}

func (s *summary) String(took time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s tasks: %s ok, %s failed, %s output in %s",
		humanize.Comma(int64(s.ok+s.failed)),
		humanize.Comma(int64(s.ok)),
		humanize.Comma(int64(s.failed)),
		humanize.Bytes(s.output),
		took.Round(time.Millisecond),
	)
}

func runExec(cmd *cobra.Command, _ []string) error {
	lines, err := readCommands(cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("no commands on stdin")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, execOpts.apply)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		if execOpts.quiet {
			return
		}
		outMu.Lock()
		fmt.Fprintf(out, format, args...)
		outMu.Unlock()
	}

	sum := &summary{}
	start := time.Now()
	for i, l := range lines {
		label := l.id
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		a.Queue().Submit(queue.Task[shell.Command]{ID: l.id, Data: shell.Command{Line: l.cmd}},
			queue.WithCallback(func(res any, err error) {
				sum.record(res, err)
				if err != nil {
					printf("FAIL %s %s: %v\n", label, l.cmd, err)
					return
				}
				if r, ok := res.(shell.Result); ok {
					printf("ok   %s %s (%s)\n", label, l.cmd, r.Took.Round(time.Millisecond))
				}
			}),
		)
	}

	waitErr := a.Queue().WaitDrained(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	reason := app.StopDrained
	if waitErr != nil {
		reason = app.StopSIGINT
	}
	_ = a.Stop(stopCtx, reason)

	fmt.Fprintln(out, sum.String(time.Since(start)))
	if waitErr != nil {
		return waitErr
	}
	if sum.failed > 0 {
		return fmt.Errorf("%d task(s) failed", sum.failed)
	}
	return nil
}
