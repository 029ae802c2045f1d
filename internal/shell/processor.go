package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"batchq/internal/queue"
	logx "batchq/pkg/logx"

	"github.com/dustin/go-humanize"
)

type Config struct {
	// Shell runs Command.Line as `<Shell> -c <line>`. Default "/bin/sh".
	Shell string
	// Dir is the default working directory.
	Dir string
	// Env is appended to the parent environment.
	Env []string
	// MaxOutput caps the captured output tail in bytes. Default 64 KiB.
	MaxOutput int
	// ProgressPrefix marks progress lines on stdout. Default "::progress".
	ProgressPrefix string
	// KillGrace is the wait between SIGTERM and SIGKILL. Default 5s.
	KillGrace time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Shell) == "" {
		c.Shell = "/bin/sh"
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = 64 << 10
	}
	if strings.TrimSpace(c.ProgressPrefix) == "" {
		c.ProgressPrefix = "::progress"
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}

// ExitError is returned for commands that ran and exited non-zero.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	if tail := lastLine(e.Output); tail != "" {
		return fmt.Sprintf("exit status %d: %s", e.Code, tail)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Processor executes the tasks of a job one after another. It implements
// queue.Canceler: cancelling a job kills its running command.
type Processor struct {
	cfg atomic.Pointer[Config]
	log logx.Logger

	mu      sync.Mutex
	cancels map[*queue.Job[Command]]context.CancelFunc
}

var _ queue.Processor[Command] = (*Processor)(nil)
var _ queue.Canceler[Command] = (*Processor)(nil)

func New(cfg Config, log logx.Logger) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Processor{
		log:     log.With(logx.String("comp", "shell")),
		cancels: map[*queue.Job[Command]]context.CancelFunc{},
	}
	p.Apply(cfg)
	return p
}

// Apply swaps the config. Running commands keep the config they started with.
func (p *Processor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.cfg.Store(&cfg)
}

// Filter rejects payloads that cannot run. It fits queue.Options.Filter.
func Filter(_ context.Context, in queue.Task[Command]) (queue.Task[Command], bool, error) {
	if err := in.Data.Validate(); err != nil {
		return in, false, err
	}
	return in, true, nil
}

func (p *Processor) Process(ctx context.Context, job *queue.Job[Command]) (any, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels[job] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, job)
		p.mu.Unlock()
		cancel()
	}()

	for _, t := range job.Tasks() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := p.run(ctx, job, t)
		if err != nil {
			p.log.Debug("command failed", logx.String("task", t.ID), logx.String("cmd", t.Data.String()), logx.Err(err))
			job.Fail(t.ID, err.Error())
			continue
		}
		p.log.Debug("command finished",
			logx.String("task", t.ID),
			logx.String("cmd", t.Data.String()),
			logx.Duration("took", res.Took),
			logx.String("output", humanize.Bytes(uint64(len(res.Output)))),
		)
		job.Finish(t.ID, res)
	}
	return nil, nil
}

// Cancel kills the job's running command.
func (p *Processor) Cancel(job *queue.Job[Command]) {
	p.mu.Lock()
	cancel := p.cancels[job]
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes c outside of a queue.
func (p *Processor) Run(ctx context.Context, c Command) (Result, error) {
	return p.exec(ctx, c, nil)
}

func (p *Processor) run(ctx context.Context, job *queue.Job[Command], t queue.Task[Command]) (Result, error) {
	return p.exec(ctx, t.Data, func(n int) { job.Progress(t.ID, n) })
}

func (p *Processor) exec(ctx context.Context, c Command, progress func(int)) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	cfg := p.cfg.Load()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if len(c.Argv) > 0 {
		cmd = exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, cfg.Shell, "-c", c.Line)
	}
	cmd.Dir = firstNonEmpty(c.Dir, cfg.Dir)
	cmd.Env = append(append(os.Environ(), cfg.Env...), c.Env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = cfg.KillGrace

	out := newTail(cfg.MaxOutput)
	cmd.Stderr = out
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, err
	}
	scan(stdout, out, cfg.ProgressPrefix, progress)
	err = cmd.Wait()
	res := Result{Output: out.String(), Took: time.Since(start), Truncated: out.truncated}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return res, fmt.Errorf("command timed out after %s", c.Timeout)
			}
			return res, ctxErr
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
			return res, &ExitError{Code: res.ExitCode, Output: res.Output}
		}
		return res, err
	}
	return res, nil
}

// scan copies stdout into out and turns progress lines into reports.
func scan(r io.Reader, out io.Writer, prefix string, progress func(int)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				if progress != nil {
					progress(n)
				}
				continue
			}
		}
		_, _ = io.WriteString(out, line+"\n")
	}
	// Drain what the scanner refused (overlong line) so the child does not block.
	_, _ = io.Copy(out, r)
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTail(limit int) *tail { return &tail{max: limit} }

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:197] + "..."
	}
	return s
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
