package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logx "batchq/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA zone, empty = local
	// Spread delays the first firing of interval schedules by up to
	// min(interval, 30s).
	Spread bool
}

// SubmitFunc is called on every firing.
type SubmitFunc func(ctx context.Context, name string, firedAt time.Time) error

// Schedule is one named schedule definition.
type Schedule struct {
	Name string
	Spec string
}

// Info describes a registered schedule.
type Info struct {
	Name   string
	Spec   string
	Kind   SpecKind
	Next   time.Time
	Prev   time.Time
	Spread time.Duration
}

type def struct {
	name    string
	spec    Spec
	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []def
	submit SubmitFunc
	ctx    context.Context

	wmu      sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, submit SubmitFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "trigger")),
		submit: submit,
		// SecondOptional accepts both 5-field and 6-field (with seconds) specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastWarn: map[string]time.Time{},
		ctx:      context.Background(),
	}
}

// Set registers or replaces the schedule called name.
func (s *Service) Set(name, schedule string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	sp, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if sp.Kind == SpecCron {
		if _, err := s.parser.Parse(sp.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, def{name: name, spec: sp})
	if s.c == nil {
		// Registered on Start.
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.registerLocked(d); err != nil {
		return err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", sp.Expr())}
	if next := s.previewLocked(sp, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Replace makes the registered set equal to scheds. Invalid entries are
// skipped and reported together.
func (s *Service) Replace(scheds []Schedule) error {
	want := map[string]bool{}
	var errs []error
	for _, sc := range scheds {
		if err := s.Set(sc.Name, sc.Spec); err != nil {
			errs = append(errs, err)
			continue
		}
		want[strings.TrimSpace(sc.Name)] = true
	}
	for _, name := range s.Names() {
		if !want[name] {
			s.Remove(name)
		}
	}
	return errors.Join(errs...)
}

// Remove unregisters name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Names lists registered schedule names, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.name)
	}
	sort.Strings(out)
	return out
}

// Apply updates the config; a timezone change restarts cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.stopCronLocked()
		s.startCronLocked()
		s.log.Info("trigger restarted", logx.String("tz", s.loc.String()))
	}
}

// Start begins firing. ctx is passed to every SubmitFunc call.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startCronLocked()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts firing and waits for running submit calls, up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger stopped")
}

// Snapshot lists schedules with their next and previous firing.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		it := Info{Name: d.name, Spec: d.spec.Expr(), Kind: d.spec.Kind, Spread: d.spread}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) stopCronLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
}

func (s *Service) registerLocked(d *def) error {
	name, ctx := d.name, s.ctx
	job := cron.FuncJob(func() { s.fire(ctx, name) })

	if d.spec.Kind == SpecInterval && s.cfg.Spread {
		sched, jitter := intervalWithSpread(d.spec.Every, time.Now().In(s.loc), name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	d.spread = 0
	id, err := s.c.AddJob(d.spec.Expr(), job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) fire(ctx context.Context, name string) {
	if s.submit == nil {
		return
	}
	now := time.Now()
	if err := s.submit(ctx, name, now); err != nil && s.shouldWarn(name, now) {
		s.log.Warn("scheduled submit failed", logx.String("name", name), logx.Err(err))
		return
	}
	s.log.Trace("schedule fired", logx.String("name", name))
}

func (s *Service) shouldWarn(name string, now time.Time) bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if last, ok := s.lastWarn[name]; ok && now.Sub(last) < time.Minute {
		return false
	}
	s.lastWarn[name] = now
	return true
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked renders the next n firings, only when debug logging is on.
func (s *Service) previewLocked(sp Spec, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(sp.Expr())
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
