package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is a Ticket's lifecycle position. It only moves forward, except that
// a started ticket can be stopped back to StatusQueued.
type Status int

const (
	StatusCreated Status = iota
	StatusAccepted
	StatusQueued
	StatusStarted
	StatusFinished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusAccepted:
		return "accepted"
	case StatusQueued:
		return "queued"
	case StatusStarted:
		return "started"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is finished or failed.
func (s Status) Terminal() bool { return s == StatusFinished || s == StatusFailed }

type TicketEventKind string

const (
	TicketAccepted TicketEventKind = "accepted"
	TicketQueued   TicketEventKind = "queued"
	TicketStarted  TicketEventKind = "started"
	TicketProgress TicketEventKind = "progress"
	TicketFinished TicketEventKind = "done"
	TicketFailed   TicketEventKind = "fail"
)

// Progress is a point-in-time progress snapshot.
type Progress struct {
	Current int
	Total   int
	// Pct is floor(100*Current/Total); valid only when HasPct is set.
	Pct    int
	HasPct bool
	// ETA is a human-readable remaining-time estimate, e.g. "3 seconds".
	ETA string
}

// TicketEvent is delivered to ticket observers, once per transition.
type TicketEvent struct {
	Kind     TicketEventKind
	TaskID   string
	Status   Status
	Progress Progress
	Result   any
	Err      error
}

// Ticket tracks one submission. It is safe for concurrent use.
type Ticket struct {
	mu        sync.Mutex
	id        string
	status    Status
	created   time.Time
	progress  Progress
	result    any
	err       error
	observers []func(TicketEvent)
	done      chan struct{}

	now func() time.Time
}

func newTicket() *Ticket {
	return &Ticket{created: time.Now(), done: make(chan struct{}), now: time.Now}
}

// TaskID returns the id assigned when the ticket was accepted.
func (t *Ticket) TaskID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Ticket) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Ticket) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Result is the processor's result once the ticket finished.
func (t *Ticket) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err is a *TaskError once the ticket failed.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the ticket reaches a terminal state.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the ticket resolves or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnEvent registers an observer for transitions that happen from now on.
func (t *Ticket) OnEvent(fn func(TicketEvent)) {
	if fn != nil {
		t.observe(fn)
	}
}

func (t *Ticket) observe(fn func(TicketEvent)) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

func (t *Ticket) accept(id string) {
	t.transition(StatusAccepted, TicketAccepted, func() { t.id = id })
}

func (t *Ticket) queued() { t.transition(StatusQueued, TicketQueued, nil) }

func (t *Ticket) started(total int) {
	t.transition(StatusStarted, TicketStarted, func() {
		t.progress = Progress{Total: total}
	})
}

// stopped returns a started ticket to queued without notifying observers.
func (t *Ticket) stopped() {
	t.mu.Lock()
	if t.status == StatusStarted {
		t.status = StatusQueued
	}
	t.mu.Unlock()
}

func (t *Ticket) finish(result any) {
	t.transition(StatusFinished, TicketFinished, func() { t.result = result })
}

func (t *Ticket) fail(reason Reason) {
	t.transition(StatusFailed, TicketFailed, func() {
		t.err = &TaskError{TaskID: t.id, Reason: reason}
	})
}

func (t *Ticket) reportProgress(current int) (Progress, error) {
	t.mu.Lock()
	switch {
	case t.status.Terminal():
		t.mu.Unlock()
		return Progress{}, ErrResolved
	case t.status != StatusStarted:
		t.mu.Unlock()
		return Progress{}, ErrNotStarted
	}
	t.progress = computeProgress(t.created, t.now(), current, t.progress.Total)
	ev := t.eventLocked(TicketProgress)
	obs := t.observers
	t.mu.Unlock()

	notify(obs, ev)
	return ev.Progress, nil
}

// transition moves forward to s and notifies observers. Moving to a state
// already reached (or passed) is a no-op.
func (t *Ticket) transition(s Status, kind TicketEventKind, apply func()) bool {
	t.mu.Lock()
	if t.status.Terminal() || s <= t.status {
		t.mu.Unlock()
		return false
	}
	if apply != nil {
		apply()
	}
	t.status = s
	ev := t.eventLocked(kind)
	obs := t.observers
	if s.Terminal() {
		close(t.done)
	}
	t.mu.Unlock()

	notify(obs, ev)
	return true
}

func (t *Ticket) eventLocked(kind TicketEventKind) TicketEvent {
	return TicketEvent{
		Kind:     kind,
		TaskID:   t.id,
		Status:   t.status,
		Progress: t.progress,
		Result:   t.result,
		Err:      t.err,
	}
}

func notify(obs []func(TicketEvent), ev TicketEvent) {
	for _, fn := range obs {
		fn(ev)
	}
}

func computeProgress(created, now time.Time, current, total int) Progress {
	p := Progress{Current: current, Total: total}
	if total <= 0 {
		return p
	}
	p.Pct = 100 * current / total
	p.HasPct = true
	if current <= 0 {
		return p
	}
	elapsed := now.Sub(created)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := time.Duration(float64(elapsed) * float64(total-current) / float64(current))
	if remaining < 0 {
		remaining = 0
	}
	p.ETA = strings.TrimSpace(humanize.RelTime(now, now.Add(remaining), "", ""))
	return p
}
