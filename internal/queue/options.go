package queue

import (
	"context"
	"time"

	"batchq/internal/eventbus"
	logx "batchq/pkg/logx"
)

// FilterFunc validates or rewrites an incoming task. Returning ok == false
// or an error rejects the submission with ReasonInputRejected.
//
// Filters run on the submitting goroutine and may be called concurrently.
type FilterFunc[T any] func(ctx context.Context, in Task[T]) (out Task[T], ok bool, err error)

// MergeFunc combines a pending task with a new submission for the same id.
// Returning ok == false keeps the pending task untouched; the new ticket then
// shares the pending task's outcome.
type MergeFunc[T any] func(ctx context.Context, pending, incoming Task[T]) (merged Task[T], ok bool, err error)

// PriorityFunc computes a task's priority. Higher values are taken first.
type PriorityFunc[T any] func(ctx context.Context, t Task[T]) (float64, error)

// Options configures a Queue. Only Process is required.
type Options[T any] struct {
	Process  Processor[T]
	Filter   FilterFunc[T]
	Priority PriorityFunc[T]
	// Merge defaults to "incoming replaces pending".
	Merge MergeFunc[T]

	// CancelIfRunning asks an in-flight worker to cancel when its task id is
	// submitted again. Default true.
	CancelIfRunning *bool
	// AutoResume dispatches entries left in a persistent store by a previous
	// run as soon as the queue starts. Without it they wait for the next
	// submission or Resume. Default true.
	AutoResume *bool
	// Filo takes the newest pending task first. The store must implement
	// store.LastTaker.
	Filo bool

	BatchSize  int // default 1
	Concurrent int // default 1

	// ProcessDelay debounces the first dispatch after a submission.
	ProcessDelay time.Duration
	// ProcessTimeout fails unresolved tasks of a batch with ReasonTimeout.
	// 0 means unbounded.
	ProcessTimeout time.Duration
	// IdleTimeout is the pause between a batch ending and the next dispatch.
	IdleTimeout time.Duration
	// MaxRetries bounds attempts per task; 0 and 1 both mean a single attempt.
	MaxRetries int

	// RateLimit caps batch dispatches per second (0 disables).
	RateLimit float64
	RateBurst int

	// Store is a driver name, a store.Config, or a store.Store. nil selects
	// the memory driver.
	Store any
	Codec Codec

	Logger logx.Logger
	Bus    eventbus.Bus
}

// Bool returns a pointer to v, for the default-true options.
func Bool(v bool) *bool { return &v }

func (o Options[T]) withDefaults() Options[T] {
	if o.Merge == nil {
		o.Merge = func(_ context.Context, _, incoming Task[T]) (Task[T], bool, error) {
			return incoming, true, nil
		}
	}
	if o.CancelIfRunning == nil {
		o.CancelIfRunning = Bool(true)
	}
	if o.AutoResume == nil {
		o.AutoResume = Bool(true)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.Concurrent <= 0 {
		o.Concurrent = 1
	}
	if o.ProcessDelay < 0 {
		o.ProcessDelay = 0
	}
	if o.ProcessTimeout < 0 {
		o.ProcessTimeout = 0
	}
	if o.IdleTimeout < 0 {
		o.IdleTimeout = 0
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	if o.Codec == nil {
		o.Codec = JSONCodec{}
	}
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	return o
}

// SubmitOption customizes a single submission.
type SubmitOption func(t *Ticket)

// WithCallback calls fn once with the ticket's outcome.
func WithCallback(fn func(result any, err error)) SubmitOption {
	return func(t *Ticket) {
		if fn == nil {
			return
		}
		t.observe(func(e TicketEvent) {
			switch e.Kind {
			case TicketFinished:
				fn(e.Result, nil)
			case TicketFailed:
				fn(nil, e.Err)
			}
		})
	}
}

// WithObserver receives every ticket transition, starting with accepted.
func WithObserver(fn func(TicketEvent)) SubmitOption {
	return func(t *Ticket) {
		if fn != nil {
			t.observe(fn)
		}
	}
}
