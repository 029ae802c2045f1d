package queue

import (
	"context"
	"sync"
	"time"
)

// Processor runs one dispatched batch.
//
// Per-task outcomes may be reported while Process runs (Job.Finish,
// Job.Fail, Job.Progress). When Process returns, every task that is still
// unresolved finishes with the returned result, or fails with err.Error().
type Processor[T any] interface {
	Process(ctx context.Context, job *Job[T]) (any, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(ctx context.Context, job *Job[T]) (any, error)

func (f ProcessorFunc[T]) Process(ctx context.Context, job *Job[T]) (any, error) {
	return f(ctx, job)
}

// Canceler is implemented by processors that can stop a running job when
// its task is resubmitted. After Cancel returns, unresolved tasks fail with
// ReasonCancelled.
type Canceler[T any] interface {
	Cancel(job *Job[T])
}

// Pauser is implemented by processors that can pause and resume a running
// job, e.g. a nested Queue.
type Pauser[T any] interface {
	Pause(job *Job[T])
	Resume(job *Job[T])
}

// CancelableFunc is a ProcessorFunc whose cancel hook cancels the job context.
type CancelableFunc[T any] func(ctx context.Context, job *Job[T]) (any, error)

func (f CancelableFunc[T]) Process(ctx context.Context, job *Job[T]) (any, error) {
	return f(ctx, job)
}

func (f CancelableFunc[T]) Cancel(job *Job[T]) { job.cancel() }

type reportKind int

const (
	reportFinish reportKind = iota
	reportFail
	reportProgress
	reportEnd
)

type report struct {
	kind    reportKind
	id      string
	result  any
	reason  Reason
	current int
}

// Job is one batch handed to a Processor. Its reporting methods are safe for
// concurrent use; reports for a task that already resolved are discarded.
type Job[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	batch   Batch[T]
	order   []string
	single  bool
	started time.Time

	mu       sync.Mutex
	resolved map[string]bool
	left     int
	ended    bool
	sink     func(report)
}

func newJob[T any](parent context.Context, tasks []Task[T], single bool, sink func(report)) *Job[T] {
	ctx, cancel := context.WithCancel(parent)
	j := &Job[T]{
		ctx:      ctx,
		cancel:   cancel,
		batch:    make(Batch[T], len(tasks)),
		order:    make([]string, 0, len(tasks)),
		single:   single && len(tasks) == 1,
		started:  time.Now(),
		resolved: make(map[string]bool, len(tasks)),
		left:     len(tasks),
		sink:     sink,
	}
	for _, t := range tasks {
		j.batch[t.ID] = t
		j.order = append(j.order, t.ID)
	}
	return j
}

// Context is cancelled on hard timeout, on queue shutdown, and by
// CancelableFunc's cancel hook.
func (j *Job[T]) Context() context.Context { return j.ctx }

// Input is the bare Task[T] when the queue's batch size is 1, and the
// Batch[T] otherwise.
func (j *Job[T]) Input() any {
	if j.single {
		return j.batch[j.order[0]]
	}
	return j.batch
}

// Tasks returns the batch in dispatch order.
func (j *Job[T]) Tasks() []Task[T] {
	out := make([]Task[T], 0, len(j.order))
	for _, id := range j.order {
		out = append(out, j.batch[id])
	}
	return out
}

func (j *Job[T]) Batch() Batch[T] { return j.batch }

// Finish resolves task id with result. It reports whether the call had effect.
func (j *Job[T]) Finish(id string, result any) bool {
	return j.resolve(id, report{kind: reportFinish, id: id, result: result})
}

// Fail resolves task id as failed with reason.
func (j *Job[T]) Fail(id string, reason string) bool {
	return j.resolve(id, report{kind: reportFail, id: id, reason: Reason(reason)})
}

// Progress reports current completed units for task id.
func (j *Job[T]) Progress(id string, current int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ended || j.resolved[id] {
		return false
	}
	if _, ok := j.batch[id]; !ok {
		return false
	}
	j.sink(report{kind: reportProgress, id: id, current: current})
	return true
}

func (j *Job[T]) resolve(id string, r report) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.resolveLocked(id, r) {
		return false
	}
	j.endIfDoneLocked()
	return true
}

func (j *Job[T]) resolveLocked(id string, r report) bool {
	if j.ended || j.resolved[id] {
		return false
	}
	if _, ok := j.batch[id]; !ok {
		return false
	}
	j.resolved[id] = true
	j.left--
	j.sink(r)
	return true
}

func (j *Job[T]) endIfDoneLocked() {
	if j.left == 0 && !j.ended {
		j.ended = true
		j.sink(report{kind: reportEnd})
	}
}

func (j *Job[T]) finishAll(result any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, id := range j.order {
		j.resolveLocked(id, report{kind: reportFinish, id: id, result: result})
	}
	j.endIfDoneLocked()
}

func (j *Job[T]) failAll(reason Reason) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, id := range j.order {
		j.resolveLocked(id, report{kind: reportFail, id: id, reason: reason})
	}
	j.endIfDoneLocked()
}

// abandon stops all reporting and returns the tasks that never resolved.
func (j *Job[T]) abandon() []Task[T] {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ended {
		return nil
	}
	j.ended = true
	var out []Task[T]
	for _, id := range j.order {
		if !j.resolved[id] {
			j.resolved[id] = true
			out = append(out, j.batch[id])
		}
	}
	return out
}
