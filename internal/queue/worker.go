package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "batchq/pkg/logx"
)

// worker runs one Job on its own goroutine and forwards the job's reports to
// the loop. groups is only touched from the loop goroutine.
type worker[T any] struct {
	proc   Processor[T]
	job    *Job[T]
	groups map[string]*ticketGroup
	timer  *time.Timer
	log    logx.Logger
}

func newWorker[T any](ctx context.Context, proc Processor[T], tasks []Task[T], single bool, groups map[string]*ticketGroup, log logx.Logger, post func(w *worker[T], r report)) *worker[T] {
	w := &worker[T]{proc: proc, groups: groups, log: log}
	w.job = newJob(ctx, tasks, single, func(r report) { post(w, r) })
	return w
}

func (w *worker[T]) start(timeout time.Duration) {
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			w.job.failAll(ReasonTimeout)
			w.job.cancel()
		})
	}
	go w.run()
}

func (w *worker[T]) run() {
	defer w.job.cancel()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("processor panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			w.job.failAll(Reason(fmt.Sprintf("panic: %v", r)))
		}
	}()

	res, err := w.proc.Process(w.job.ctx, w.job)
	if err != nil {
		w.job.failAll(Reason(err.Error()))
		return
	}
	w.job.finishAll(res)
}

// cancel is advisory: without a Canceler the job keeps running.
func (w *worker[T]) cancel() bool {
	c, ok := w.proc.(Canceler[T])
	if !ok {
		return false
	}
	c.Cancel(w.job)
	w.job.failAll(ReasonCancelled)
	return true
}

func (w *worker[T]) pause() {
	if p, ok := w.proc.(Pauser[T]); ok {
		p.Pause(w.job)
	}
}

func (w *worker[T]) resume() {
	if p, ok := w.proc.(Pauser[T]); ok {
		p.Resume(w.job)
	}
}

func (w *worker[T]) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
