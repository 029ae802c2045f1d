package queue

import (
	"context"
	"time"

	"batchq/internal/store"
	logx "batchq/pkg/logx"
)

// processNext is one pass of the scheduling loop. It dispatches at most one
// batch and re-posts itself while work and capacity remain.
func (q *Queue[T]) processNext() {
	if q.closed || q.paused || q.running >= q.opts.Concurrent {
		return
	}

	var cancelToken func()
	if q.limiter != nil {
		r := q.limiter.Reserve()
		if d := r.Delay(); d > 0 {
			r.Cancel()
			q.armWake(d)
			return
		}
		cancelToken = r.Cancel
	}

	ready, err := q.gather()
	if err != nil && q.shouldWarn("take", time.Now(), 5*time.Second) {
		q.log.Warn("failed to take batch", logx.Err(err))
	}
	if len(ready) == 0 {
		if cancelToken != nil {
			cancelToken()
		}
		// Held entries wait for their owning batch; batchEnded kicks the loop.
		if err != nil || len(q.held) > 0 {
			return
		}
		if q.running == 0 {
			q.drained()
		} else {
			q.emptied()
		}
		return
	}

	tasks := make([]Task[T], 0, len(ready))
	groups := make(map[string]*ticketGroup, len(ready))
	for _, e := range ready {
		g := q.pending[e.ID]
		delete(q.pending, e.ID)
		if g == nil {
			g = newGroup()
		}
		t, err := q.decode(e)
		if err != nil {
			q.log.Warn("dropping undecodable task", logx.String("task", e.ID), logx.Err(err))
			delete(q.retries, e.ID)
			g.fail(ReasonGetFailed)
			q.emit(Event{Kind: EventTaskFailed, TaskID: e.ID, Reason: ReasonGetFailed})
			continue
		}
		total := t.Total
		if total <= 0 {
			total = len(ready)
		}
		g.started(total)
		tasks = append(tasks, t)
		groups[t.ID] = g
	}
	if len(tasks) > 0 {
		q.startBatch(tasks, groups)
	}
	q.post(q.processNext)
}

// gather fills one batch. Entries held back earlier whose owner has ended go
// first, in the order they were taken. An entry whose id an in-flight batch
// still owns is held aside, and taking continues so other ids can use the
// free slot.
func (q *Queue[T]) gather() ([]store.Entry, error) {
	n := q.opts.BatchSize
	ready := q.releaseHeld(n)
	for len(ready) < n {
		entries, err := q.take(n - len(ready))
		if err != nil {
			return ready, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if q.workers[e.ID] != nil {
				q.hold(e)
				continue
			}
			ready = append(ready, e)
		}
	}
	return ready, nil
}

func (q *Queue[T]) take(n int) ([]store.Entry, error) {
	if q.opts.Filo {
		// resolveStore guarantees the assertion.
		return q.st.(store.LastTaker).TakeLast(q.ctx, n)
	}
	return q.st.TakeFirst(q.ctx, n)
}

func (q *Queue[T]) hold(e store.Entry) {
	if _, ok := q.held[e.ID]; !ok {
		q.heldOrder = append(q.heldOrder, e.ID)
	}
	q.held[e.ID] = e
}

// releaseHeld returns up to n held entries whose id is no longer in flight.
func (q *Queue[T]) releaseHeld(n int) []store.Entry {
	if len(q.heldOrder) == 0 {
		return nil
	}
	var out []store.Entry
	kept := q.heldOrder[:0]
	for _, id := range q.heldOrder {
		if len(out) < n && q.workers[id] == nil {
			out = append(out, q.held[id])
			delete(q.held, id)
			continue
		}
		kept = append(kept, id)
	}
	q.heldOrder = kept
	return out
}

// flushHeld writes held entries back to the store.
func (q *Queue[T]) flushHeld(ctx context.Context) {
	for _, id := range q.heldOrder {
		if err := q.st.Put(ctx, q.held[id]); err != nil {
			q.log.Warn("failed to store held task", logx.String("task", id), logx.Err(err))
		}
	}
	q.held = map[string]store.Entry{}
	q.heldOrder = nil
}

func (q *Queue[T]) startBatch(tasks []Task[T], groups map[string]*ticketGroup) {
	w := newWorker(q.ctx, q.opts.Process, tasks, q.opts.BatchSize == 1, groups, q.log, func(w *worker[T], r report) {
		q.post(func() { q.handleReport(w, r) })
	})
	q.running++
	for _, t := range tasks {
		q.workers[t.ID] = w
	}
	q.log.Trace("batch started", logx.Int("size", len(tasks)), logx.Int("running", q.running))
	w.start(q.opts.ProcessTimeout)
}

func (q *Queue[T]) handleReport(w *worker[T], r report) {
	switch r.kind {
	case reportFinish:
		q.taskFinished(w, r.id, r.result)
	case reportFail:
		q.taskFailed(w, r.id, r.reason)
	case reportProgress:
		q.taskProgress(w, r.id, r.current)
	case reportEnd:
		q.batchEnded(w)
	}
}

func (q *Queue[T]) taskFinished(w *worker[T], id string, result any) {
	if g := w.groups[id]; g != nil {
		g.finish(result)
		delete(w.groups, id)
	}
	delete(q.retries, id)
	q.emit(Event{Kind: EventTaskFinish, TaskID: id, Result: result})
}

func (q *Queue[T]) taskFailed(w *worker[T], id string, reason Reason) {
	q.retries[id]++
	attempt := q.retries[id]
	g := w.groups[id]
	delete(w.groups, id)

	if attempt >= q.opts.MaxRetries || q.closed {
		delete(q.retries, id)
		if g != nil {
			g.fail(reason)
		}
		q.log.Debug("task failed", logx.String("task", id), logx.String("reason", string(reason)), logx.Int("attempts", attempt))
		q.emit(Event{Kind: EventTaskFailed, TaskID: id, Reason: reason, Attempt: attempt})
		return
	}

	q.log.Debug("task retry", logx.String("task", id), logx.String("reason", string(reason)), logx.Int("attempt", attempt))
	q.emit(Event{Kind: EventTaskRetry, TaskID: id, Reason: reason, Attempt: attempt})
	if g == nil {
		g = newGroup()
	}
	q.queueTask(w.job.batch[id], g, true)
}

func (q *Queue[T]) taskProgress(w *worker[T], id string, current int) {
	g := w.groups[id]
	snap, ok := g.progress(current)
	if !ok {
		total := w.job.batch[id].Total
		if total <= 0 {
			total = len(w.job.order)
		}
		snap = computeProgress(w.job.started, time.Now(), current, total)
	}
	q.emit(Event{Kind: EventTaskProgress, TaskID: id, Progress: snap})
}

func (q *Queue[T]) batchEnded(w *worker[T]) {
	q.running--
	w.stopTimer()
	for _, id := range w.job.order {
		if q.workers[id] == w {
			delete(q.workers, id)
		}
	}
	q.log.Trace("batch ended", logx.Int("running", q.running))
	if q.closed {
		return
	}
	if q.opts.IdleTimeout <= 0 {
		q.post(q.processNext)
		return
	}
	time.AfterFunc(q.opts.IdleTimeout, func() { q.post(q.processNext) })
}

func (q *Queue[T]) armWake(d time.Duration) {
	if q.wake != nil {
		return
	}
	q.wake = time.AfterFunc(d, func() {
		q.post(func() {
			q.wake = nil
			q.processNext()
		})
	})
}

func (q *Queue[T]) emptied() {
	if q.calledEmpty {
		return
	}
	q.calledEmpty = true
	q.emit(Event{Kind: EventEmpty})
}

func (q *Queue[T]) drained() {
	q.emptied()
	if q.calledDrain {
		return
	}
	q.calledDrain = true
	q.log.Debug("queue drained")
	q.emit(Event{Kind: EventDrain})
}
