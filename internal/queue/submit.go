package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	"batchq/internal/store"
	logx "batchq/pkg/logx"

	"github.com/google/uuid"
)

// Submit filters task and hands it to the loop. The returned Ticket reports
// the outcome; observers passed as opts see every transition.
func (q *Queue[T]) Submit(task Task[T], opts ...SubmitOption) *Ticket {
	t := newTicket()
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	if q.closing.Load() {
		t.fail(ReasonClosed)
		return t
	}

	if q.opts.Filter != nil {
		out, ok, err := q.opts.Filter(q.ctx, task)
		if err != nil || !ok {
			if err != nil {
				q.log.Debug("input rejected", logx.String("task", task.ID), logx.Err(err))
			}
			t.fail(ReasonInputRejected)
			return t
		}
		task = out
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	t.accept(task.ID)

	q.post(func() {
		if q.closed {
			t.fail(ReasonClosed)
			return
		}
		q.queueTask(task, newGroup(t), false)
	})
	return t
}

// queueTask runs on the loop goroutine. retry is set when a dispatched task
// failed and re-enters the queue with its existing group.
func (q *Queue[T]) queueTask(task Task[T], g *ticketGroup, retry bool) {
	ctx := q.ctx
	id := task.ID

	if w := q.workers[id]; w != nil && !retry && *q.opts.CancelIfRunning {
		if w.cancel() {
			q.log.Debug("cancelled running task", logx.String("task", id))
		}
	}

	prev, found, err := q.getTask(ctx, id)
	if err != nil {
		q.log.Warn("failed to read pending task", logx.String("task", id), logx.Err(err))
		g.fail(ReasonGetFailed)
		return
	}

	isNew := true
	if found {
		if retry {
			// A newer submission is already pending; the retried tickets
			// ride along with it, ahead of the newer ones.
			q.attach(id, g, true, false)
			return
		}
		merged, ok, err := q.opts.Merge(ctx, prev, task)
		if err != nil {
			q.log.Debug("merge failed", logx.String("task", id), logx.Err(err))
			g.fail(ReasonMergeFailed)
			return
		}
		if !ok {
			q.attach(id, g, false, false)
			return
		}
		merged.ID = id
		task = merged
		isNew = false
	}

	var prio float64
	if q.opts.Priority != nil {
		p, err := q.priority(ctx, task)
		if err != nil {
			q.log.Debug("priority failed", logx.String("task", id), logx.Err(err))
			g.fail(ReasonPriority)
			return
		}
		prio = p
	}

	if err := q.putEntry(ctx, task, prio); err != nil {
		if q.shouldWarn("put", time.Now(), 5*time.Second) {
			q.log.Warn("failed to store task", logx.String("task", id), logx.Err(err))
		}
		g.fail(ReasonPutFailed)
		return
	}
	q.attach(id, g, retry, isNew)
}

// attach adds g to the pending group for id. front puts g's tickets ahead of
// the ones already waiting.
func (q *Queue[T]) attach(id string, g *ticketGroup, front, isNew bool) {
	if cur := q.pending[id]; cur != nil {
		if front {
			g.absorb(cur)
		} else {
			cur.absorb(g)
			g = cur
		}
	}
	q.pending[id] = g
	g.queued()

	if isNew {
		q.calledEmpty = false
		q.calledDrain = false
	}
	q.armDebounce()
}

func (q *Queue[T]) armDebounce() {
	if q.debounce != nil || q.closed {
		return
	}
	q.debounce = time.AfterFunc(q.opts.ProcessDelay, func() {
		q.post(func() {
			q.debounce = nil
			q.processNext()
		})
	})
}

func (q *Queue[T]) getTask(ctx context.Context, id string) (Task[T], bool, error) {
	if e, ok := q.held[id]; ok {
		t, err := q.decode(e)
		return t, err == nil, err
	}
	e, ok, err := q.st.Get(ctx, id)
	if err != nil || !ok {
		return Task[T]{}, false, err
	}
	t, err := q.decode(e)
	if err != nil {
		return Task[T]{}, false, err
	}
	return t, true, nil
}

// putTask stores t, recomputing its priority.
func (q *Queue[T]) putTask(ctx context.Context, t Task[T]) error {
	var prio float64
	if q.opts.Priority != nil {
		p, err := q.priority(ctx, t)
		if err != nil {
			return err
		}
		prio = p
	}
	return q.putEntry(ctx, t, prio)
}

// priority rejects NaN, which has no place in the store ordering.
func (q *Queue[T]) priority(ctx context.Context, t Task[T]) (float64, error) {
	p, err := q.opts.Priority(ctx, t)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(p) {
		return 0, fmt.Errorf("priority of %s is NaN", t.ID)
	}
	return p, nil
}

func (q *Queue[T]) putEntry(ctx context.Context, t Task[T], prio float64) error {
	data, err := q.opts.Codec.Marshal(t.Data)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	e := store.Entry{ID: t.ID, Data: data, Priority: prio, Total: t.Total}
	if _, ok := q.held[t.ID]; ok {
		q.hold(e)
		return nil
	}
	return q.st.Put(ctx, e)
}

func (q *Queue[T]) decode(e store.Entry) (Task[T], error) {
	t := Task[T]{ID: e.ID, Total: e.Total}
	if len(e.Data) > 0 {
		if err := q.opts.Codec.Unmarshal(e.Data, &t.Data); err != nil {
			return Task[T]{}, fmt.Errorf("decode task %s: %w", e.ID, err)
		}
	}
	return t, nil
}
