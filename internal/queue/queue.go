package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"batchq/internal/eventbus"
	"batchq/internal/store"
	logx "batchq/pkg/logx"

	"golang.org/x/time/rate"
)

// Queue is the orchestrator. Create it with New and release it with Close.
type Queue[T any] struct {
	opts Options[T]
	log  logx.Logger
	bus  eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mb        *mailbox
	stopCh    chan struct{}
	loopDone  chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	lst listeners

	// Owned by the loop goroutine.
	st          store.Store
	ownsStore   bool
	pending     map[string]*ticketGroup
	held        map[string]store.Entry // taken while their id was in flight
	heldOrder   []string
	retries     map[string]int
	workers     map[string]*worker[T]
	running     int
	paused      bool
	closed      bool
	calledEmpty bool
	calledDrain bool
	debounce    *time.Timer
	wake        *time.Timer
	limiter     *rate.Limiter
	lastWarn    map[string]time.Time
}

// Stats is a snapshot of the scheduler state.
type Stats struct {
	Pending  int // ids waiting in the store with tickets attached
	Held     int // pending ids taken while an in-flight batch owned them
	Running  int // batches in flight
	Workers  int // ids owned by in-flight batches
	Retrying int // ids with at least one failed attempt
	Paused   bool
	Drained  bool
}

// New validates opts, opens and initializes the store, and starts the
// scheduling loop.
func New[T any](opts Options[T]) (*Queue[T], error) {
	if opts.Process == nil {
		return nil, ErrNoProcess
	}
	opts = opts.withDefaults()
	log := opts.Logger.With(logx.String("comp", "queue"))

	st, owned, err := resolveStore(opts.Store, opts.Filo, log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := st.Init(ctx); err != nil {
		cancel()
		if owned {
			_ = st.Close()
		}
		return nil, fmt.Errorf("store init: %w", err)
	}

	q := &Queue[T]{
		opts:        opts,
		log:         log,
		bus:         opts.Bus,
		ctx:         ctx,
		cancel:      cancel,
		mb:          newMailbox(),
		stopCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
		st:          st,
		ownsStore:   owned,
		pending:     map[string]*ticketGroup{},
		held:        map[string]store.Entry{},
		retries:     map[string]int{},
		workers:     map[string]*worker[T]{},
		calledEmpty: true,
		calledDrain: true,
		lastWarn:    map[string]time.Time{},
	}
	if opts.RateLimit > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	if c, ok := st.(store.Counter); ok {
		if n, err := c.Len(ctx); err == nil && n > 0 {
			q.calledEmpty, q.calledDrain = false, false
			log.Info("store has persisted tasks", logx.Int("pending", n), logx.Bool("auto_resume", *opts.AutoResume))
		}
	}

	go q.run()
	if *opts.AutoResume {
		q.post(q.processNext)
	}
	return q, nil
}

func (q *Queue[T]) run() {
	defer close(q.loopDone)
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.mb.notify:
		}
		for {
			fn, ok := q.mb.next()
			if !ok {
				break
			}
			fn()
			select {
			case <-q.stopCh:
				return
			default:
			}
		}
	}
}

func (q *Queue[T]) post(fn func()) { q.mb.post(fn) }

// call runs fn on the loop goroutine and waits for it.
func (q *Queue[T]) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	q.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-q.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On registers a queue listener and returns its unsubscribe func.
func (q *Queue[T]) On(fn Listener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return q.lst.add(fn)
}

// Pause stops dispatching new batches and forwards to Pauser processors.
func (q *Queue[T]) Pause() {
	q.post(func() {
		q.paused = true
		for _, w := range q.activeWorkers() {
			w.pause()
		}
		q.log.Debug("queue paused", logx.Int("running", q.running))
	})
}

// Resume undoes Pause and kicks the loop.
func (q *Queue[T]) Resume() {
	q.post(func() {
		q.paused = false
		for _, w := range q.activeWorkers() {
			w.resume()
		}
		q.log.Debug("queue resumed", logx.Int("pending", len(q.pending)))
		q.processNext()
	})
}

// Use swaps the backing store. spec is a driver name, a store.Config, or a
// store.Store; it fails with ErrUnknownStore when spec cannot serve the
// configured ordering. Entries pending in the previous store stay there.
func (q *Queue[T]) Use(spec any) error {
	st, owned, err := resolveStore(spec, q.opts.Filo, q.log)
	if err != nil {
		return err
	}
	if err := st.Init(q.ctx); err != nil {
		if owned {
			_ = st.Close()
		}
		return fmt.Errorf("store init: %w", err)
	}
	var (
		prev      store.Store
		prevOwned bool
	)
	if err := q.call(context.Background(), func() {
		prev, prevOwned = q.st, q.ownsStore
		q.st, q.ownsStore = st, owned
	}); err != nil {
		if owned {
			_ = st.Close()
		}
		return err
	}
	if prevOwned && prev != nil {
		return prev.Close()
	}
	return nil
}

// Stats returns a snapshot taken on the loop goroutine.
func (q *Queue[T]) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.call(ctx, func() {
		s = Stats{
			Pending:  len(q.pending),
			Held:     len(q.held),
			Running:  q.running,
			Workers:  len(q.workers),
			Retrying: len(q.retries),
			Paused:   q.paused,
			Drained:  q.calledDrain && q.running == 0 && len(q.pending) == 0,
		}
	})
	return s, err
}

// WaitDrained blocks until the queue has no pending or running work.
func (q *Queue[T]) WaitDrained(ctx context.Context) error {
	ch := make(chan struct{}, 1)
	signal := func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	unsub := q.On(func(e Event) {
		if e.Kind == EventDrain {
			signal()
		}
	})
	defer unsub()

	if err := q.call(ctx, func() {
		if q.calledDrain && q.running == 0 && len(q.pending) == 0 {
			signal()
		}
	}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-q.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop. Tasks of in-flight batches that have not resolved
// are put back into the store and their tickets return to queued, so a
// persistent store resumes them on the next run. Pending tickets stay
// unresolved. Close closes the store if the queue opened it.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.closing.Store(true)
		err := q.call(ctx, q.shutdown)
		close(q.stopCh)
		q.cancel()
		<-q.loopDone
		if q.ownsStore {
			if cerr := q.st.Close(); err == nil {
				err = cerr
			}
		}
		q.closeErr = err
	})
	return q.closeErr
}

func (q *Queue[T]) shutdown() {
	q.closed = true
	if q.debounce != nil {
		q.debounce.Stop()
	}
	if q.wake != nil {
		q.wake.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, w := range q.activeWorkers() {
		w.stopTimer()
		for _, t := range w.job.abandon() {
			q.requeue(ctx, t, w.groups[t.ID])
		}
		w.job.cancel()
	}
	q.flushHeld(ctx)
	q.log.Debug("queue closed", logx.Int("pending", len(q.pending)), logx.Int("running", q.running))
}

// requeue puts an unresolved in-flight task back on close. A newer
// submission pending for the same id is merged with it, not overwritten, and
// the stopped tickets join that pending group ahead of the newer ones.
func (q *Queue[T]) requeue(ctx context.Context, t Task[T], g *ticketGroup) {
	if g != nil {
		g.stopped()
		if cur := q.pending[t.ID]; cur != nil {
			g.absorb(cur)
		}
		q.pending[t.ID] = g
	}

	newer, found, err := q.getTask(ctx, t.ID)
	if err != nil {
		q.log.Warn("failed to read pending task on close", logx.String("task", t.ID), logx.Err(err))
		return
	}
	if found {
		merged, ok, err := q.opts.Merge(ctx, t, newer)
		if err != nil || !ok {
			if err != nil {
				q.log.Debug("merge on close failed; keeping newer submission", logx.String("task", t.ID), logx.Err(err))
			}
			return
		}
		merged.ID = t.ID
		t = merged
	}
	if err := q.putTask(ctx, t); err != nil {
		q.log.Warn("failed to requeue task on close", logx.String("task", t.ID), logx.Err(err))
	}
}

func (q *Queue[T]) activeWorkers() []*worker[T] {
	seen := make(map[*worker[T]]bool, len(q.workers))
	out := make([]*worker[T], 0, len(q.workers))
	for _, w := range q.workers {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

func (q *Queue[T]) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	q.lst.emit(e)
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: "queue." + string(e.Kind), Time: e.Time, Data: e})
	}
}

// shouldWarn throttles repeated warnings with the same key.
func (q *Queue[T]) shouldWarn(key string, now time.Time, every time.Duration) bool {
	if last, ok := q.lastWarn[key]; ok && now.Sub(last) < every {
		return false
	}
	q.lastWarn[key] = now
	return true
}

func resolveStore(spec any, filo bool, log logx.Logger) (store.Store, bool, error) {
	var (
		st    store.Store
		owned bool
		err   error
	)
	switch v := spec.(type) {
	case nil:
		st, err = store.Open(store.Config{}, log)
		owned = true
	case string:
		st, err = store.Open(store.Config{Driver: v}, log)
		owned = true
	case store.Config:
		st, err = store.Open(v, log)
		owned = true
	case *store.Config:
		if v == nil {
			return nil, false, ErrUnknownStore
		}
		st, err = store.Open(*v, log)
		owned = true
	case store.Store:
		st = v
	default:
		return nil, false, fmt.Errorf("%w: %T", ErrUnknownStore, spec)
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnknownStore, err)
	}
	if filo {
		if _, ok := st.(store.LastTaker); !ok {
			if owned {
				_ = st.Close()
			}
			return nil, false, fmt.Errorf("%w: %T cannot take newest entries", ErrUnknownStore, st)
		}
	}
	return st, owned, nil
}
