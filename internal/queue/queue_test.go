package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"batchq/internal/eventbus"
	"batchq/internal/store"
)

const waitFor = 5 * time.Second

func newTestQueue[T any](t *testing.T, opts Options[T]) *Queue[T] {
	t.Helper()
	q, err := New(opts)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func wait(t *testing.T, tk *Ticket) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := tk.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ticket %s did not resolve (status %v)", tk.TaskID(), tk.Status())
	}
	return res, err
}

func waitDrained[T any](t *testing.T, q *Queue[T]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := q.WaitDrained(ctx); err != nil {
		t.Fatalf("WaitDrained error: %v", err)
	}
}

// recorder collects queue events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func echo(_ context.Context, job *Job[int]) (any, error) {
	return job.Tasks()[0].Data * 10, nil
}

func TestNewRequiresProcess(t *testing.T) {
	t.Parallel()
	if _, err := New(Options[int]{}); !errors.Is(err, ErrNoProcess) {
		t.Fatalf("New without process err = %v, want ErrNoProcess", err)
	}
}

// lastless hides TakeLast from the memory store.
type lastless struct{ store.Store }

func TestUseValidatesStore(t *testing.T) {
	t.Parallel()
	proc := ProcessorFunc[int](echo)

	if _, err := New(Options[int]{Process: proc, Store: "nope"}); !errors.Is(err, ErrUnknownStore) {
		t.Fatalf("unknown driver err = %v, want ErrUnknownStore", err)
	}
	if _, err := New(Options[int]{Process: proc, Store: 42}); !errors.Is(err, ErrUnknownStore) {
		t.Fatalf("bad spec type err = %v, want ErrUnknownStore", err)
	}
	if _, err := New(Options[int]{Process: proc, Filo: true, Store: lastless{store.NewMemory()}}); !errors.Is(err, ErrUnknownStore) {
		t.Fatalf("filo without TakeLast err = %v, want ErrUnknownStore", err)
	}

	q := newTestQueue(t, Options[int]{Process: proc, Filo: true})
	if err := q.Use(lastless{store.NewMemory()}); !errors.Is(err, ErrUnknownStore) {
		t.Fatalf("Use(lastless) err = %v, want ErrUnknownStore", err)
	}
	if err := q.Use(store.Config{Driver: "sqlite", Path: ":memory:"}); err != nil {
		t.Fatalf("Use(sqlite) err = %v", err)
	}
	res, err := wait(t, q.Submit(Task[int]{ID: "a", Data: 4}))
	if err != nil || res != 40 {
		t.Fatalf("after Use: result = %v, err = %v", res, err)
	}
}

func TestDistinctSubmissionsResolveOnce(t *testing.T) {
	t.Parallel()
	var rec recorder
	q := newTestQueue(t, Options[int]{Process: ProcessorFunc[int](echo), Concurrent: 3})
	q.On(rec.listen)

	const n = 25
	tickets := make([]*Ticket, 0, n)
	terminal := make([]atomic.Int32, n)
	for i := 0; i < n; i++ {
		i := i
		tickets = append(tickets, q.Submit(Task[int]{ID: fmt.Sprintf("t%d", i), Data: i}, WithObserver(func(e TicketEvent) {
			if e.Status.Terminal() {
				terminal[i].Add(1)
			}
		})))
	}
	for i, tk := range tickets {
		res, err := wait(t, tk)
		if err != nil || res != i*10 {
			t.Fatalf("ticket %d: result = %v, err = %v", i, res, err)
		}
	}
	waitDrained(t, q)

	for i := range terminal {
		if got := terminal[i].Load(); got != 1 {
			t.Fatalf("ticket %d saw %d terminal events, want 1", i, got)
		}
	}
	if got := rec.count(EventTaskFinish); got != n {
		t.Fatalf("task_finish events = %d, want %d", got, n)
	}
	if got := rec.count(EventTaskFailed); got != 0 {
		t.Fatalf("task_failed events = %d, want 0", got)
	}
}

func TestFilterRejectsInput(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](echo),
		Store:   mem,
		Filter: func(_ context.Context, in Task[int]) (Task[int], bool, error) {
			if in.Data < 0 {
				return in, false, nil
			}
			if in.Data == 13 {
				return in, false, errors.New("unlucky")
			}
			in.Data++
			return in, true, nil
		},
	})

	for _, v := range []int{-1, 13} {
		_, err := wait(t, q.Submit(Task[int]{Data: v}))
		if r, _ := ReasonOf(err); r != ReasonInputRejected {
			t.Fatalf("Data=%d: err = %v, want input_rejected", v, err)
		}
	}
	if n, _ := mem.Len(context.Background()); n != 0 {
		t.Fatalf("store holds %d entries after rejections", n)
	}

	tk := q.Submit(Task[int]{Data: 1})
	res, err := wait(t, tk)
	if err != nil || res != 20 {
		t.Fatalf("filtered task result = %v, err = %v; want 20", res, err)
	}
	if tk.TaskID() == "" {
		t.Fatal("generated id is empty")
	}
}

func TestMergeReplacesPendingTask(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	var calls atomic.Int32
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(ctx context.Context, job *Job[int]) (any, error) {
			calls.Add(1)
			return echo(ctx, job)
		}),
		Store:        mem,
		ProcessDelay: 200 * time.Millisecond,
	})

	first := q.Submit(Task[int]{ID: "a", Data: 1})
	second := q.Submit(Task[int]{ID: "a", Data: 2})

	st, err := q.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 1 {
		t.Fatalf("pending groups = %d, want 1", st.Pending)
	}
	if n, _ := mem.Len(context.Background()); n != 1 {
		t.Fatalf("store entries = %d, want 1", n)
	}

	r1, e1 := wait(t, first)
	r2, e2 := wait(t, second)
	if e1 != nil || e2 != nil || r1 != 20 || r2 != 20 {
		t.Fatalf("results = (%v, %v), (%v, %v); want both 20", r1, e1, r2, e2)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("process calls = %d, want 1", got)
	}
}

// A merge that keeps the pending task gives the new ticket no outcome of its
// own: it resolves only with the pending task's result.
func TestMergeWithoutReplacementSharesOutcome(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	q := newTestQueue(t, Options[int]{
		Process:      ProcessorFunc[int](echo),
		Store:        mem,
		ProcessDelay: 200 * time.Millisecond,
		Merge: func(context.Context, Task[int], Task[int]) (Task[int], bool, error) {
			return Task[int]{}, false, nil
		},
	})

	first := q.Submit(Task[int]{ID: "a", Data: 1})
	second := q.Submit(Task[int]{ID: "a", Data: 2})
	if _, err := q.Stats(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n, _ := mem.Len(context.Background()); n != 1 {
		t.Fatalf("store entries = %d, want 1", n)
	}
	if second.Status() != StatusQueued {
		t.Fatalf("second ticket status = %v, want queued", second.Status())
	}

	r1, _ := wait(t, first)
	r2, _ := wait(t, second)
	if r1 != 10 || r2 != 10 {
		t.Fatalf("results = %v, %v; want both from the pending task (10)", r1, r2)
	}
}

func TestMergeErrorFailsTicket(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options[int]{
		Process:      ProcessorFunc[int](echo),
		ProcessDelay: 100 * time.Millisecond,
		Merge: func(context.Context, Task[int], Task[int]) (Task[int], bool, error) {
			return Task[int]{}, false, errors.New("conflict")
		},
	})
	first := q.Submit(Task[int]{ID: "a", Data: 1})
	_, err := wait(t, q.Submit(Task[int]{ID: "a", Data: 2}))
	if r, _ := ReasonOf(err); r != ReasonMergeFailed {
		t.Fatalf("err = %v, want failed_task_merge", err)
	}
	if res, err := wait(t, first); err != nil || res != 10 {
		t.Fatalf("first ticket = %v, %v", res, err)
	}
}

const nanPriority = 1000

func TestPriorityFailureAndOrder(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		order []int
	)
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(_ context.Context, job *Job[int]) (any, error) {
			mu.Lock()
			order = append(order, job.Tasks()[0].Data)
			mu.Unlock()
			return nil, nil
		}),
		ProcessDelay: 100 * time.Millisecond,
		Priority: func(_ context.Context, t Task[int]) (float64, error) {
			switch {
			case t.Data == nanPriority:
				return math.NaN(), nil
			case t.Data < 0:
				return 0, errors.New("negative")
			}
			return float64(t.Data), nil
		},
	})

	_, err := wait(t, q.Submit(Task[int]{Data: -1}))
	if r, _ := ReasonOf(err); r != ReasonPriority {
		t.Fatalf("err = %v, want failed_to_prioritize", err)
	}
	_, err = wait(t, q.Submit(Task[int]{Data: nanPriority}))
	if r, _ := ReasonOf(err); r != ReasonPriority {
		t.Fatalf("NaN priority err = %v, want failed_to_prioritize", err)
	}
	for _, v := range []int{1, 3, 2} {
		q.Submit(Task[int]{Data: v})
	}
	waitDrained(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("order = %v, want [3 2 1]", order)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	t.Parallel()
	const limit = 3
	var active, peak atomic.Int32
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(context.Context, *Job[int]) (any, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		}),
		Concurrent: limit,
	})

	tickets := make([]*Ticket, 0, 30)
	for i := 0; i < 30; i++ {
		tickets = append(tickets, q.Submit(Task[int]{Data: i}))
	}
	for _, tk := range tickets {
		if _, err := wait(t, tk); err != nil {
			t.Fatalf("ticket err = %v", err)
		}
	}
	if got := peak.Load(); got > limit {
		t.Fatalf("peak concurrency = %d, want <= %d", got, limit)
	}
}

func TestRetriesThenFails(t *testing.T) {
	t.Parallel()
	const retries = 3
	var attempts atomic.Int32
	var rec recorder
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(context.Context, *Job[int]) (any, error) {
			attempts.Add(1)
			return nil, errors.New("boom")
		}),
		MaxRetries: retries,
	})
	q.On(rec.listen)

	var started atomic.Int32
	tk := q.Submit(Task[int]{ID: "x"}, WithObserver(func(e TicketEvent) {
		if e.Kind == TicketStarted {
			started.Add(1)
		}
	}))
	_, err := wait(t, tk)
	waitDrained(t, q)

	if r, _ := ReasonOf(err); r != "boom" {
		t.Fatalf("err = %v, want boom", err)
	}
	if got := attempts.Load(); got != retries {
		t.Fatalf("attempts = %d, want %d", got, retries)
	}
	if got := rec.count(EventTaskRetry); got != retries-1 {
		t.Fatalf("task_retry events = %d, want %d", got, retries-1)
	}
	if got := rec.count(EventTaskFailed); got != 1 {
		t.Fatalf("task_failed events = %d, want 1", got)
	}
	if got := started.Load(); got != 1 {
		t.Fatalf("started events = %d, want 1", got)
	}

	// A fresh submission of the same id starts counting again.
	attempts.Store(0)
	_, _ = wait(t, q.Submit(Task[int]{ID: "x"}))
	if got := attempts.Load(); got != retries {
		t.Fatalf("second run attempts = %d, want %d", got, retries)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(context.Context, *Job[int]) (any, error) {
			if attempts.Add(1) < 2 {
				return nil, errors.New("flaky")
			}
			return "ok", nil
		}),
		MaxRetries: 5,
	})
	res, err := wait(t, q.Submit(Task[int]{ID: "y"}))
	if err != nil || res != "ok" {
		t.Fatalf("result = %v, err = %v", res, err)
	}
	if st, _ := q.Stats(context.Background()); st.Retrying != 0 {
		t.Fatalf("retry counters left = %d, want 0", st.Retrying)
	}
}

func TestProcessTimeout(t *testing.T) {
	t.Parallel()
	const timeout = 100 * time.Millisecond
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(ctx context.Context, job *Job[int]) (any, error) {
			<-ctx.Done()
			// Discarded: the timeout already resolved this task.
			job.Finish(job.Tasks()[0].ID, "late")
			return "late", nil
		}),
		ProcessTimeout: timeout,
	})

	start := time.Now()
	_, err := wait(t, q.Submit(Task[int]{ID: "slow"}))
	elapsed := time.Since(start)

	if r, _ := ReasonOf(err); r != ReasonTimeout {
		t.Fatalf("err = %v, want task_timeout", err)
	}
	if elapsed < timeout {
		t.Fatalf("timed out after %v, before %v", elapsed, timeout)
	}
	if elapsed > timeout+2*time.Second {
		t.Fatalf("timed out after %v, far later than %v", elapsed, timeout)
	}
}

func TestEmptyAndDrainFireOnce(t *testing.T) {
	t.Parallel()
	var rec recorder
	release := make(chan struct{})
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(context.Context, *Job[int]) (any, error) {
			<-release
			return nil, nil
		}),
		Concurrent: 2,
	})
	q.On(rec.listen)

	tk := q.Submit(Task[int]{ID: "a"})
	deadline := time.Now().Add(waitFor)
	for rec.count(EventEmpty) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.count(EventEmpty); got != 1 {
		t.Fatalf("empty events while running = %d, want 1", got)
	}
	if got := rec.count(EventDrain); got != 0 {
		t.Fatalf("drain events while running = %d, want 0", got)
	}

	close(release)
	_, _ = wait(t, tk)
	waitDrained(t, q)
	q.Resume() // extra loop passes must not re-fire
	if _, err := q.Stats(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := rec.count(EventEmpty); got != 1 {
		t.Fatalf("empty events = %d, want 1", got)
	}
	if got := rec.count(EventDrain); got != 1 {
		t.Fatalf("drain events = %d, want 1", got)
	}

	_, _ = wait(t, q.Submit(Task[int]{ID: "b"}))
	waitDrained(t, q)
	if got := rec.count(EventDrain); got != 2 {
		t.Fatalf("drain events after new work = %d, want 2", got)
	}
}

func dispatchOrder(t *testing.T, filo bool) []string {
	t.Helper()
	var (
		mu    sync.Mutex
		order []string
	)
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(_ context.Context, job *Job[int]) (any, error) {
			mu.Lock()
			order = append(order, job.Tasks()[0].ID)
			mu.Unlock()
			return nil, nil
		}),
		Filo:         filo,
		ProcessDelay: 100 * time.Millisecond,
	})
	q.Submit(Task[int]{ID: "first"})
	q.Submit(Task[int]{ID: "second"})
	waitDrained(t, q)
	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), order...)
}

func TestOrdering(t *testing.T) {
	t.Parallel()
	if got := dispatchOrder(t, false); strings.Join(got, ",") != "first,second" {
		t.Fatalf("fifo order = %v", got)
	}
	if got := dispatchOrder(t, true); strings.Join(got, ",") != "second,first" {
		t.Fatalf("filo order = %v", got)
	}
}

func TestSerialCompletionPrecedesNextDispatch(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		log []string
	)
	add := func(s string) {
		mu.Lock()
		log = append(log, s)
		mu.Unlock()
	}
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(_ context.Context, job *Job[int]) (any, error) {
			add("dispatch " + job.Tasks()[0].ID)
			return nil, nil
		}),
	})
	q.On(func(e Event) {
		if e.Kind == EventTaskFinish {
			add("finish " + e.TaskID)
		}
	})
	q.Submit(Task[int]{ID: "1"})
	q.Submit(Task[int]{ID: "2"})
	waitDrained(t, q)

	mu.Lock()
	defer mu.Unlock()
	want := "dispatch 1,finish 1,dispatch 2,finish 2"
	if got := strings.Join(log, ","); got != want {
		t.Fatalf("log = %s, want %s", got, want)
	}
}

func TestBatchInput(t *testing.T) {
	t.Parallel()
	sizes := make(chan int, 4)
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(_ context.Context, job *Job[int]) (any, error) {
			b, ok := job.Input().(Batch[int])
			if !ok {
				return nil, errors.New("expected a batch")
			}
			sizes <- len(b)
			for id, task := range b {
				job.Finish(id, task.Data)
			}
			return nil, nil
		}),
		BatchSize:    3,
		ProcessDelay: 100 * time.Millisecond,
	})
	var tickets []*Ticket
	for i := 1; i <= 4; i++ {
		tickets = append(tickets, q.Submit(Task[int]{ID: fmt.Sprint(i), Data: i}))
	}
	for i, tk := range tickets {
		res, err := wait(t, tk)
		if err != nil || res != i+1 {
			t.Fatalf("ticket %d = %v, %v", i, res, err)
		}
	}
	if a, b := <-sizes, <-sizes; a != 3 || b != 1 {
		t.Fatalf("batch sizes = %d, %d; want 3, 1", a, b)
	}
}

func TestProgressReachesTicketAndListeners(t *testing.T) {
	t.Parallel()
	var rec recorder
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(_ context.Context, job *Job[int]) (any, error) {
			id := job.Tasks()[0].ID
			job.Progress(id, 1)
			job.Progress(id, 2)
			return nil, nil
		}),
	})
	q.On(rec.listen)

	var pcts []int
	var mu sync.Mutex
	tk := q.Submit(Task[int]{ID: "p", Total: 4}, WithObserver(func(e TicketEvent) {
		if e.Kind == TicketProgress {
			mu.Lock()
			pcts = append(pcts, e.Progress.Pct)
			mu.Unlock()
		}
	}))
	_, _ = wait(t, tk)
	waitDrained(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(pcts) != 2 || pcts[0] != 25 || pcts[1] != 50 {
		t.Fatalf("ticket progress pcts = %v, want [25 50]", pcts)
	}
	if got := rec.count(EventTaskProgress); got != 2 {
		t.Fatalf("task_progress events = %d, want 2", got)
	}
}

func TestCancelIfRunning(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	q := newTestQueue(t, Options[int]{
		Process: CancelableFunc[int](func(ctx context.Context, job *Job[int]) (any, error) {
			task := job.Tasks()[0]
			if task.Data == 1 {
				started <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return task.Data, nil
		}),
	})

	first := q.Submit(Task[int]{ID: "job", Data: 1})
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("first run never started")
	}
	second := q.Submit(Task[int]{ID: "job", Data: 2})

	_, err := wait(t, first)
	if r, _ := ReasonOf(err); r != ReasonCancelled {
		t.Fatalf("first err = %v, want cancelled", err)
	}
	if res, err := wait(t, second); err != nil || res != 2 {
		t.Fatalf("second = %v, %v; want 2", res, err)
	}
}

func TestSameIDWaitsForRunningBatch(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var active, peak atomic.Int32
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(_ context.Context, job *Job[int]) (any, error) {
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			if job.Tasks()[0].Data == 1 {
				<-release
			}
			active.Add(-1)
			return job.Tasks()[0].Data, nil
		}),
		Concurrent: 4,
	})

	first := q.Submit(Task[int]{ID: "k", Data: 1})
	deadline := time.Now().Add(waitFor)
	for active.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	second := q.Submit(Task[int]{ID: "k", Data: 2})
	time.Sleep(50 * time.Millisecond)
	if second.Status() == StatusStarted {
		t.Fatal("second run of k started while the first was in flight")
	}
	close(release)

	if res, _ := wait(t, first); res != 1 {
		t.Fatalf("first = %v", res)
	}
	if res, _ := wait(t, second); res != 2 {
		t.Fatalf("second = %v", res)
	}
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak runs of k = %d, want 1", got)
	}
}

func TestHeldIDDoesNotBlockFreeSlot(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan int, 4)
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(_ context.Context, job *Job[int]) (any, error) {
			v := job.Tasks()[0].Data
			started <- v
			if v == 1 {
				<-release
			}
			return v, nil
		}),
		Concurrent:      2,
		ProcessDelay:    50 * time.Millisecond,
		CancelIfRunning: Bool(false),
	})
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	first := q.Submit(Task[int]{ID: "a", Data: 1})
	if v := <-started; v != 1 {
		t.Fatalf("first dispatch = %d, want 1", v)
	}
	again := q.Submit(Task[int]{ID: "a", Data: 2})
	other := q.Submit(Task[int]{ID: "b", Data: 3})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if res, err := other.Wait(ctx); err != nil || res != 3 {
		st, _ := q.Stats(context.Background())
		t.Fatalf("b = %v, %v while a was in flight; stats = %+v", res, err, st)
	}
	if again.Status() == StatusStarted || again.Status().Terminal() {
		t.Fatalf("second a status = %v before first a ended", again.Status())
	}
	if st, _ := q.Stats(context.Background()); st.Held != 1 {
		t.Fatalf("held = %d, want 1", st.Held)
	}

	close(release)
	if res, _ := wait(t, first); res != 1 {
		t.Fatalf("first a = %v, want 1", res)
	}
	if res, _ := wait(t, again); res != 2 {
		t.Fatalf("second a = %v, want 2", res)
	}
}

func TestHeldEntriesKeepTheirTurn(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(_ context.Context, job *Job[int]) (any, error) {
			v := job.Tasks()[0].Data
			if v == 1 {
				<-release
			}
			return v, nil
		}),
		Concurrent:      2,
		CancelIfRunning: Bool(false),
	})

	var (
		mu    sync.Mutex
		order []int
	)
	record := func(v int) func(TicketEvent) {
		return func(e TicketEvent) {
			if e.Kind == TicketStarted {
				mu.Lock()
				order = append(order, v)
				mu.Unlock()
			}
		}
	}

	first := q.Submit(Task[int]{ID: "a", Data: 1})
	deadline := time.Now().Add(waitFor)
	for first.Status() != StatusStarted && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	q.Submit(Task[int]{ID: "a", Data: 2}).OnEvent(record(2))
	for time.Now().Before(deadline) {
		if st, _ := q.Stats(context.Background()); st.Held == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	q.Pause()
	q.Submit(Task[int]{ID: "c", Data: 3}).OnEvent(record(3))
	close(release)
	if res, _ := wait(t, first); res != 1 {
		t.Fatalf("first a = %v", res)
	}
	q.Resume()
	waitDrained(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 2 || order[1] != 3 {
		t.Fatalf("dispatch order = %v, want [2 3]", order)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(ctx context.Context, job *Job[int]) (any, error) {
			calls.Add(1)
			return echo(ctx, job)
		}),
	})
	q.Pause()
	tk := q.Submit(Task[int]{Data: 1})
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("process ran %d times while paused", got)
	}
	if st, _ := q.Stats(context.Background()); !st.Paused || st.Pending != 1 {
		t.Fatalf("stats while paused = %+v", st)
	}
	q.Resume()
	if res, err := wait(t, tk); err != nil || res != 10 {
		t.Fatalf("after resume = %v, %v", res, err)
	}
}

type pausingProc struct {
	paused, resumed atomic.Int32
	release         chan struct{}
}

func (p *pausingProc) Process(context.Context, *Job[int]) (any, error) {
	<-p.release
	return nil, nil
}
func (p *pausingProc) Pause(*Job[int])  { p.paused.Add(1) }
func (p *pausingProc) Resume(*Job[int]) { p.resumed.Add(1) }

func TestPauseForwardsToWorkers(t *testing.T) {
	t.Parallel()
	proc := &pausingProc{release: make(chan struct{})}
	q := newTestQueue(t, Options[int]{Process: proc})
	tk := q.Submit(Task[int]{ID: "n"})

	deadline := time.Now().Add(waitFor)
	for tk.Status() != StatusStarted && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	q.Pause()
	q.Resume()
	if _, err := q.Stats(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(proc.release)
	_, _ = wait(t, tk)
	if proc.paused.Load() != 1 || proc.resumed.Load() != 1 {
		t.Fatalf("pause/resume forwarded = %d/%d, want 1/1", proc.paused.Load(), proc.resumed.Load())
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(context.Context, *Job[int]) (any, error) {
			panic("kaboom")
		}),
	})
	_, err := wait(t, q.Submit(Task[int]{ID: "p"}))
	if r, _ := ReasonOf(err); !strings.Contains(string(r), "kaboom") {
		t.Fatalf("err = %v, want panic reason", err)
	}
}

func TestCloseRequeuesInFlightTasks(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	q, err := New(Options[int]{
		Process: ProcessorFunc[int](func(ctx context.Context, _ *Job[int]) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Store: mem,
	})
	if err != nil {
		t.Fatal(err)
	}
	tk := q.Submit(Task[int]{ID: "keep", Data: 7})
	deadline := time.Now().Add(waitFor)
	for tk.Status() != StatusStarted && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if tk.Status() != StatusQueued {
		t.Fatalf("ticket status after close = %v, want queued", tk.Status())
	}
	e, ok, err := mem.Get(context.Background(), "keep")
	if err != nil || !ok || string(e.Data) != "7" {
		t.Fatalf("requeued entry = %+v, %v, %v", e, ok, err)
	}
	if late := q.Submit(Task[int]{ID: "late"}); late.Status() != StatusFailed {
		t.Fatalf("submit after close status = %v, want failed", late.Status())
	}
}

func TestCloseKeepsNewerPendingSubmission(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	q, err := New(Options[int]{
		Process: ProcessorFunc[int](func(ctx context.Context, _ *Job[int]) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Store:           mem,
		CancelIfRunning: Bool(false),
	})
	if err != nil {
		t.Fatal(err)
	}
	running := q.Submit(Task[int]{ID: "a", Data: 1})
	deadline := time.Now().Add(waitFor)
	for running.Status() != StatusStarted && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	newer := q.Submit(Task[int]{ID: "a", Data: 2})
	for newer.Status() != StatusQueued && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	e, ok, err := mem.Get(context.Background(), "a")
	if err != nil || !ok || string(e.Data) != "2" {
		t.Fatalf("pending a after close = %q, %v, %v; want data 2", e.Data, ok, err)
	}
	if running.Status() != StatusQueued || newer.Status() != StatusQueued {
		t.Fatalf("statuses after close = %v, %v; want queued, queued", running.Status(), newer.Status())
	}
}

func TestAutoResumeProcessesPersistedEntries(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := mem.Put(ctx, store.Entry{ID: id, Data: []byte("3")}); err != nil {
			t.Fatal(err)
		}
	}
	var rec recorder
	done := make(chan struct{})
	var once sync.Once
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](echo),
		Store:   mem,
		// Register the listener before the first dispatch.
		AutoResume: Bool(false),
	})
	q.On(rec.listen)
	q.On(func(e Event) {
		if e.Kind == EventDrain {
			once.Do(func() { close(done) })
		}
	})
	q.Resume()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("persisted entries never drained")
	}
	if got := rec.count(EventTaskFinish); got != 2 {
		t.Fatalf("task_finish events = %d, want 2", got)
	}
}

func TestRateLimitSpacesDispatches(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		times []time.Time
	)
	q := newTestQueue(t, Options[int]{
		Process: ProcessorFunc[int](func(context.Context, *Job[int]) (any, error) {
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
			return nil, nil
		}),
		Concurrent: 4,
		RateLimit:  20, // one dispatch every 50ms
		RateBurst:  1,
	})
	for i := 0; i < 3; i++ {
		q.Submit(Task[int]{Data: i})
	}
	waitDrained(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(times) != 3 {
		t.Fatalf("dispatches = %d, want 3", len(times))
	}
	if span := times[2].Sub(times[0]); span < 80*time.Millisecond {
		t.Fatalf("3 dispatches spanned %v, want >= ~100ms", span)
	}
}

func TestEventsPublishedOnBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "queue.task_finish")
	defer unsub()
	q := newTestQueue(t, Options[int]{Process: ProcessorFunc[int](echo), Bus: bus})
	_, _ = wait(t, q.Submit(Task[int]{ID: "bus", Data: 1}))

	select {
	case e := <-ch:
		ev, ok := e.Data.(Event)
		if !ok || ev.TaskID != "bus" || ev.Result != 10 {
			t.Fatalf("bus event = %+v", e)
		}
	case <-time.After(waitFor):
		t.Fatal("no queue.task_finish on bus")
	}
}
