package queue

import (
	"context"
	"sync"
	"testing"
)

type reportLog struct {
	mu      sync.Mutex
	reports []report
}

func (l *reportLog) sink(r report) {
	l.mu.Lock()
	l.reports = append(l.reports, r)
	l.mu.Unlock()
}

func (l *reportLog) kinds() []reportKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]reportKind, 0, len(l.reports))
	for _, r := range l.reports {
		out = append(out, r.kind)
	}
	return out
}

func TestJobInputNormalization(t *testing.T) {
	t.Parallel()
	var log reportLog
	one := []Task[int]{{ID: "a", Data: 1}}

	j := newJob(context.Background(), one, true, log.sink)
	if task, ok := j.Input().(Task[int]); !ok || task.ID != "a" {
		t.Fatalf("Input() = %#v, want bare task", j.Input())
	}

	j = newJob(context.Background(), one, false, log.sink)
	if b, ok := j.Input().(Batch[int]); !ok || len(b) != 1 {
		t.Fatalf("Input() = %#v, want batch", j.Input())
	}

	two := []Task[int]{{ID: "a"}, {ID: "b"}}
	j = newJob(context.Background(), two, true, log.sink)
	if b, ok := j.Input().(Batch[int]); !ok || len(b) != 2 {
		t.Fatalf("Input() = %#v, want batch of two", j.Input())
	}
	if ids := j.Batch().IDs(); len(ids) != 2 || ids[0] != "a" {
		t.Fatalf("IDs() = %v", ids)
	}
}

func TestJobResolvesEachTaskOnce(t *testing.T) {
	t.Parallel()
	var log reportLog
	j := newJob(context.Background(), []Task[int]{{ID: "a"}, {ID: "b"}}, false, log.sink)

	if !j.Finish("a", 1) {
		t.Fatal("first Finish(a) had no effect")
	}
	if j.Finish("a", 2) || j.Fail("a", "x") {
		t.Fatal("second report for a was accepted")
	}
	if j.Finish("zzz", 1) {
		t.Fatal("report for unknown id was accepted")
	}
	j.Progress("b", 1)
	j.failAll(ReasonTimeout)
	j.finishAll("late")
	if j.Progress("b", 2) {
		t.Fatal("progress after resolution was accepted")
	}

	want := []reportKind{reportFinish, reportProgress, reportFail, reportEnd}
	got := log.kinds()
	if len(got) != len(want) {
		t.Fatalf("reports = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reports = %v, want %v", got, want)
		}
	}
}

func TestJobAbandonReturnsUnresolved(t *testing.T) {
	t.Parallel()
	var log reportLog
	j := newJob(context.Background(), []Task[int]{{ID: "a"}, {ID: "b"}, {ID: "c"}}, false, log.sink)
	j.Finish("b", nil)

	left := j.abandon()
	if len(left) != 2 || left[0].ID != "a" || left[1].ID != "c" {
		t.Fatalf("abandon() = %v, want a and c", left)
	}
	if j.Finish("a", nil) {
		t.Fatal("report after abandon was accepted")
	}
	for _, k := range log.kinds() {
		if k == reportEnd {
			t.Fatal("abandoned job reported end")
		}
	}
}

func TestCancelableFuncCancelsContext(t *testing.T) {
	t.Parallel()
	var log reportLog
	j := newJob(context.Background(), []Task[int]{{ID: "a"}}, true, log.sink)
	var p Processor[int] = CancelableFunc[int](func(ctx context.Context, job *Job[int]) (any, error) {
		return nil, nil
	})
	c, ok := p.(Canceler[int])
	if !ok {
		t.Fatal("CancelableFunc does not implement Canceler")
	}
	c.Cancel(j)
	select {
	case <-j.Context().Done():
	default:
		t.Fatal("job context not cancelled")
	}
}
