package queue

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventTaskFinish   EventKind = "task_finish"
	EventTaskFailed   EventKind = "task_failed"
	EventTaskProgress EventKind = "task_progress"
	EventTaskRetry    EventKind = "task_retry"
	EventEmpty        EventKind = "empty"
	EventDrain        EventKind = "drain"
)

// Event is a queue-level notification. Fields not relevant to Kind are zero.
type Event struct {
	Kind     EventKind
	Time     time.Time
	TaskID   string
	Result   any
	Reason   Reason
	Progress Progress
	// Attempt is the number of failed attempts so far (task_retry).
	Attempt int
}

// Listener is called synchronously from the scheduling loop. It must not
// block; calling Queue methods that wait on the loop (Stats, Use, Close)
// from a Listener deadlocks.
type Listener func(Event)

type listeners struct {
	mu   sync.RWMutex
	seq  uint64
	list []listenerEntry
}

type listenerEntry struct {
	id uint64
	fn Listener
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	l.seq++
	id := l.seq
	l.list = append(l.list, listenerEntry{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, e := range l.list {
				if e.id == id {
					l.list = append(l.list[:i:i], l.list[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *listeners) emit(e Event) {
	l.mu.RLock()
	list := l.list
	l.mu.RUnlock()
	for _, le := range list {
		le.fn(e)
	}
}
