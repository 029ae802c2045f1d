package store

import (
	"context"
	"sync"

	logx "batchq/pkg/logx"
)

func init() {
	Register("memory", func(cfg Config, log logx.Logger) (Store, error) {
		return NewMemory(), nil
	})
}

// Memory is the default process-local backend.
type Memory struct {
	mu     sync.Mutex
	idx    *index
	closed bool
}

// NewMemory returns an empty, ready-to-use memory store.
func NewMemory() *Memory {
	return &Memory{idx: newIndex()}
}

func (m *Memory) Init(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Put(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.idx.put(e)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, false, ErrClosed
	}
	e, ok := m.idx.get(id)
	return e, ok, nil
}

func (m *Memory) TakeFirst(ctx context.Context, n int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.idx.takeFirst(n), nil
}

func (m *Memory) TakeLast(ctx context.Context, n int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.idx.takeLast(n), nil
}

func (m *Memory) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idx.len(), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
