package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrClosed        = errors.New("store closed")
	ErrNotReady      = errors.New("store not initialized")
)

// Entry is one pending task as the store sees it. Data is opaque.
type Entry struct {
	ID       string  `json:"id"`
	Data     []byte  `json:"data"`
	Priority float64 `json:"priority"`
	Total    int     `json:"total,omitempty"`
}

// Store is the ordered persistence contract.
//
// Put is an upsert; Take* atomically remove and return up to n entries.
// Implementations must be safe for concurrent use.
type Store interface {
	Init(ctx context.Context) error
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, bool, error)
	TakeFirst(ctx context.Context, n int) ([]Entry, error)
	Close() error
}

// LastTaker is required only when the queue runs in stack (FILO) order.
type LastTaker interface {
	TakeLast(ctx context.Context, n int) ([]Entry, error)
}

// Counter is implemented by backends that can report their size cheaply.
type Counter interface {
	Len(ctx context.Context) (int, error)
}

// Config selects and configures a backend.
//
// Driver values: "memory" (default), "file", "sqlite", "pebble".
// Path ":memory:" keeps sqlite/pebble data in memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Sync        bool          // fsync every write (file, pebble)
}
