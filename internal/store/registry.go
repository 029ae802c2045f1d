package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	logx "batchq/pkg/logx"
)

// Factory builds an uninitialized Store. I/O belongs in Store.Init.
type Factory func(cfg Config, log logx.Logger) (Store, error)

var registry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{m: map[string]Factory{}}

// Register makes a backend available under name (case-insensitive).
// Registering the same name twice replaces the previous factory.
func Register(name string, f Factory) {
	name = normalizeDriver(name)
	if name == "" || f == nil {
		panic("store: Register requires a name and a factory")
	}
	registry.mu.Lock()
	registry.m[name] = f
	registry.mu.Unlock()
}

// Drivers lists registered driver names, sorted.
func Drivers() []string {
	registry.mu.RLock()
	out := make([]string, 0, len(registry.m))
	for k := range registry.m {
		out = append(out, k)
	}
	registry.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Open constructs the configured backend. An empty driver selects "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := normalizeDriver(cfg.Driver)
	if driver == "" {
		driver = "memory"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	registry.mu.RLock()
	f := registry.m[driver]
	registry.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
	cfg.Driver = driver
	return f(cfg, log.With(logx.String("driver", driver)))
}

func normalizeDriver(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "sqlite3" {
		return "sqlite"
	}
	return s
}
