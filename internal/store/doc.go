// Package store defines the ordered persistence contract the queue schedules
// from, and the backends that implement it.
//
// Backends are selected by driver name through a registry:
//   - "memory": process-local, lost on exit (default)
//   - "file":   JSON Lines journal + periodic snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "pebble": Pebble LSM directory
//
// Every backend orders entries the same way: higher priority first, then
// insertion order (oldest first for TakeFirst, newest first for TakeLast).
// Re-putting an existing id keeps its original position.
package store
