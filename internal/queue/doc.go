// Package queue is an in-process task scheduler.
//
// Callers Submit tasks and get a Ticket back. The Queue stores pending tasks
// in a store.Store, merges duplicates by id, takes batches in priority and
// arrival order, and hands each batch to a Processor while keeping at most
// Options.Concurrent batches in flight. Failed tasks are retried up to
// Options.MaxRetries before their tickets fail.
//
// All scheduler state (pending tickets, retry counters, the id -> worker
// registry) is owned by a single loop goroutine. Public methods and worker
// reports are commands posted to that goroutine, so none of those tables
// need a lock.
//
// Notifications:
//   - per submission: Ticket observers (accepted, queued, started, progress,
//     finish, fail) and the future-style Ticket.Wait;
//   - per queue: listeners registered with On, and eventbus topics
//     "queue.<kind>" when Options.Bus is set.
package queue
