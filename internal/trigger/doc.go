// Package trigger fires named schedules (cron expressions or fixed
// intervals) and hands each firing to a SubmitFunc, usually one that submits
// a task to the queue.
//
// The package only decides *when*; execution, retries and overlap handling
// belong to the queue. Submitting every firing of a schedule under the same
// task id lets the queue merge a firing into one that is still pending.
package trigger
