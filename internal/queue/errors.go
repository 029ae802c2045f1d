package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNoProcess    = errors.New("queue has no process function")
	ErrUnknownStore = errors.New("unknown_store")
	ErrClosed       = errors.New("queue closed")
	ErrNotStarted   = errors.New("ticket not started")
	ErrResolved     = errors.New("ticket already resolved")
	// ErrTaskFailed matches every *TaskError with errors.Is.
	ErrTaskFailed = errors.New("task failed")
)

// Reason is a failure reason. Processors may report any string; the
// constants below are produced by the queue itself.
type Reason string

const (
	ReasonInputRejected Reason = "input_rejected"
	ReasonPutFailed     Reason = "failed_to_put_task"
	ReasonPriority      Reason = "failed_to_prioritize"
	ReasonGetFailed     Reason = "failed_to_get"
	ReasonMergeFailed   Reason = "failed_task_merge"
	ReasonTimeout       Reason = "task_timeout"
	ReasonCancelled     Reason = "cancelled"
	ReasonClosed        Reason = "queue_closed"
)

// TaskError is the error a failed Ticket resolves with.
type TaskError struct {
	TaskID string
	Reason Reason
}

func (e *TaskError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("task failed: %s", e.Reason)
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Reason)
}

func (e *TaskError) Is(target error) bool { return target == ErrTaskFailed }

// ReasonOf extracts the failure reason from err, if it is a *TaskError.
func ReasonOf(err error) (Reason, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Reason, true
	}
	return "", false
}
