package sagaflow

import (
	"errors"
	"fmt"
)

// ErrConcurrencyConflict is returned by HistoryStore.Append when the incoming
// sequence number is not exactly one past the last stored event. The caller
// must re-read the history and recompute its decision.
var ErrConcurrencyConflict = errors.New("history append conflict: stale sequence number")

// ErrInstanceNotFound is returned when no instance exists for the given id.
var ErrInstanceNotFound = errors.New("orchestration instance not found")

// ErrDuplicateInstance is returned by CreateInstance when the id is in use.
var ErrDuplicateInstance = errors.New("orchestration instance id already in use")

// ErrQueueClosed is returned by WorkQueue operations after Close.
var ErrQueueClosed = errors.New("work queue closed")

// BusinessError marks an activity failure that must not be retried by the
// worker pool. It is surfaced to the orchestrator as a resolved TaskFailed so
// saga logic can decide to compensate. Transient infrastructure failures are
// plain errors and stay below the saga layer.
type BusinessError struct {
	Message string
}

// Businessf creates a BusinessError from a format string.
func Businessf(format string, args ...any) *BusinessError {
	return &BusinessError{Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface for BusinessError.
func (e *BusinessError) Error() string {
	return e.Message
}

// TaskFailedError is what Task.Await returns when the awaited activity or
// sub-orchestration resolved with a TaskFailed event. Transient reports
// whether the failure came from an exhausted retry policy rather than a
// business decision.
type TaskFailedError struct {
	TaskID    int64
	Name      string
	Reason    string
	Transient bool
	Attempts  int
}

// Error implements the error interface for TaskFailedError.
func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %q failed: %s", e.Name, e.Reason)
}

// OrchestratorFaultError records an unhandled error escaping orchestrator
// logic. The instance is marked Failed with the fault as output; faults are
// terminal and never retried.
type OrchestratorFaultError struct {
	InstanceID string
	Reason     string
}

// Error implements the error interface for OrchestratorFaultError.
func (e *OrchestratorFaultError) Error() string {
	return fmt.Sprintf("orchestration %s faulted: %s", e.InstanceID, e.Reason)
}

// NondeterminismError reports that a replay diverged from recorded history:
// the orchestrator scheduled a different operation than the one on record at
// the same position. This always indicates non-deterministic orchestrator
// code and is surfaced as an orchestrator fault.
func NondeterminismError(instanceID string, recorded, got string) error {
	return &OrchestratorFaultError{
		InstanceID: instanceID,
		Reason:     fmt.Sprintf("non-deterministic replay: history recorded %s, orchestrator scheduled %s", recorded, got),
	}
}

// WaitTimeoutError is returned by Client.WaitForCompletion when the instance
// did not reach a terminal status within the timeout. It carries the instance
// id so the caller can poll again later.
type WaitTimeoutError struct {
	InstanceID string
	Status     Status
}

// Error implements the error interface for WaitTimeoutError.
func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("instance %s still %s after wait timeout", e.InstanceID, e.Status)
}
