package sagaflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind defines the types of events that can appear in an instance history.
type EventKind int

const (
	KindOrchestratorStarted EventKind = iota + 1
	KindTaskScheduled
	KindTaskCompleted
	KindTaskFailed
	KindSubOrchestrationScheduled
	KindSubOrchestrationCompleted
	KindSubOrchestrationFailed
	KindOrchestratorCompleted
	KindOrchestratorFailed
	KindExecutionTerminated
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	switch k {
	case KindOrchestratorStarted:
		return "orchestrator_started"
	case KindTaskScheduled:
		return "task_scheduled"
	case KindTaskCompleted:
		return "task_completed"
	case KindTaskFailed:
		return "task_failed"
	case KindSubOrchestrationScheduled:
		return "sub_orchestration_scheduled"
	case KindSubOrchestrationCompleted:
		return "sub_orchestration_completed"
	case KindSubOrchestrationFailed:
		return "sub_orchestration_failed"
	case KindOrchestratorCompleted:
		return "orchestrator_completed"
	case KindOrchestratorFailed:
		return "orchestrator_failed"
	case KindExecutionTerminated:
		return "execution_terminated"
	default:
		return fmt.Sprintf("Unknown EventKind: %d", k)
	}
}

// isScheduling reports whether the event opens a task that a later
// resolution event closes.
func (k EventKind) isScheduling() bool {
	return k == KindTaskScheduled || k == KindSubOrchestrationScheduled
}

// isResolution reports whether the event resolves a previously scheduled task.
func (k EventKind) isResolution() bool {
	switch k {
	case KindTaskCompleted, KindTaskFailed,
		KindSubOrchestrationCompleted, KindSubOrchestrationFailed:
		return true
	}
	return false
}

// isTerminal reports whether the event ends the instance.
func (k EventKind) isTerminal() bool {
	switch k {
	case KindOrchestratorCompleted, KindOrchestratorFailed, KindExecutionTerminated:
		return true
	}
	return false
}

// HistoryEvent is an immutable entry in an instance's event log. Sequence
// numbers are monotonic per instance, starting at 1; the engine replays
// events strictly in sequence order. TaskID correlates a scheduling event
// with its resolution; it is zero for events that do not belong to a task.
type HistoryEvent struct {
	SequenceNumber int64           `json:"sequence_number"`
	Kind           EventKind       `json:"kind"`
	TaskID         int64           `json:"task_id,omitempty"`
	Name           string          `json:"name,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// String implements the fmt.Stringer interface for HistoryEvent.
func (e *HistoryEvent) String() string {
	return fmt.Sprintf("S%03d T%03d %s %s", e.SequenceNumber, e.TaskID, e.Kind, e.Name)
}

// failureDetail is the payload carried by TaskFailed and
// SubOrchestrationFailed events. Transient marks failures that exhausted the
// worker retry policy, as opposed to business failures surfaced on the first
// attempt.
type failureDetail struct {
	Reason    string `json:"reason"`
	Transient bool   `json:"transient,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

func failurePayload(reason string, transient bool, attempts int) json.RawMessage {
	data, err := json.Marshal(failureDetail{Reason: reason, Transient: transient, Attempts: attempts})
	if err != nil {
		// failureDetail contains only scalars; Marshal cannot fail on it.
		panic(err)
	}
	return data
}
