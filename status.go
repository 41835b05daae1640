package sagaflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of an orchestration instance.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusTerminated
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// nextStatus returns the new instance status after recording an event of the
// given kind. Illegal transitions are rejected so a corrupt or out-of-order
// history is caught at append time rather than during replay.
func (s Status) nextStatus(kind EventKind) (Status, error) {
	switch s {
	case StatusPending:
		switch kind {
		case KindOrchestratorStarted:
			return StatusPending, nil
		case KindOrchestratorCompleted:
			return StatusCompleted, nil
		case KindOrchestratorFailed:
			return StatusFailed, nil
		case KindExecutionTerminated:
			return StatusTerminated, nil
		default:
			return StatusRunning, nil
		}
	case StatusRunning:
		switch kind {
		case KindOrchestratorStarted:
			// Started only ever opens a history.
		case KindOrchestratorCompleted:
			return StatusCompleted, nil
		case KindOrchestratorFailed:
			return StatusFailed, nil
		case KindExecutionTerminated:
			return StatusTerminated, nil
		default:
			return StatusRunning, nil
		}
	}

	return s, fmt.Errorf(
		"illegal event kind %s for current instance status %v",
		kind, s,
	)
}

// String returns the string representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown Status: %d", s)
	}
}

// MarshalJSON implements the json.Marshaler interface for Status.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a status string back to a Status.
func ParseStatus(str string) (Status, error) {
	switch str {
	case "Pending":
		return StatusPending, nil
	case "Running":
		return StatusRunning, nil
	case "Completed":
		return StatusCompleted, nil
	case "Failed":
		return StatusFailed, nil
	case "Terminated":
		return StatusTerminated, nil
	default:
		return StatusPending, fmt.Errorf("invalid Status: %s", str)
	}
}

// InstanceState is the materialized view of one orchestration instance. The
// history is the source of truth; the store derives these fields from the
// events it appends. Parent linkage is set for sub-orchestration instances so
// the engine can deliver the child's terminal result to the parent's history.
type InstanceState struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Status        Status          `json:"status"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	ParentID      string          `json:"parent_id,omitempty"`
	ParentTaskID  int64           `json:"parent_task_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

// applyEvent advances the materialized state for a newly appended event.
func (st *InstanceState) applyEvent(event *HistoryEvent) error {
	next, err := st.Status.nextStatus(event.Kind)
	if err != nil {
		return err
	}
	st.Status = next
	if event.Kind.isTerminal() {
		st.Output = event.Payload
	}
	st.LastUpdatedAt = event.Timestamp
	return nil
}
