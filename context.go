package sagaflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// suspendMarker is the internal sentinel used to unwind a decision pass when
// the orchestrator awaits a result that is not yet in history. It never
// escapes the engine.
type suspendMarker struct{}

// decision is one new scheduling action produced by a decision pass. The
// event carries no sequence number yet; the engine assigns one when it
// flushes the pass to the history store.
type decision struct {
	event *HistoryEvent
	item  *WorkItem  // activity dispatch, nil for sub-orchestrations
	child *childSpec // sub-orchestration to create, nil for activities
}

// childSpec describes a sub-orchestration instance to be created.
type childSpec struct {
	name   string
	input  json.RawMessage
	taskID int64
}

// OrchestrationContext is the only view an orchestrator function gets of the
// engine. Scheduling calls consume recorded history first: a call whose
// position is already covered by a scheduling event replays the recorded
// task id instead of emitting a new decision. Awaiting a result not yet in
// history ends the pass; the function re-enters from the top when the result
// event arrives.
type OrchestrationContext struct {
	instanceID string
	name       string
	input      json.RawMessage
	logger     *slog.Logger

	scheduled []*HistoryEvent         // scheduling events in history order
	results   map[int64]*HistoryEvent // resolution events keyed by task id

	cursor     int   // position of the next Schedule* call in scheduled
	nextTaskID int64 // task id for the next brand-new decision
	decisions  []*decision
}

func newOrchestrationContext(state *InstanceState, history []*HistoryEvent, logger *slog.Logger) *OrchestrationContext {
	octx := &OrchestrationContext{
		instanceID: state.ID,
		name:       state.Name,
		input:      state.Input,
		logger:     logger,
		results:    make(map[int64]*HistoryEvent),
		nextTaskID: 1,
	}
	for _, ev := range history {
		switch {
		case ev.Kind.isScheduling():
			octx.scheduled = append(octx.scheduled, ev)
			if ev.TaskID >= octx.nextTaskID {
				octx.nextTaskID = ev.TaskID + 1
			}
		case ev.Kind.isResolution():
			octx.results[ev.TaskID] = ev
		}
	}
	return octx
}

// InstanceID returns the id of the executing instance.
func (o *OrchestrationContext) InstanceID() string {
	return o.instanceID
}

// GetInput unmarshals the orchestration input into out.
func (o *OrchestrationContext) GetInput(out any) error {
	if len(o.input) == 0 {
		return nil
	}
	return json.Unmarshal(o.input, out)
}

// Logger returns a logger scoped to the instance. Log lines repeat on
// replay; never make decisions based on them.
func (o *OrchestrationContext) Logger() *slog.Logger {
	return o.logger
}

// ScheduleActivity schedules an activity and returns a task resolved by
// history replay.
func (o *OrchestrationContext) ScheduleActivity(name string, input any) *Task {
	return o.schedule(KindTaskScheduled, name, input)
}

// ScheduleSubOrchestration schedules a child orchestration and returns a task
// resolved by history replay when the child reaches a terminal status.
func (o *OrchestrationContext) ScheduleSubOrchestration(name string, input any) *Task {
	return o.schedule(KindSubOrchestrationScheduled, name, input)
}

func (o *OrchestrationContext) schedule(kind EventKind, name string, input any) *Task {
	payload, err := json.Marshal(input)
	if err != nil {
		// A non-serializable input is a bug in orchestrator code: fault the
		// instance rather than feeding the error into saga logic.
		panic(&OrchestratorFaultError{
			InstanceID: o.instanceID,
			Reason:     fmt.Sprintf("serialize input for %q: %v", name, err),
		})
	}

	if o.cursor < len(o.scheduled) {
		rec := o.scheduled[o.cursor]
		o.cursor++
		if rec.Kind != kind || rec.Name != name {
			panic(NondeterminismError(o.instanceID,
				fmt.Sprintf("%s %q", rec.Kind, rec.Name),
				fmt.Sprintf("%s %q", kind, name)))
		}
		return &Task{octx: o, id: rec.TaskID, name: name}
	}

	taskID := o.nextTaskID
	o.nextTaskID++

	d := &decision{
		event: &HistoryEvent{Kind: kind, TaskID: taskID, Name: name, Payload: payload},
	}
	if kind == KindTaskScheduled {
		d.item = &WorkItem{
			Kind:       ActivityWork,
			InstanceID: o.instanceID,
			TaskID:     taskID,
			Activity:   name,
			Input:      payload,
		}
	} else {
		d.child = &childSpec{name: name, input: payload, taskID: taskID}
	}
	o.decisions = append(o.decisions, d)

	return &Task{octx: o, id: taskID, name: name}
}

// Task is a future resolved by history replay.
type Task struct {
	octx *OrchestrationContext
	id   int64
	name string
}

// Await blocks the orchestration (not the thread) until the task resolves.
// When the resolution is already in history it returns immediately: the
// recorded result is unmarshalled into out (which may be nil), or a
// *TaskFailedError is returned for a recorded failure. Otherwise the current
// decision pass ends here and the orchestrator re-enters when the result
// event arrives.
func (t *Task) Await(out any) error {
	ev, ok := t.octx.results[t.id]
	if !ok {
		panic(suspendMarker{})
	}

	switch ev.Kind {
	case KindTaskCompleted, KindSubOrchestrationCompleted:
		if out == nil || len(ev.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(ev.Payload, out); err != nil {
			panic(&OrchestratorFaultError{
				InstanceID: t.octx.instanceID,
				Reason:     fmt.Sprintf("deserialize result of %q: %v", t.name, err),
			})
		}
		return nil
	default:
		var detail failureDetail
		if len(ev.Payload) > 0 {
			_ = json.Unmarshal(ev.Payload, &detail)
		}
		return &TaskFailedError{
			TaskID:    t.id,
			Name:      t.name,
			Reason:    detail.Reason,
			Transient: detail.Transient,
			Attempts:  detail.Attempts,
		}
	}
}
