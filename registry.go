package sagaflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Orchestrator is a deterministic decision function. It is re-executed from
// the top on every decision pass, so it must be a pure function of its input
// and the recorded results it awaits: no direct I/O, randomness or clock
// reads. Anything side-effecting belongs in an activity.
type Orchestrator func(octx *OrchestrationContext) (json.RawMessage, error)

// Activity is a side-effecting function invoked by the worker pool. Returning
// a *BusinessError resolves the task as failed without retries; any other
// error is treated as transient and retried per the worker's RetryPolicy.
type Activity func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// OrchestratorRegistry maps orchestrator names to their functions.
//
// Orchestrations are scheduled and recovered by name: when an instance is
// re-driven from persisted history, the name recorded in its start event is
// the only mechanism to find the code again, so all orchestrators must be
// registered before the engine starts.
type OrchestratorRegistry struct {
	orchestrators *xsync.MapOf[string, Orchestrator]
}

// NewOrchestratorRegistry creates a new OrchestratorRegistry.
func NewOrchestratorRegistry() *OrchestratorRegistry {
	return &OrchestratorRegistry{
		orchestrators: xsync.NewMapOf[string, Orchestrator](),
	}
}

// Register adds an orchestrator to the registry.
func (r *OrchestratorRegistry) Register(name string, fn Orchestrator) error {
	if _, ok := r.orchestrators.Load(name); ok {
		return fmt.Errorf("orchestrator with name '%s' already registered", name)
	}
	r.orchestrators.Store(name, fn)
	return nil
}

// Get retrieves an orchestrator from the registry by its name.
func (r *OrchestratorRegistry) Get(name string) (Orchestrator, error) {
	fn, ok := r.orchestrators.Load(name)
	if !ok {
		return nil, fmt.Errorf("orchestrator '%s' not registered", name)
	}
	return fn, nil
}

// ActivityRegistry maps activity names to their functions.
type ActivityRegistry struct {
	activities *xsync.MapOf[string, Activity]
}

// NewActivityRegistry creates a new ActivityRegistry.
func NewActivityRegistry() *ActivityRegistry {
	return &ActivityRegistry{
		activities: xsync.NewMapOf[string, Activity](),
	}
}

// Register adds an activity to the registry.
func (r *ActivityRegistry) Register(name string, fn Activity) error {
	if _, ok := r.activities.Load(name); ok {
		return fmt.Errorf("activity with name '%s' already registered", name)
	}
	r.activities.Store(name, fn)
	return nil
}

// Get retrieves an activity from the registry by its name.
func (r *ActivityRegistry) Get(name string) (Activity, error) {
	fn, ok := r.activities.Load(name)
	if !ok {
		return nil, fmt.Errorf("activity '%s' not registered", name)
	}
	return fn, nil
}

// NewActivity wraps a typed function into an Activity, handling JSON
// conversion at the boundary. Input that does not unmarshal into I is a
// business failure (retrying will not fix malformed input).
func NewActivity[I any, O any](fn func(ctx context.Context, input I) (O, error)) Activity {
	return func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var input I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, Businessf("deserialize activity input: %v", err)
			}
		}

		output, err := fn(ctx, input)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(output)
		if err != nil {
			return nil, Businessf("serialize activity output: %v", err)
		}
		return data, nil
	}
}
