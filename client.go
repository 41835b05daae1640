package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client starts, queries and terminates orchestration instances against an
// engine. It is the only entry point for work originating outside the
// engine's own loops.
type Client struct {
	engine *Engine
}

// NewClient creates a client bound to the given engine.
func NewClient(engine *Engine) *Client {
	return &Client{engine: engine}
}

// ScheduleOptions configures ScheduleNewOrchestration.
type ScheduleOptions struct {
	// InstanceID pins the new instance's id. Empty means a random v4 UUID.
	InstanceID string
}

// ScheduleNewOrchestration creates a new instance of the named orchestrator
// and enqueues its first decision pass. The input is marshalled as JSON and
// becomes the instance's recorded input. Returns the instance id, or
// ErrDuplicateInstance if the chosen id is already taken.
func (c *Client) ScheduleNewOrchestration(ctx context.Context, name string, input any, opts ScheduleOptions) (string, error) {
	if _, err := c.engine.orchestrators.Get(name); err != nil {
		return "", err
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal input for %q: %w", name, err)
	}

	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	now := time.Now()
	state := &InstanceState{
		ID:            instanceID,
		Name:          name,
		Status:        StatusPending,
		Input:         raw,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	start := &HistoryEvent{
		SequenceNumber: 1,
		Kind:           KindOrchestratorStarted,
		Name:           name,
		Payload:        raw,
		Timestamp:      now,
	}

	if err := c.engine.store.CreateInstance(ctx, state, start); err != nil {
		return "", err
	}
	if err := c.engine.queue.Enqueue(&WorkItem{Kind: OrchestrationWork, InstanceID: instanceID}); err != nil {
		return "", err
	}

	c.engine.logger.Info("orchestration scheduled", "instance_id", instanceID, "name", name)
	return instanceID, nil
}

// GetStatus returns the current state of an instance.
func (c *Client) GetStatus(ctx context.Context, instanceID string) (*InstanceState, error) {
	return c.engine.store.GetInstance(ctx, instanceID)
}

// WaitForCompletion polls until the instance reaches a terminal status or
// ctx expires. On expiry it returns the last observed state together with a
// *WaitTimeoutError.
func (c *Client) WaitForCompletion(ctx context.Context, instanceID string) (*InstanceState, error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	var last *InstanceState
	for {
		state, err := c.engine.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		last = state
		if state.Status.Terminal() {
			return state, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return last, &WaitTimeoutError{InstanceID: instanceID, Status: last.Status}
		}
	}
}

// TerminateInstance force-stops a running instance by appending an
// ExecutionTerminated event. In-flight activities finish their current
// attempt but their results are discarded. Terminating an already-terminal
// instance is a no-op.
func (c *Client) TerminateInstance(ctx context.Context, instanceID string, reason string) error {
	for {
		state, err := c.engine.store.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if state.Status.Terminal() {
			return nil
		}

		history, err := c.engine.store.ReadHistory(ctx, instanceID)
		if err != nil {
			return err
		}

		ev := &HistoryEvent{
			SequenceNumber: history[len(history)-1].SequenceNumber + 1,
			Kind:           KindExecutionTerminated,
			Name:           state.Name,
			Payload:        failurePayload(reason, false, 0),
			Timestamp:      time.Now(),
		}

		err = c.engine.store.Append(ctx, instanceID, []*HistoryEvent{ev})
		if errors.Is(err, ErrConcurrencyConflict) {
			c.engine.metrics.ObserveConflict()
			continue
		}
		if err != nil {
			return err
		}

		c.engine.metrics.ObserveInstanceFinished(StatusTerminated)
		if state.ParentID != "" {
			if nErr := c.engine.notifyParent(ctx, state, ev); nErr != nil {
				// The engine retries the notification when it processes the
				// wake item for the now-terminal instance.
				c.engine.logger.Warn("notify parent failed",
					"instance_id", instanceID, "parent_id", state.ParentID, "error", nErr)
				_ = c.engine.queue.Enqueue(&WorkItem{Kind: OrchestrationWork, InstanceID: instanceID})
			}
		}
		c.engine.logger.Info("orchestration terminated", "instance_id", instanceID, "reason", reason)
		return nil
	}
}
