package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyBackoff(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:        5,
		InitialBackoff:     100 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaxBackoff:         500 * time.Millisecond,
	}

	assert.Equal(t, time.Duration(0), policy.Backoff(1))
	assert.Equal(t, 100*time.Millisecond, policy.Backoff(2))
	assert.Equal(t, 200*time.Millisecond, policy.Backoff(3))
	assert.Equal(t, 400*time.Millisecond, policy.Backoff(4))
	// Capped.
	assert.Equal(t, 500*time.Millisecond, policy.Backoff(5))
	assert.Equal(t, 500*time.Millisecond, policy.Backoff(9))
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	var attempts atomic.Int32
	require.NoError(t, engine.Activities().Register("flaky",
		NewActivity(func(_ context.Context, _ struct{}) (string, error) {
			if attempts.Add(1) < 3 {
				return "", errors.New("connection reset")
			}
			return "recovered", nil
		})))
	require.NoError(t, engine.Orchestrators().Register("patient",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			var out string
			if err := octx.ScheduleActivity("flaky", struct{}{}).Await(&out); err != nil {
				return nil, err
			}
			return json.Marshal(out)
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "patient", nil, ScheduleOptions{})
	require.NoError(t, err)

	state := waitDone(t, client, id)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.JSONEq(t, `"recovered"`, string(state.Output))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestWorkerExhaustedRetriesFailTheTask(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	var attempts atomic.Int32
	require.NoError(t, engine.Activities().Register("down",
		NewActivity(func(_ context.Context, _ struct{}) (string, error) {
			attempts.Add(1)
			return "", errors.New("still down")
		})))
	require.NoError(t, engine.Orchestrators().Register("doomed",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			err := octx.ScheduleActivity("down", struct{}{}).Await(nil)
			var failed *TaskFailedError
			if errors.As(err, &failed) {
				return json.Marshal(map[string]any{
					"transient": failed.Transient,
					"attempts":  failed.Attempts,
					"reason":    failed.Reason,
				})
			}
			return nil, err
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "doomed", nil, ScheduleOptions{})
	require.NoError(t, err)

	state := waitDone(t, client, id)
	assert.Equal(t, StatusCompleted, state.Status)
	// The test engine's policy allows 3 attempts.
	assert.Equal(t, int32(3), attempts.Load())

	var seen struct {
		Transient bool   `json:"transient"`
		Attempts  int    `json:"attempts"`
		Reason    string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(state.Output, &seen))
	assert.True(t, seen.Transient)
	assert.Equal(t, 3, seen.Attempts)
	assert.Contains(t, seen.Reason, "still down")
}

func TestWorkerNeverRetriesBusinessFailures(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	var attempts atomic.Int32
	require.NoError(t, engine.Activities().Register("declined",
		NewActivity(func(_ context.Context, _ struct{}) (string, error) {
			attempts.Add(1)
			return "", Businessf("payment declined")
		})))
	require.NoError(t, engine.Orchestrators().Register("checkout",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			err := octx.ScheduleActivity("declined", struct{}{}).Await(nil)
			var failed *TaskFailedError
			if errors.As(err, &failed) && !failed.Transient {
				return json.Marshal("compensating: " + failed.Reason)
			}
			return nil, err
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "checkout", nil, ScheduleOptions{})
	require.NoError(t, err)

	state := waitDone(t, client, id)
	assert.Equal(t, StatusCompleted, state.Status)
	// Exactly one attempt: business failures skip the retry loop.
	assert.Equal(t, int32(1), attempts.Load())
	assert.Contains(t, string(state.Output), "payment declined")
}

func TestWorkerUnregisteredActivityFailsTask(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	require.NoError(t, engine.Orchestrators().Register("typo",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			err := octx.ScheduleActivity("does-not-exist", nil).Await(nil)
			if err != nil {
				return json.Marshal(err.Error())
			}
			return json.Marshal("unexpected success")
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "typo", nil, ScheduleOptions{})
	require.NoError(t, err)

	state := waitDone(t, client, id)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Contains(t, string(state.Output), "not registered")
}

func TestRunActivityResumesAttemptBudgetOnRedelivery(t *testing.T) {
	engine := NewEngine(NewMemoryHistoryStore(), Options{
		Logger: quietLogger(),
		Retry: RetryPolicy{
			MaxAttempts:        3,
			InitialBackoff:     time.Millisecond,
			BackoffCoefficient: 2.0,
			MaxBackoff:         5 * time.Millisecond,
		},
	})

	var calls atomic.Int32
	fn := func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	}
	item := &WorkItem{Kind: ActivityWork, InstanceID: "inst-1", TaskID: 1, Activity: "down"}

	_, err, attempts := engine.runActivity(context.Background(), fn, item, quietLogger())
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, item.Attempt)

	// A redelivered item re-runs only the final attempt, not the whole budget.
	_, err, attempts = engine.runActivity(context.Background(), fn, item, quietLogger())
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int32(4), calls.Load())
}

func TestInvokeActivityRecoversPanics(t *testing.T) {
	fn := func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		panic("nil map write")
	}

	_, err := invokeActivity(context.Background(), fn, nil)
	require.Error(t, err)
	var bizErr *BusinessError
	assert.True(t, errors.As(err, &bizErr))
	assert.Contains(t, err.Error(), "nil map write")
}
