package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestEngine builds a running engine on an in-memory store with a fast
// retry policy. The engine is shut down with the test.
func startTestEngine(t *testing.T, store HistoryStore) (*Engine, *Client) {
	t.Helper()
	if store == nil {
		store = NewMemoryHistoryStore()
	}
	engine := NewEngine(store, Options{
		Logger: quietLogger(),
		Retry: RetryPolicy{
			MaxAttempts:        3,
			InitialBackoff:     time.Millisecond,
			BackoffCoefficient: 2.0,
			MaxBackoff:         5 * time.Millisecond,
		},
	})
	engine.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine, NewClient(engine)
}

func waitDone(t *testing.T, client *Client, instanceID string) *InstanceState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := client.WaitForCompletion(ctx, instanceID)
	require.NoError(t, err)
	return state
}

func TestEngineRunsSequentialActivities(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	require.NoError(t, engine.Activities().Register("double",
		NewActivity(func(_ context.Context, n int) (int, error) { return n * 2, nil })))

	require.NoError(t, engine.Orchestrators().Register("quadruple",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			var n int
			if err := octx.GetInput(&n); err != nil {
				return nil, err
			}

			var doubled int
			if err := octx.ScheduleActivity("double", n).Await(&doubled); err != nil {
				return nil, err
			}
			var quadrupled int
			if err := octx.ScheduleActivity("double", doubled).Await(&quadrupled); err != nil {
				return nil, err
			}
			return json.Marshal(quadrupled)
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "quadruple", 5, ScheduleOptions{})
	require.NoError(t, err)

	state := waitDone(t, client, id)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, "20", string(state.Output))
}

func TestEngineReplayDoesNotRerunActivities(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	var calls atomic.Int32
	require.NoError(t, engine.Activities().Register("count",
		NewActivity(func(_ context.Context, _ struct{}) (int, error) {
			return int(calls.Add(1)), nil
		})))

	require.NoError(t, engine.Orchestrators().Register("three-steps",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			var total int
			for i := 0; i < 3; i++ {
				var n int
				if err := octx.ScheduleActivity("count", struct{}{}).Await(&n); err != nil {
					return nil, err
				}
				total += n
			}
			return json.Marshal(total)
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "three-steps", nil, ScheduleOptions{})
	require.NoError(t, err)

	state := waitDone(t, client, id)
	assert.Equal(t, StatusCompleted, state.Status)
	// Each step ran exactly once even though the orchestrator body executed
	// once per decision pass.
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "6", string(state.Output))
}

func TestEngineReplayIsIdempotentOnCompletedHistory(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	require.NoError(t, engine.Activities().Register("echo",
		NewActivity(func(_ context.Context, s string) (string, error) { return s, nil })))
	orchestrator := func(octx *OrchestrationContext) (json.RawMessage, error) {
		var out string
		if err := octx.ScheduleActivity("echo", "hello").Await(&out); err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
	require.NoError(t, engine.Orchestrators().Register("echo-once", orchestrator))

	id, err := client.ScheduleNewOrchestration(context.Background(), "echo-once", nil, ScheduleOptions{})
	require.NoError(t, err)
	final := waitDone(t, client, id)

	// Replaying the completed history directly through the replay driver
	// twice yields the identical output both times, with no new decisions.
	ctx := context.Background()
	state, err := engine.store.GetInstance(ctx, id)
	require.NoError(t, err)
	history, err := engine.store.ReadHistory(ctx, id)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		octx := newOrchestrationContext(state, history, quietLogger())
		output, suspended, fault := runOrchestrator(orchestrator, octx)
		require.NoError(t, fault)
		assert.False(t, suspended)
		assert.Empty(t, octx.decisions)
		assert.Equal(t, string(final.Output), string(output))
	}
}

func TestEngineRedeliveredDecisionItemIsDropped(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	require.NoError(t, engine.Activities().Register("noop",
		NewActivity(func(_ context.Context, _ struct{}) (struct{}, error) { return struct{}{}, nil })))
	require.NoError(t, engine.Orchestrators().Register("single",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			if err := octx.ScheduleActivity("noop", struct{}{}).Await(nil); err != nil {
				return nil, err
			}
			return json.Marshal("done")
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "single", nil, ScheduleOptions{})
	require.NoError(t, err)
	waitDone(t, client, id)

	// A stale redelivery for the finished instance must be discarded, not
	// re-executed: the history stays the same length.
	before, err := engine.store.ReadHistory(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, engine.queue.Enqueue(&WorkItem{Kind: OrchestrationWork, InstanceID: id}))
	time.Sleep(100 * time.Millisecond)

	after, err := engine.store.ReadHistory(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestEngineOrchestratorFaultMarksInstanceFailed(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	require.NoError(t, engine.Orchestrators().Register("broken",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			return nil, errors.New("boom")
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "broken", nil, ScheduleOptions{})
	require.NoError(t, err)

	state := waitDone(t, client, id)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Contains(t, string(state.Output), "boom")
}

func TestEngineSubOrchestration(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	require.NoError(t, engine.Activities().Register("add-one",
		NewActivity(func(_ context.Context, n int) (int, error) { return n + 1, nil })))

	require.NoError(t, engine.Orchestrators().Register("child",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			var n int
			if err := octx.GetInput(&n); err != nil {
				return nil, err
			}
			var out int
			if err := octx.ScheduleActivity("add-one", n).Await(&out); err != nil {
				return nil, err
			}
			return json.Marshal(out)
		}))

	require.NoError(t, engine.Orchestrators().Register("parent",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			var a, b int
			if err := octx.ScheduleSubOrchestration("child", 10).Await(&a); err != nil {
				return nil, err
			}
			if err := octx.ScheduleSubOrchestration("child", a).Await(&b); err != nil {
				return nil, err
			}
			return json.Marshal(b)
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "parent", nil, ScheduleOptions{})
	require.NoError(t, err)

	state := waitDone(t, client, id)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, "12", string(state.Output))

	// Children get deterministic ids derived from the parent.
	child, err := client.GetStatus(context.Background(), fmt.Sprintf("%s::1", id))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, child.Status)
	assert.Equal(t, id, child.ParentID)
}

func TestEngineSubOrchestrationFaultSurfacesToParent(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	require.NoError(t, engine.Orchestrators().Register("failing-child",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			return nil, errors.New("child exploded")
		}))
	require.NoError(t, engine.Orchestrators().Register("watching-parent",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			err := octx.ScheduleSubOrchestration("failing-child", nil).Await(nil)
			var failed *TaskFailedError
			if errors.As(err, &failed) {
				return json.Marshal("observed: " + failed.Reason)
			}
			return nil, err
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "watching-parent", nil, ScheduleOptions{})
	require.NoError(t, err)

	state := waitDone(t, client, id)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Contains(t, string(state.Output), "child exploded")
}

func TestEngineNondeterministicOrchestratorFaults(t *testing.T) {
	engine, client := startTestEngine(t, nil)

	require.NoError(t, engine.Activities().Register("step",
		NewActivity(func(_ context.Context, _ struct{}) (struct{}, error) { return struct{}{}, nil })))

	// The orchestrator schedules a different activity on the second pass,
	// which the replay driver must reject.
	var passes atomic.Int32
	require.NoError(t, engine.Orchestrators().Register("fickle",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			name := "step"
			if passes.Add(1) > 1 {
				name = "different-step"
			}
			if err := octx.ScheduleActivity(name, struct{}{}).Await(nil); err != nil {
				return nil, err
			}
			return json.Marshal("done")
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "fickle", nil, ScheduleOptions{})
	require.NoError(t, err)

	state := waitDone(t, client, id)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Contains(t, string(state.Output), "non-deterministic")
}

func TestEngineRecoversInFlightWorkAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	orchestrator := func(octx *OrchestrationContext) (json.RawMessage, error) {
		var out string
		if err := octx.ScheduleActivity("charge", "card-1").Await(&out); err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}

	// First process: the activity never finishes, then the process stops
	// with the TaskScheduled event persisted and its work item lost.
	store1, err := OpenSQLiteHistoryStore(path)
	require.NoError(t, err)
	engine1 := NewEngine(store1, Options{Logger: quietLogger()})
	require.NoError(t, engine1.Activities().Register("charge",
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	require.NoError(t, engine1.Orchestrators().Register("checkout", orchestrator))
	engine1.Start(context.Background())

	id, err := NewClient(engine1).ScheduleNewOrchestration(context.Background(), "checkout", nil, ScheduleOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		history, err := store1.ReadHistory(context.Background(), id)
		if err != nil {
			return false
		}
		for _, ev := range history {
			if ev.Kind == KindTaskScheduled {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	require.NoError(t, engine1.Shutdown(shutdownCtx))
	cancel()
	require.NoError(t, store1.Close())

	// Second process on the same database: Recover wakes the instance and
	// the replayed pass redispatches the scheduled activity.
	store2, err := OpenSQLiteHistoryStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store2.Close() })
	engine2, client2 := startTestEngine(t, store2)
	require.NoError(t, engine2.Activities().Register("charge",
		NewActivity(func(_ context.Context, card string) (string, error) {
			return "charged " + card, nil
		})))
	require.NoError(t, engine2.Orchestrators().Register("checkout", orchestrator))
	require.NoError(t, engine2.Recover(context.Background()))

	state := waitDone(t, client2, id)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.JSONEq(t, `"charged card-1"`, string(state.Output))
}

// flakyStore wraps a HistoryStore and fails a budgeted number of instance
// creations and resolution appends, keyed by instance id.
type flakyStore struct {
	HistoryStore
	mu              sync.Mutex
	failCreates     map[string]int
	failResolutions map[string]int
}

func (s *flakyStore) CreateInstance(ctx context.Context, state *InstanceState, start *HistoryEvent) error {
	s.mu.Lock()
	if n := s.failCreates[state.ID]; n > 0 {
		s.failCreates[state.ID] = n - 1
		s.mu.Unlock()
		return errors.New("store offline")
	}
	s.mu.Unlock()
	return s.HistoryStore.CreateInstance(ctx, state, start)
}

func (s *flakyStore) Append(ctx context.Context, instanceID string, events []*HistoryEvent) error {
	s.mu.Lock()
	if n := s.failResolutions[instanceID]; n > 0 && len(events) > 0 && events[0].Kind.isResolution() {
		s.failResolutions[instanceID] = n - 1
		s.mu.Unlock()
		return errors.New("store offline")
	}
	s.mu.Unlock()
	return s.HistoryStore.Append(ctx, instanceID, events)
}

func TestEngineRetriesChildCreationAndParentNotification(t *testing.T) {
	store := &flakyStore{
		HistoryStore:    NewMemoryHistoryStore(),
		failCreates:     map[string]int{"flaky-parent::1": 1},
		failResolutions: map[string]int{"flaky-parent": 1},
	}
	engine, client := startTestEngine(t, store)

	require.NoError(t, engine.Orchestrators().Register("leaf",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			return json.Marshal("ok")
		}))
	require.NoError(t, engine.Orchestrators().Register("wrapper",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			var out string
			if err := octx.ScheduleSubOrchestration("leaf", nil).Await(&out); err != nil {
				return nil, err
			}
			return json.Marshal("parent saw " + out)
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "wrapper", nil, ScheduleOptions{InstanceID: "flaky-parent"})
	require.NoError(t, err)

	// Both injected failures are retried through redelivery rather than
	// stranding the parent.
	state := waitDone(t, client, id)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Contains(t, string(state.Output), "parent saw ok")

	child, err := client.GetStatus(context.Background(), "flaky-parent::1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, child.Status)

	store.mu.Lock()
	assert.Zero(t, store.failCreates["flaky-parent::1"])
	assert.Zero(t, store.failResolutions["flaky-parent"])
	store.mu.Unlock()
}

func TestEngineRunsOnSQLiteStore(t *testing.T) {
	store := newSQLiteStore(t)
	engine, client := startTestEngine(t, store)

	require.NoError(t, engine.Activities().Register("greet",
		NewActivity(func(_ context.Context, name string) (string, error) {
			return "hello " + name, nil
		})))
	require.NoError(t, engine.Orchestrators().Register("greeter",
		func(octx *OrchestrationContext) (json.RawMessage, error) {
			var name string
			if err := octx.GetInput(&name); err != nil {
				return nil, err
			}
			var out string
			if err := octx.ScheduleActivity("greet", name).Await(&out); err != nil {
				return nil, err
			}
			return json.Marshal(out)
		}))

	id, err := client.ScheduleNewOrchestration(context.Background(), "greeter", "durable", ScheduleOptions{})
	require.NoError(t, err)

	state := waitDone(t, client, id)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.JSONEq(t, `"hello durable"`, string(state.Output))
}
