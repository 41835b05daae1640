package sagaflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

// HistoryStore is the durable, append-only event log for orchestration
// instances. Instances are mutated only by appending events; the store
// derives the materialized InstanceState (status, output) from the events it
// accepts, so there is a single write path.
//
// Append is an optimistic single-writer-per-instance operation: the first
// incoming event's sequence number must be exactly one past the last stored
// event, otherwise Append fails with ErrConcurrencyConflict and the caller
// must re-read and retry its decision.
type HistoryStore interface {
	// CreateInstance records a new instance together with its
	// OrchestratorStarted event. Fails with ErrDuplicateInstance if the id is
	// already in use.
	CreateInstance(ctx context.Context, state *InstanceState, start *HistoryEvent) error

	// Append appends events to an instance's history.
	Append(ctx context.Context, instanceID string, events []*HistoryEvent) error

	// ReadHistory returns the instance's events in sequence-number order.
	// An unknown instance yields an empty history, which callers treat as
	// "not yet started".
	ReadHistory(ctx context.Context, instanceID string) ([]*HistoryEvent, error)

	// GetInstance returns the materialized state for an instance, or
	// ErrInstanceNotFound.
	GetInstance(ctx context.Context, instanceID string) (*InstanceState, error)

	// ListRunningInstances returns the ids of all instances that have not
	// reached a terminal status. The engine uses it on startup to resume
	// instances that were in flight when the previous process stopped.
	ListRunningInstances(ctx context.Context) ([]string, error)
}

// memoryInstance holds one instance's state and ordered event log. Events are
// keyed by sequence number in a btree.Map so ReadHistory iterates in replay
// order without sorting.
type memoryInstance struct {
	mu     sync.Mutex
	state  InstanceState
	events *btree.Map[int64, *HistoryEvent]
}

// MemoryHistoryStore is an in-memory HistoryStore for tests and single
// process setups where durability is not required.
type MemoryHistoryStore struct {
	instances *xsync.MapOf[string, *memoryInstance]
}

// NewMemoryHistoryStore creates a new in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		instances: xsync.NewMapOf[string, *memoryInstance](),
	}
}

// CreateInstance records a new instance and its start event.
func (m *MemoryHistoryStore) CreateInstance(ctx context.Context, state *InstanceState, start *HistoryEvent) error {
	inst := &memoryInstance{
		state:  *state,
		events: btree.NewMap[int64, *HistoryEvent](8),
	}
	if err := inst.state.applyEvent(start); err != nil {
		return fmt.Errorf("create instance %s: %w", state.ID, err)
	}
	inst.events.Set(start.SequenceNumber, start)

	if _, loaded := m.instances.LoadOrStore(state.ID, inst); loaded {
		return fmt.Errorf("create instance %s: %w", state.ID, ErrDuplicateInstance)
	}
	return nil
}

// Append appends events under the optimistic sequence check.
func (m *MemoryHistoryStore) Append(ctx context.Context, instanceID string, events []*HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	inst, ok := m.instances.Load(instanceID)
	if !ok {
		return fmt.Errorf("append to instance %s: %w", instanceID, ErrInstanceNotFound)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	last := int64(0)
	if _, ev, ok := inst.events.Max(); ok {
		last = ev.SequenceNumber
	}
	if events[0].SequenceNumber != last+1 {
		return fmt.Errorf("append to instance %s at seq %d (stored %d): %w",
			instanceID, events[0].SequenceNumber, last, ErrConcurrencyConflict)
	}

	// Validate the whole batch against a copy before mutating anything.
	next := inst.state
	for i, ev := range events {
		if ev.SequenceNumber != last+int64(i)+1 {
			return fmt.Errorf("append to instance %s: non-contiguous batch at seq %d: %w",
				instanceID, ev.SequenceNumber, ErrConcurrencyConflict)
		}
		if err := next.applyEvent(ev); err != nil {
			return fmt.Errorf("append to instance %s: %w", instanceID, err)
		}
	}

	for _, ev := range events {
		inst.events.Set(ev.SequenceNumber, ev)
	}
	inst.state = next
	return nil
}

// ReadHistory returns the events in sequence order.
func (m *MemoryHistoryStore) ReadHistory(ctx context.Context, instanceID string) ([]*HistoryEvent, error) {
	inst, ok := m.instances.Load(instanceID)
	if !ok {
		return nil, nil
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	history := make([]*HistoryEvent, 0, inst.events.Len())
	inst.events.Scan(func(_ int64, ev *HistoryEvent) bool {
		history = append(history, ev)
		return true
	})
	return history, nil
}

// ListRunningInstances returns the ids of all non-terminal instances.
func (m *MemoryHistoryStore) ListRunningInstances(ctx context.Context) ([]string, error) {
	var ids []string
	m.instances.Range(func(id string, inst *memoryInstance) bool {
		inst.mu.Lock()
		terminal := inst.state.Status.Terminal()
		inst.mu.Unlock()
		if !terminal {
			ids = append(ids, id)
		}
		return true
	})
	return ids, nil
}

// GetInstance returns a copy of the materialized state.
func (m *MemoryHistoryStore) GetInstance(ctx context.Context, instanceID string) (*InstanceState, error) {
	inst, ok := m.instances.Load(instanceID)
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", instanceID, ErrInstanceNotFound)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	stateCopy := inst.state
	return &stateCopy, nil
}
