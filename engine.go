package sagaflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	// Logger receives structured engine logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics collects engine counters. Defaults to a fresh Metrics.
	Metrics *Metrics

	// DecisionWorkers is the number of goroutines running decision passes.
	// Concurrency is across instances; within one instance execution is
	// logically single-threaded. Defaults to 2.
	DecisionWorkers int

	// ActivityWorkers is the number of goroutines executing activities.
	// Defaults to 4.
	ActivityWorkers int

	// Retry is the policy applied to transient activity failures.
	Retry RetryPolicy
}

// Engine wires the history store, the work queue, the registries, the replay
// driver and the activity worker pool together. The engine itself performs no
// business I/O; all side effects run in registered activities.
type Engine struct {
	store         HistoryStore
	queue         *WorkQueue
	orchestrators *OrchestratorRegistry
	activities    *ActivityRegistry
	logger        *slog.Logger
	metrics       *Metrics
	retry         RetryPolicy

	decisionWorkers int
	activityWorkers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine creates an engine on the given history store.
func NewEngine(store HistoryStore, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.DecisionWorkers <= 0 {
		opts.DecisionWorkers = 2
	}
	if opts.ActivityWorkers <= 0 {
		opts.ActivityWorkers = 4
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	return &Engine{
		store:           store,
		queue:           NewWorkQueue(),
		orchestrators:   NewOrchestratorRegistry(),
		activities:      NewActivityRegistry(),
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		retry:           opts.Retry,
		decisionWorkers: opts.DecisionWorkers,
		activityWorkers: opts.ActivityWorkers,
	}
}

// Orchestrators returns the engine's orchestrator registry.
func (e *Engine) Orchestrators() *OrchestratorRegistry {
	return e.orchestrators
}

// Activities returns the engine's activity registry.
func (e *Engine) Activities() *ActivityRegistry {
	return e.activities
}

// Metrics returns the engine's metrics collector.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Start launches the decision and activity workers. It returns immediately;
// use Shutdown to stop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	for i := 0; i < e.decisionWorkers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runLoop(ctx, OrchestrationWork)
		}()
	}
	for i := 0; i < e.activityWorkers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runLoop(ctx, ActivityWork)
		}()
	}

	e.logger.Info("engine started",
		"decision_workers", e.decisionWorkers,
		"activity_workers", e.activityWorkers)
}

// Shutdown stops the workers and waits for them to come to rest.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.queue.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop consumes one kind of work item until the context is cancelled.
func (e *Engine) runLoop(ctx context.Context, kind WorkItemKind) {
	for {
		item, err := e.queue.Dequeue(ctx, kind)
		if err != nil {
			return
		}

		switch kind {
		case OrchestrationWork:
			e.processOrchestrationItem(ctx, item)
		case ActivityWork:
			e.processActivityItem(ctx, item)
		}
	}
}

// processOrchestrationItem runs one decision pass: load history, replay the
// orchestrator, append whatever the pass decided, then dispatch follow-up
// work. On an append conflict the whole pass is recomputed from a fresh read.
func (e *Engine) processOrchestrationItem(ctx context.Context, item *WorkItem) {
	log := e.logger.With("instance_id", item.InstanceID)

	for {
		state, err := e.store.GetInstance(ctx, item.InstanceID)
		if errors.Is(err, ErrInstanceNotFound) {
			log.Warn("dropping work item for unknown instance")
			e.queue.Complete(item)
			return
		}
		if err != nil {
			log.Error("load instance failed", "error", err)
			e.queue.Abandon(item)
			return
		}
		if state.Status.Terminal() {
			// A redelivered item for a finished child may still owe the
			// parent its result; appendResolution drops duplicates.
			if state.ParentID != "" {
				history, err := e.store.ReadHistory(ctx, item.InstanceID)
				if err != nil {
					log.Error("read history failed", "error", err)
					e.queue.Abandon(item)
					return
				}
				if last := history[len(history)-1]; last.Kind.isTerminal() {
					if err := e.notifyParent(ctx, state, last); err != nil {
						log.Error("notify parent failed", "parent_id", state.ParentID, "error", err)
						e.queue.Abandon(item)
						return
					}
				}
			}
			e.queue.Complete(item)
			return
		}

		history, err := e.store.ReadHistory(ctx, item.InstanceID)
		if err != nil {
			log.Error("read history failed", "error", err)
			e.queue.Abandon(item)
			return
		}

		octx := newOrchestrationContext(state, history, log)
		e.metrics.ObserveDecisionPass()

		var output []byte
		var suspended bool
		var fault error

		fn, err := e.orchestrators.Get(state.Name)
		if err != nil {
			fault = err
		} else {
			output, suspended, fault = runOrchestrator(fn, octx)
		}

		now := time.Now()
		nextSeq := history[len(history)-1].SequenceNumber + 1

		var events []*HistoryEvent
		var items []*WorkItem
		var children []*childSpec

		switch {
		case fault != nil:
			log.Error("orchestration faulted", "error", fault)
			events = append(events, &HistoryEvent{
				SequenceNumber: nextSeq,
				Kind:           KindOrchestratorFailed,
				Name:           state.Name,
				Payload:        failurePayload(fault.Error(), false, 0),
				Timestamp:      now,
			})
		case suspended:
			for _, d := range octx.decisions {
				d.event.SequenceNumber = nextSeq
				d.event.Timestamp = now
				nextSeq++
				events = append(events, d.event)
				if d.item != nil {
					items = append(items, d.item)
				}
				if d.child != nil {
					children = append(children, d.child)
				}
			}
			if len(events) == 0 {
				// Redelivered item with every decision already on record.
				// The recorded work may no longer be in the queue (it is
				// lost on a restart), so put it back before acknowledging.
				if err := e.redispatch(ctx, state, history, now); err != nil {
					log.Error("redispatch scheduled work failed", "error", err)
					e.queue.Abandon(item)
					return
				}
				e.queue.Complete(item)
				return
			}
		default:
			events = append(events, &HistoryEvent{
				SequenceNumber: nextSeq,
				Kind:           KindOrchestratorCompleted,
				Name:           state.Name,
				Payload:        output,
				Timestamp:      now,
			})
		}

		err = e.store.Append(ctx, item.InstanceID, events)
		if errors.Is(err, ErrConcurrencyConflict) {
			e.metrics.ObserveConflict()
			continue
		}
		if err != nil {
			log.Error("append decisions failed", "error", err)
			e.queue.Abandon(item)
			return
		}

		for _, c := range children {
			if err := e.createChild(ctx, state.ID, c, now); err != nil {
				// The scheduling event is on record, so a redelivered pass
				// retries the creation through redispatch.
				log.Error("create sub-orchestration failed", "name", c.name, "error", err)
				e.queue.Abandon(item)
				return
			}
		}
		for _, wi := range items {
			if err := e.queue.Enqueue(wi); err != nil {
				log.Error("enqueue activity failed", "activity", wi.Activity, "error", err)
			}
		}

		if last := events[len(events)-1]; last.Kind.isTerminal() {
			e.metrics.ObserveInstanceFinished(stateAfter(last.Kind))
			if state.ParentID != "" {
				if err := e.notifyParent(ctx, state, last); err != nil {
					// Redelivery retries the notification via the
					// terminal-instance path above.
					log.Error("notify parent failed", "parent_id", state.ParentID, "error", err)
					e.queue.Abandon(item)
					return
				}
			}
		}

		e.queue.Complete(item)
		return
	}
}

// runOrchestrator executes one decision pass, translating the suspension
// sentinel and panics into outcomes.
func runOrchestrator(fn Orchestrator, octx *OrchestrationContext) (output []byte, suspended bool, fault error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(suspendMarker); ok {
				suspended = true
				return
			}
			if err, ok := r.(error); ok {
				fault = err
				return
			}
			fault = fmt.Errorf("orchestrator panic: %v", r)
		}
	}()

	out, err := fn(octx)
	if err != nil {
		return nil, false, err
	}
	return out, false, nil
}

// childInstanceID derives a deterministic child id so a replayed decision
// pass maps onto the instance an earlier, crashed pass may already have
// created.
func childInstanceID(parentID string, taskID int64) string {
	return fmt.Sprintf("%s::%d", parentID, taskID)
}

// createChild creates the child instance for a SubOrchestrationScheduled
// decision and enqueues its first decision pass.
func (e *Engine) createChild(ctx context.Context, parentID string, c *childSpec, now time.Time) error {
	childID := childInstanceID(parentID, c.taskID)
	state := &InstanceState{
		ID:            childID,
		Name:          c.name,
		Status:        StatusPending,
		Input:         c.input,
		ParentID:      parentID,
		ParentTaskID:  c.taskID,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	start := &HistoryEvent{
		SequenceNumber: 1,
		Kind:           KindOrchestratorStarted,
		Name:           c.name,
		Payload:        c.input,
		Timestamp:      now,
	}

	err := e.store.CreateInstance(ctx, state, start)
	if err != nil && !errors.Is(err, ErrDuplicateInstance) {
		return err
	}
	return e.queue.Enqueue(&WorkItem{Kind: OrchestrationWork, InstanceID: childID})
}

// notifyParent appends the child's terminal result to the parent history and
// wakes the parent's decision loop. A SubOrchestrationFailed is only produced
// by a child fault or termination; a child saga that reports a business
// failure does so through its normal completion output.
func (e *Engine) notifyParent(ctx context.Context, child *InstanceState, terminal *HistoryEvent) error {
	kind := KindSubOrchestrationCompleted
	payload := terminal.Payload
	if terminal.Kind != KindOrchestratorCompleted {
		kind = KindSubOrchestrationFailed
		if terminal.Kind == KindExecutionTerminated {
			payload = failurePayload("sub-orchestration terminated", false, 0)
		}
	}

	resolution := &HistoryEvent{
		Kind:    kind,
		TaskID:  child.ParentTaskID,
		Name:    child.Name,
		Payload: payload,
	}
	return e.appendResolution(ctx, child.ParentID, resolution)
}

// redispatch re-enqueues work for every scheduled event with no recorded
// resolution. The queue lives in memory, so after a restart the history may
// record scheduled work that no longer has a live item; resolutions are
// deduplicated on append, which makes redispatching work that is still in
// flight harmless.
func (e *Engine) redispatch(ctx context.Context, state *InstanceState, history []*HistoryEvent, now time.Time) error {
	resolved := make(map[int64]struct{})
	for _, ev := range history {
		if ev.Kind.isResolution() {
			resolved[ev.TaskID] = struct{}{}
		}
	}

	for _, ev := range history {
		if !ev.Kind.isScheduling() {
			continue
		}
		if _, ok := resolved[ev.TaskID]; ok {
			continue
		}

		switch ev.Kind {
		case KindTaskScheduled:
			err := e.queue.Enqueue(&WorkItem{
				Kind:       ActivityWork,
				InstanceID: state.ID,
				TaskID:     ev.TaskID,
				Activity:   ev.Name,
				Input:      ev.Payload,
			})
			if err != nil {
				return err
			}
		case KindSubOrchestrationScheduled:
			childID := childInstanceID(state.ID, ev.TaskID)
			childState, err := e.store.GetInstance(ctx, childID)
			if errors.Is(err, ErrInstanceNotFound) {
				c := &childSpec{name: ev.Name, input: ev.Payload, taskID: ev.TaskID}
				if err := e.createChild(ctx, state.ID, c, now); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if childState.Status.Terminal() {
				// The child finished but its result never reached us.
				childHistory, err := e.store.ReadHistory(ctx, childID)
				if err != nil {
					return err
				}
				if last := childHistory[len(childHistory)-1]; last.Kind.isTerminal() {
					if err := e.notifyParent(ctx, childState, last); err != nil {
						return err
					}
				}
				continue
			}
			if err := e.queue.Enqueue(&WorkItem{Kind: OrchestrationWork, InstanceID: childID}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Recover enqueues a decision pass for every unfinished instance in the
// store. Call it after Start when the store outlives the process; each
// resumed pass replays from history and redispatches whatever scheduled work
// the previous process had in its queue.
func (e *Engine) Recover(ctx context.Context) error {
	ids, err := e.store.ListRunningInstances(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.queue.Enqueue(&WorkItem{Kind: OrchestrationWork, InstanceID: id}); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		e.logger.Info("resuming unfinished instances", "count", len(ids))
	}
	return nil
}

// appendResolution appends one task-resolution event to an instance under
// the optimistic check, retrying on conflict. Duplicate resolutions (from
// at-least-once redelivery) and terminal instances are silently dropped, then
// the instance's decision loop is woken.
func (e *Engine) appendResolution(ctx context.Context, instanceID string, resolution *HistoryEvent) error {
	for {
		state, err := e.store.GetInstance(ctx, instanceID)
		if errors.Is(err, ErrInstanceNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if state.Status.Terminal() {
			// Stale result for a finished or terminated instance; discard.
			return nil
		}

		history, err := e.store.ReadHistory(ctx, instanceID)
		if err != nil {
			return err
		}
		for _, ev := range history {
			if ev.Kind.isResolution() && ev.TaskID == resolution.TaskID {
				return nil
			}
		}

		ev := *resolution
		ev.SequenceNumber = history[len(history)-1].SequenceNumber + 1
		ev.Timestamp = time.Now()

		err = e.store.Append(ctx, instanceID, []*HistoryEvent{&ev})
		if errors.Is(err, ErrConcurrencyConflict) {
			e.metrics.ObserveConflict()
			continue
		}
		if err != nil {
			return err
		}
		return e.queue.Enqueue(&WorkItem{Kind: OrchestrationWork, InstanceID: instanceID})
	}
}

// stateAfter maps a terminal event kind to the status it produces.
func stateAfter(kind EventKind) Status {
	switch kind {
	case KindOrchestratorCompleted:
		return StatusCompleted
	case KindExecutionTerminated:
		return StatusTerminated
	default:
		return StatusFailed
	}
}
