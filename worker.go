package sagaflow

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls how the worker pool retries transient activity
// failures. Business failures are never retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// BackoffCoefficient multiplies the delay after every attempt.
	BackoffCoefficient float64

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the policy applied when Options.Retry is unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		InitialBackoff:     100 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaxBackoff:         5 * time.Second,
	}
}

// Backoff returns the delay to apply before the given attempt. Attempts are
// counted from 1; the first attempt carries no delay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := p.InitialBackoff
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.BackoffCoefficient)
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// processActivityItem executes one scheduled activity to completion: the
// attempt loop retries transient errors per the engine's retry policy, then
// the outcome is appended to the instance history as a TaskCompleted or
// TaskFailed and the instance's decision loop is woken.
func (e *Engine) processActivityItem(ctx context.Context, item *WorkItem) {
	log := e.logger.With(
		"instance_id", item.InstanceID,
		"activity", item.Activity,
		"task_id", item.TaskID)

	state, err := e.store.GetInstance(ctx, item.InstanceID)
	if errors.Is(err, ErrInstanceNotFound) {
		log.Warn("dropping activity for unknown instance")
		e.queue.Complete(item)
		return
	}
	if err != nil {
		log.Error("load instance failed", "error", err)
		e.queue.Abandon(item)
		return
	}
	if state.Status.Terminal() {
		// The orchestration already finished; its result no longer matters.
		e.queue.Complete(item)
		return
	}

	fn, err := e.activities.Get(item.Activity)
	if err != nil {
		resolution := &HistoryEvent{
			Kind:    KindTaskFailed,
			TaskID:  item.TaskID,
			Name:    item.Activity,
			Payload: failurePayload(err.Error(), false, 0),
		}
		e.metrics.ObserveActivityFailure()
		e.finishActivity(ctx, item, resolution, log)
		return
	}

	output, runErr, attempts := e.runActivity(ctx, fn, item, log)
	if ctx.Err() != nil && runErr != nil {
		// Shutdown mid-attempt; leave the item for redelivery.
		e.queue.Abandon(item)
		return
	}

	resolution := &HistoryEvent{
		Kind:   KindTaskCompleted,
		TaskID: item.TaskID,
		Name:   item.Activity,
	}
	if runErr != nil {
		var bizErr *BusinessError
		transient := !errors.As(runErr, &bizErr)
		resolution.Kind = KindTaskFailed
		resolution.Payload = failurePayload(runErr.Error(), transient, attempts)
		e.metrics.ObserveActivityFailure()
		log.Warn("activity failed", "error", runErr, "attempts", attempts, "transient", transient)
	} else {
		resolution.Payload = output
	}

	e.finishActivity(ctx, item, resolution, log)
}

// runActivity runs the attempt loop for one activity. A *BusinessError ends
// the loop immediately; any other error is treated as transient and retried
// with backoff until the policy's attempts are exhausted.
func (e *Engine) runActivity(ctx context.Context, fn Activity, item *WorkItem, log logAttrs) (output []byte, err error, attempts int) {
	for attempt := item.Attempt + 1; attempt <= e.retry.MaxAttempts; attempt++ {
		attempts = attempt
		if delay := e.retry.Backoff(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err(), attempts
			}
		}

		started := time.Now()
		output, err = invokeActivity(ctx, fn, item.Input)
		e.metrics.ObserveActivityAttempt(item.Activity, time.Since(started))
		if err == nil {
			return output, nil, attempts
		}

		var bizErr *BusinessError
		if errors.As(err, &bizErr) {
			return nil, err, attempts
		}
		if attempt < e.retry.MaxAttempts {
			// Record consumed attempts on the item so a redelivery resumes
			// the budget instead of restarting it.
			item.Attempt = attempt
			e.metrics.ObserveActivityRetry()
			log.Warn("activity attempt failed, retrying", "attempt", attempt, "error", err)
		}
	}
	return nil, err, attempts
}

// logAttrs is the slice of the slog API the worker needs; it keeps
// runActivity testable without a full engine logger.
type logAttrs interface {
	Warn(msg string, args ...any)
}

// invokeActivity calls fn, translating a panic into an error so one bad
// activity cannot take down a worker goroutine.
func invokeActivity(ctx context.Context, fn Activity, input []byte) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = perr
				return
			}
			err = Businessf("activity panic: %v", r)
		}
	}()
	return fn(ctx, input)
}

// finishActivity records the activity outcome and acknowledges the item.
// If the append fails the item is abandoned so the attempt reruns, which is
// where at-least-once execution comes from.
func (e *Engine) finishActivity(ctx context.Context, item *WorkItem, resolution *HistoryEvent, log logAttrs) {
	if err := e.appendResolution(ctx, item.InstanceID, resolution); err != nil {
		log.Warn("record activity outcome failed, will redeliver", "error", err)
		e.queue.Abandon(item)
		return
	}
	e.queue.Complete(item)
}
