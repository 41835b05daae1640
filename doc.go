package sagaflow

// Package sagaflow provides a durable saga-orchestration engine in Go.
//
// Orchestrations are deterministic functions replayed against an append-only
// history of events. Side effects (bookings, payments, cancellations) run as
// activities in a worker pool; their results become history facts, so a
// crashed orchestration can be re-driven from its log without re-executing
// work that already happened. For more on distributed sagas, see this 2017
// JOTB talk by Caitie McCaffrey: https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
// 1. Register your activities:
//    - An activity is a side-effecting function from JSON input to JSON output.
//    - Use `NewActivity` to wrap a typed function, then register it on the
//      engine's ActivityRegistry.
// 2. Register your orchestrators:
//    - An orchestrator is a deterministic function over an
//      `OrchestrationContext`. It must not perform I/O, read clocks, or use
//      randomness directly; schedule an activity instead so the result becomes
//      a replayable history fact.
// 3. Pick a HistoryStore:
//    - Use `NewMemoryHistoryStore` for testing, or `OpenSQLiteHistoryStore`
//      for durable storage.
// 4. Run the engine and drive it through a Client:
//    - `NewEngine` + `Engine.Start` run the decision and activity workers.
//    - `NewClient` schedules instances (`ScheduleNewOrchestration`) and waits
//      for terminal state (`WaitForCompletion`).
//
// Example:
//
// For a complete example, see the travel package and cmd/sagaflow.
