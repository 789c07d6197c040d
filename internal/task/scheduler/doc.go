// Package scheduler is the control loop.
//
// Each tick it asks every enabled task whether a trigger fell in
// (lastChecked, now], orders the due ones by priority then id and hands each
// to the runner on its own goroutine. A task moves Idle -> Due -> Running ->
// Idle; a task that is not Idle when it comes due again is skipped for that
// tick, so one task id never has two runs in flight.
//
// The Service owns the registry, the status store and the runner. Everything
// else (HTTP, CLI, reload) goes through its methods.
package scheduler
