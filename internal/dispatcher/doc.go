// Package dispatcher decides which managed models receive live traffic.
// It is structured into small files by concern:
//
//   - dispatcher.go: Dispatcher type, its collaborators and NewWithConfig.
//   - config.go: Config and package defaults.
//   - errors.go: error types and helpers (IsConfigError, IsRegistrationError, ...).
//   - cycle.go: RunCycle, the sync, contract, expand, alert loop.
//   - promote.go: proxy binding and route registration shared by the cycle and Activate.
//   - activate.go: the explicit activation override.
//   - teardown.go: Delete and SetStatus.
//   - usage.go: the daily usage reset.
//   - scheduler.go: periodic and on-demand cycle execution.
//   - lock.go: cross-instance cycle lock (Redis).
//   - events.go, eventpub_memory.go: lifecycle events.
//   - metrics.go: Prometheus collectors.
//
// The store is the only source of truth for model status. Every status change
// goes through a conditional update, and promotion checks the active count in
// the same statement that writes it, so the capacity bound holds even when an
// explicit activation races a cycle in another process.
package dispatcher
