// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Request coordinator dispatches, shared joins and cancellations
//   - Live channel connection state and reconnect attempts
//   - Router frame rates, parse errors and subscriber panics
//   - Store sizes and discarded stale batches
//   - Stats history rows written
//
// Every method is safe to call on a nil *Metrics, so components can
// take an optional collector without guarding each call site.
package metrics
