// Package workers implements the worker pool that runs relayed gateway
// dispatches off the broker read loop.
//
// The worker pool manages a fixed number of goroutines that:
//   - Take jobs from a bounded queue fed by dispatch handlers
//   - Run each job with panic recovery
//   - Record job outcome and duration
//
// The health monitor tracks worker status and logs metrics.
package workers
