// Package alert builds outbound alerts and delivers them to the remote
// aggregation endpoint.
//
// The Dispatcher suppresses repeats of the same (agent, kind) pair inside
// the dedup window, tries each accepted alert once immediately and parks
// failures in a bounded FIFO queue. Queued alerts are retried with
// exponential backoff until they are delivered or outlive the queue TTL.
package alert
