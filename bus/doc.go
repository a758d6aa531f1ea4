// Package bus carries liveness reports and alert mirrors between processes.
//
// # Overview
//
// MessageBus is a small pub/sub abstraction with two implementations:
//
//   - NATSBus: production transport backed by a NATS connection
//   - MemoryBus: in-process implementation used by tests and single-node runs
//
// # Subjects
//
// Subjects are dot-separated tokens. Subscriptions accept the NATS wildcards:
// "*" matches exactly one token and ">" matches one or more trailing tokens.
//
//	agentwatch.report.worker-7        report from one agent
//	agentwatch.report.*               every agent's reports
//	agentwatch.alerts.prod.>          every alert kind for cluster "prod"
//
// # Queue Groups
//
// Several agentwatch instances can share report intake by subscribing with
// the same queue name. Each report is then handled by exactly one instance.
package bus
