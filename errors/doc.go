// Package errors provides the structured error taxonomy used across
// agentwatch. Every error carries a code, a category that drives retry
// decisions, optional metadata and the agent it concerns.
//
// # Error Categories
//
//   - Transient: temporary failures where retry may succeed (remote alert
//     endpoint unreachable, delivery timeout)
//   - Permanent: retry will not help (malformed report, unknown agent)
//   - Resource: capacity exhaustion (alert queue full)
//   - Internal: bugs or faults inside the process (observer panics)
//
// # Usage
//
//	err := errors.InvalidInput("mode must be EMERGENCY, IDLE or SLEEP",
//	    errors.WithAgentID(id))
//
//	if errors.IsRetryable(err) {
//	    // queue for another delivery attempt
//	}
//
// Errors marshal to JSON, which is how the HTTP adapter reports them:
//
//	{"code":"NOT_FOUND","category":"permanent","message":"agent a-1 not found",...}
package errors
