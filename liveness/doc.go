// Package liveness holds the in-memory record of every reporting agent and
// derives health verdicts from it.
//
// Agents declare a Mode with every report. The mode fixes the cadence the
// agent promises to report at:
//
//	EMERGENCY  5s
//	IDLE       30s
//	SLEEP      15m
//
// An agent is healthy while now-lastSeen < GraceMultiplier × interval(mode).
// The verdict is computed on every read from the stored timestamps; no
// healthy flag is ever stored.
//
// # Observation
//
// Subscribe registers a callback fired synchronously, in registration order,
// on every subsequent report for one agent. A record is marked Observed
// while it has at least one subscriber. Callback errors and panics are
// logged and never reach the reporter.
package liveness
