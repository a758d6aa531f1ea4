package liveness

import "time"

// Record is the liveness state of one agent. Records returned by the Store
// are snapshots; mutating them has no effect on the Store.
type Record struct {
	AgentID            string    `json:"agent_id"`
	DisplayName        string    `json:"agent_name"`
	Mode               Mode      `json:"mode"`
	UptimeSeconds      int64     `json:"uptime_seconds"`
	LastSeenAt         time.Time `json:"last_seen_at"`
	FirstSeenAt        time.Time `json:"first_seen_at"`
	ConsecutiveReports int64     `json:"consecutive_reports"`
	Observed           bool      `json:"observed"`
	PreviousMode       Mode      `json:"previous_mode,omitempty"`
	PreviousUptime     int64     `json:"previous_uptime,omitempty"`
}

// Deadline is the instant at which the record stops being healthy.
func (r Record) Deadline() time.Time {
	return r.LastSeenAt.Add(r.Mode.Grace())
}

// Silence is how long the agent has gone without reporting.
func (r Record) Silence(now time.Time) time.Duration {
	return now.Sub(r.LastSeenAt)
}

// Healthy reports whether the agent reported within its grace period.
func (r Record) Healthy(now time.Time) bool {
	return r.Silence(now) < r.Mode.Grace()
}

// MissedIntervals is the number of whole reporting intervals that elapsed
// since the last report, measured with the mode of that last report.
func (r Record) MissedIntervals(now time.Time) int64 {
	interval := r.Mode.Interval()
	if interval <= 0 {
		return 0
	}
	silence := r.Silence(now)
	if silence < 0 {
		return 0
	}
	return int64(silence / interval)
}

// ReportResult describes what a single report changed.
type ReportResult struct {
	// IsNew is true when the report created the record.
	IsNew bool

	// RestartDetected is true when uptime went backwards by more than
	// RestartSlackSeconds.
	RestartDetected bool

	// Record is the state after the report was applied.
	Record Record
}

// ModeChanged reports whether the report moved an existing agent to a
// different mode.
func (r ReportResult) ModeChanged() bool {
	return !r.IsNew && r.Record.PreviousMode != r.Record.Mode
}

// Stats summarizes the store. It is recomputed on every call.
type Stats struct {
	Total     int          `json:"total"`
	Healthy   int          `json:"healthy"`
	Unhealthy int          `json:"unhealthy"`
	ByMode    map[Mode]int `json:"by_mode"`
	Observed  int          `json:"observed"`
}
