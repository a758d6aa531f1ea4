package alert

import (
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentwatch/liveness"
)

// Kind identifies what happened to an agent.
type Kind string

const (
	KindAgentDeath      Kind = "AGENT_DEATH"
	KindEmergencyMode   Kind = "EMERGENCY_MODE"
	KindRestartDetected Kind = "RESTART_DETECTED"
	KindModeChange      Kind = "MODE_CHANGE"
)

// Severity is the urgency attached to an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Severity returns the fixed severity for the kind.
func (k Kind) Severity() Severity {
	switch k {
	case KindAgentDeath, KindEmergencyMode:
		return SeverityCritical
	case KindRestartDetected:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Alert is the outbound payload. ID travels as the X-Alert-ID header so
// receivers can drop duplicate deliveries after a retry.
type Alert struct {
	ID        string                 `json:"-"`
	Kind      Kind                   `json:"type"`
	AgentID   string                 `json:"agent_uuid"`
	AgentName string                 `json:"agent_name"`
	ClusterID string                 `json:"cluster_id"`
	Severity  Severity               `json:"severity"`
	Details   map[string]interface{} `json:"details"`
	Timestamp time.Time              `json:"timestamp"`
}

func newAlert(kind Kind, cluster string, rec liveness.Record, now time.Time, details map[string]interface{}) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		AgentID:   rec.AgentID,
		AgentName: rec.DisplayName,
		ClusterID: cluster,
		Severity:  kind.Severity(),
		Details:   details,
		Timestamp: now.UTC(),
	}
}

// AgentDeath reports an agent that stayed silent past its grace period.
func AgentDeath(cluster string, rec liveness.Record, now time.Time) *Alert {
	return newAlert(KindAgentDeath, cluster, rec, now, map[string]interface{}{
		"missed_intervals":    rec.MissedIntervals(now),
		"last_seen":           rec.LastSeenAt.UTC().Format(time.RFC3339),
		"mode":                rec.Mode,
		"uptime_before_death": rec.UptimeSeconds,
	})
}

// EmergencyMode reports an agent entering EMERGENCY. previous_mode is null
// for an agent whose first report was already EMERGENCY.
func EmergencyMode(cluster string, rec liveness.Record, now time.Time) *Alert {
	var prev interface{}
	if rec.PreviousMode != "" {
		prev = rec.PreviousMode
	}
	return newAlert(KindEmergencyMode, cluster, rec, now, map[string]interface{}{
		"previous_mode":  prev,
		"uptime_seconds": rec.UptimeSeconds,
	})
}

// RestartDetected reports an uptime counter that went backwards.
func RestartDetected(cluster string, rec liveness.Record, now time.Time) *Alert {
	return newAlert(KindRestartDetected, cluster, rec, now, map[string]interface{}{
		"previous_uptime": rec.PreviousUptime,
		"new_uptime":      rec.UptimeSeconds,
		"mode":            rec.Mode,
	})
}

// ModeChange reports any other mode transition.
func ModeChange(cluster string, rec liveness.Record, now time.Time) *Alert {
	return newAlert(KindModeChange, cluster, rec, now, map[string]interface{}{
		"previous_mode": rec.PreviousMode,
		"new_mode":      rec.Mode,
	})
}

// QueuedAlert is an alert waiting for redelivery.
type QueuedAlert struct {
	Alert      *Alert
	EnqueuedAt time.Time
	Attempts   int
}

// QueueStats describes the retry queue.
type QueueStats struct {
	Size      int            `json:"size"`
	OldestAge *time.Duration `json:"oldest_age,omitempty"`
}
