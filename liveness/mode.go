package liveness

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the reporting cadence an agent claims to follow.
type Mode string

const (
	ModeEmergency Mode = "EMERGENCY"
	ModeIdle      Mode = "IDLE"
	ModeSleep     Mode = "SLEEP"
)

// GraceMultiplier is applied to a mode's interval before an agent is
// declared unhealthy.
const GraceMultiplier = 2

// RestartSlackSeconds is the uptime decrease tolerated before a report is
// treated as a restart.
const RestartSlackSeconds = 10

var modeIntervals = map[Mode]time.Duration{
	ModeEmergency: 5 * time.Second,
	ModeIdle:      30 * time.Second,
	ModeSleep:     15 * time.Minute,
}

// Modes lists every valid mode, most urgent first.
func Modes() []Mode {
	return []Mode{ModeEmergency, ModeIdle, ModeSleep}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	_, ok := modeIntervals[m]
	return ok
}

// Interval returns the nominal reporting interval for m, or zero for an
// unknown mode.
func (m Mode) Interval() time.Duration {
	return modeIntervals[m]
}

// Grace returns the silence an agent in mode m may show before it is
// unhealthy.
func (m Mode) Grace() time.Duration {
	return m.Interval() * GraceMultiplier
}

// String returns the wire form of the mode.
func (m Mode) String() string {
	return string(m)
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode %q (want EMERGENCY, IDLE or SLEEP)", s)
	}
	return m, nil
}
