// Package zombie finds agents that stopped reporting and classifies
// report-driven transitions that deserve an alert.
package zombie

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentwatch/alert"
	"github.com/vinayprograms/agentwatch/clock"
	"github.com/vinayprograms/agentwatch/liveness"
	"github.com/vinayprograms/agentwatch/logging"
	"github.com/vinayprograms/agentwatch/metrics"
	"github.com/vinayprograms/agentwatch/telemetry"
	"github.com/vinayprograms/agentwatch/workq"
)

// DefaultScanPeriod is how often the store is scanned.
const DefaultScanPeriod = 10 * time.Second

// Notifier accepts alerts. *alert.Dispatcher satisfies it.
type Notifier interface {
	Notify(ctx context.Context, a *alert.Alert) bool
}

// Config configures a Scanner.
type Config struct {
	Store     *liveness.Store
	Notifier  Notifier
	ClusterID string

	// ScanPeriod defaults to DefaultScanPeriod.
	ScanPeriod time.Duration

	// Pool delivers death alerts off the scan goroutine. When nil they are
	// delivered inline.
	Pool *workq.Pool

	// NotifyModeChanges enables MODE_CHANGE alerts for transitions other
	// than entering EMERGENCY.
	NotifyModeChanges bool

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Tracer
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Checked   int
	Unhealthy int
	NewlyDead []string
	Recovered []string
}

// Scanner raises one AGENT_DEATH alert per continuous outage.
type Scanner struct {
	store    *liveness.Store
	notifier Notifier
	cluster  string
	modes    bool
	clock    clock.Clock
	log      *logging.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Tracer
	pool     *workq.Pool
	task     *clock.RepeatingTask

	mu         sync.Mutex
	suppressed map[string]struct{}
}

// NewScanner creates a stopped Scanner.
func NewScanner(cfg Config) *Scanner {
	if cfg.ScanPeriod <= 0 {
		cfg.ScanPeriod = DefaultScanPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}

	s := &Scanner{
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		cluster:    cfg.ClusterID,
		modes:      cfg.NotifyModeChanges,
		clock:      cfg.Clock,
		log:        cfg.Logger.WithComponent("scanner"),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		pool:       cfg.Pool,
		suppressed: make(map[string]struct{}),
	}
	s.task = clock.NewRepeatingTask(cfg.Clock, cfg.ScanPeriod, func() {
		s.Scan(context.Background())
	})
	return s
}

// Start runs the first scan immediately, then one per period.
func (s *Scanner) Start() {
	s.log.Info("scanner started")
	s.task.Start()
}

// Stop cancels further scans. A scan already running completes.
func (s *Scanner) Stop() {
	s.task.Stop()
}

// Scan checks every agent once.
func (s *Scanner) Scan(ctx context.Context) ScanResult {
	ctx, span := s.tracer.StartScanSpan(ctx)
	started := time.Now()
	now := s.clock.Now()

	records := s.store.ListAgents()
	res := ScanResult{Checked: len(records)}
	present := make(map[string]struct{}, len(records))

	var deaths []*alert.Alert
	for _, rec := range records {
		present[rec.AgentID] = struct{}{}
		healthy := rec.Healthy(now)

		s.mu.Lock()
		_, open := s.suppressed[rec.AgentID]
		switch {
		case !healthy && !open:
			s.suppressed[rec.AgentID] = struct{}{}
			deaths = append(deaths, alert.AgentDeath(s.cluster, rec, now))
			res.NewlyDead = append(res.NewlyDead, rec.AgentID)
		case healthy && open:
			delete(s.suppressed, rec.AgentID)
			res.Recovered = append(res.Recovered, rec.AgentID)
		}
		s.mu.Unlock()

		if !healthy {
			res.Unhealthy++
		}
	}

	s.mu.Lock()
	for id := range s.suppressed {
		if _, ok := present[id]; !ok {
			delete(s.suppressed, id)
		}
	}
	s.mu.Unlock()

	for _, a := range deaths {
		s.log.Warn("agent stopped reporting", logging.Fields{
			"agent":  a.AgentID,
			"missed": a.Details["missed_intervals"],
			"mode":   a.Details["mode"],
		})
		s.notify(ctx, a)
	}
	for _, id := range res.Recovered {
		s.log.Info("agent recovered", logging.Fields{"agent": id})
	}

	s.metrics.ScanCompleted(res.Checked-res.Unhealthy, res.Unhealthy, time.Since(started))
	telemetry.EndScanSpan(span, telemetry.ScanSpanOptions{
		Checked:   res.Checked,
		Unhealthy: res.Unhealthy,
		NewlyDead: len(res.NewlyDead),
		Recovered: len(res.Recovered),
	})
	return res
}

// notify hands a to the pool so a slow alert endpoint cannot hold up the
// next scan.
func (s *Scanner) notify(ctx context.Context, a *alert.Alert) {
	if s.pool == nil {
		s.notifier.Notify(ctx, a)
		return
	}
	task := func(ctx context.Context) error {
		s.notifier.Notify(ctx, a)
		return nil
	}
	if !s.pool.Submit("notify:"+a.AgentID+":"+string(a.Kind), task) {
		s.log.Warn("alert not scheduled, work queue closed", logging.Fields{
			"agent": a.AgentID,
			"kind":  a.Kind,
		})
	}
}

// Transitions returns the alerts a single report calls for: entering
// EMERGENCY (brand-new agents included), a restart, and optionally any
// other mode change.
func (s *Scanner) Transitions(r liveness.ReportResult) []*alert.Alert {
	now := s.clock.Now()
	rec := r.Record
	var out []*alert.Alert

	enteredEmergency := rec.Mode == liveness.ModeEmergency &&
		(r.IsNew || rec.PreviousMode != liveness.ModeEmergency)
	if enteredEmergency {
		out = append(out, alert.EmergencyMode(s.cluster, rec, now))
	}
	if r.RestartDetected {
		out = append(out, alert.RestartDetected(s.cluster, rec, now))
	}
	if s.modes && !enteredEmergency && r.ModeChanged() {
		out = append(out, alert.ModeChange(s.cluster, rec, now))
	}
	return out
}

// IsSuppressed reports whether id has an open AGENT_DEATH alert.
func (s *Scanner) IsSuppressed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.suppressed[id]
	return ok
}

// Suppressed lists agents with an open AGENT_DEATH alert, sorted.
func (s *Scanner) Suppressed() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.suppressed))
	for id := range s.suppressed {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	return ids
}
