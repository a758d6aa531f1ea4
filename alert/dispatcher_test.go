package alert

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vinayprograms/agentwatch/clock"
	"github.com/vinayprograms/agentwatch/liveness"
	"github.com/vinayprograms/agentwatch/logging"
	"github.com/vinayprograms/agentwatch/metrics"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSender records deliveries and fails while failing is set.
type fakeSender struct {
	mu        sync.Mutex
	failing   bool
	calls     []*Alert
	delivered []*Alert
	onDeliver func(*Alert)
}

func (s *fakeSender) Name() string { return "fake" }

func (s *fakeSender) Deliver(ctx context.Context, a *Alert) error {
	s.mu.Lock()
	s.calls = append(s.calls, a)
	failing := s.failing
	hook := s.onDeliver
	if !failing {
		s.delivered = append(s.delivered, a)
	}
	s.mu.Unlock()

	if hook != nil {
		hook(a)
	}
	if failing {
		return fmt.Errorf("endpoint down")
	}
	return nil
}

func (s *fakeSender) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSender) deliveredAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.delivered))
	for i, a := range s.delivered {
		out[i] = a.AgentID
	}
	return out
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *fakeSender, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(epoch)
	s := &fakeSender{}
	cfg.Sender = s
	cfg.Clock = c
	cfg.Logger = logging.Discard()
	d, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(d.Stop)
	return d, s, c
}

func testAlert(agent string, kind Kind) *Alert {
	rec := liveness.Record{AgentID: agent, DisplayName: agent, Mode: liveness.ModeIdle, LastSeenAt: epoch}
	a := newAlert(kind, "prod", rec, epoch, map[string]interface{}{})
	return a
}

func TestNewDispatcher_RequiresSender(t *testing.T) {
	if _, err := NewDispatcher(Config{}); err == nil {
		t.Error("expected error without sender")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{5, 60 * time.Second},
		{200, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestNotify_DeliversImmediately(t *testing.T) {
	d, s, c := newTestDispatcher(t, Config{})

	if !d.Notify(context.Background(), testAlert("a-1", KindAgentDeath)) {
		t.Fatal("Notify should accept a fresh alert")
	}
	if s.callCount() != 1 {
		t.Errorf("deliveries = %d, want 1", s.callCount())
	}
	if d.QueueStats().Size != 0 || c.Pending() != 0 {
		t.Error("successful delivery should not queue or schedule")
	}
}

func TestNotify_DedupWindow(t *testing.T) {
	d, s, c := newTestDispatcher(t, Config{})
	ctx := context.Background()

	if !d.Notify(ctx, testAlert("a-1", KindEmergencyMode)) {
		t.Fatal("first alert should be accepted")
	}
	c.Advance(30 * time.Second)
	if d.Notify(ctx, testAlert("a-1", KindEmergencyMode)) {
		t.Error("repeat within window should be suppressed")
	}
	if !d.Notify(ctx, testAlert("a-1", KindRestartDetected)) {
		t.Error("different kind for the same agent should be accepted")
	}
	if !d.Notify(ctx, testAlert("a-2", KindEmergencyMode)) {
		t.Error("same kind for a different agent should be accepted")
	}

	c.Advance(31 * time.Second)
	if !d.Notify(ctx, testAlert("a-1", KindEmergencyMode)) {
		t.Error("repeat after the window should be accepted")
	}

	if got := s.callCount(); got != 4 {
		t.Errorf("deliveries = %d, want 4", got)
	}
}

func TestNotify_SuppressedCallDoesNotExtendWindow(t *testing.T) {
	d, _, c := newTestDispatcher(t, Config{})
	ctx := context.Background()

	d.Notify(ctx, testAlert("a-1", KindAgentDeath))
	c.Advance(50 * time.Second)
	d.Notify(ctx, testAlert("a-1", KindAgentDeath))
	c.Advance(11 * time.Second)

	if !d.Notify(ctx, testAlert("a-1", KindAgentDeath)) {
		t.Error("window should run from the first accepted alert")
	}
}

func TestNotify_FailureQueuesAndRetries(t *testing.T) {
	d, s, c := newTestDispatcher(t, Config{})
	s.setFailing(true)

	if !d.Notify(context.Background(), testAlert("a-1", KindAgentDeath)) {
		t.Fatal("failed delivery is still an accepted alert")
	}
	st := d.QueueStats()
	if st.Size != 1 || st.OldestAge == nil || *st.OldestAge != 0 {
		t.Fatalf("QueueStats = %+v", st)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected a scheduled drain, pending = %d", c.Pending())
	}

	s.setFailing(false)
	c.Advance(4 * time.Second)
	if s.callCount() != 1 {
		t.Fatalf("retry fired early: calls = %d", s.callCount())
	}
	c.Advance(time.Second)
	if s.callCount() != 2 {
		t.Fatalf("retry should fire after 5s: calls = %d", s.callCount())
	}
	if d.QueueStats().Size != 0 || c.Pending() != 0 {
		t.Error("queue should be empty after successful retry")
	}
}

func TestDrain_BackoffGrowsWithHeadAttempts(t *testing.T) {
	d, s, c := newTestDispatcher(t, Config{})
	s.setFailing(true)
	d.Notify(context.Background(), testAlert("a-1", KindAgentDeath))

	// immediate attempt, then retries at +5s, +10s, +20s, +40s, +60s, +60s
	steps := []time.Duration{5, 10, 20, 40, 60, 60}
	for i, step := range steps {
		c.Advance(step*time.Second - time.Millisecond)
		if got := s.callCount(); got != i+1 {
			t.Fatalf("step %d: early retry, calls = %d", i, got)
		}
		c.Advance(time.Millisecond)
		if got := s.callCount(); got != i+2 {
			t.Fatalf("step %d: calls = %d, want %d", i, got, i+2)
		}
	}
}

func TestEnqueue_EvictsOldestFirst(t *testing.T) {
	reg := metrics.New()
	d, s, _ := newTestDispatcher(t, Config{MaxQueueSize: 3, Metrics: reg})
	s.setFailing(true)

	for i := 1; i <= 5; i++ {
		d.Enqueue(testAlert(fmt.Sprintf("a-%d", i), KindAgentDeath))
		if n := d.QueueStats().Size; n > 3 {
			t.Fatalf("queue size %d exceeds max", n)
		}
	}

	s.setFailing(false)
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := s.deliveredAgents()
	want := []string{"a-3", "a-4", "a-5"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("delivered %v, want %v", got, want)
	}
	if v := testutil.ToFloat64(reg.AlertsDropped.WithLabelValues("overflow")); v != 2 {
		t.Errorf("overflow drops = %v, want 2", v)
	}
}

func TestDrain_ExpiredEntriesDroppedWithoutAttempt(t *testing.T) {
	reg := metrics.New()
	d, s, c := newTestDispatcher(t, Config{TTL: time.Hour, Metrics: reg})

	d.Enqueue(testAlert("old", KindAgentDeath))
	d.Stop() // keep the timer from draining while time moves
	c.Advance(time.Hour + time.Second)
	d.Enqueue(testAlert("fresh", KindAgentDeath))

	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := s.deliveredAgents(); len(got) != 1 || got[0] != "fresh" {
		t.Errorf("delivered %v, want [fresh]", got)
	}
	if s.callCount() != 1 {
		t.Errorf("expired entry should not be attempted, calls = %d", s.callCount())
	}
	if v := testutil.ToFloat64(reg.AlertsDropped.WithLabelValues("ttl")); v != 1 {
		t.Errorf("ttl drops = %v, want 1", v)
	}
}

func TestDrain_EntriesEnqueuedDuringPassGoBehindRetained(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Config{})
	d.Stop()
	s.setFailing(true)

	d.Enqueue(testAlert("a", KindAgentDeath))
	d.Enqueue(testAlert("b", KindAgentDeath))

	added := false
	s.onDeliver = func(a *Alert) {
		if a.AgentID == "a" && !added {
			added = true
			d.Enqueue(testAlert("c", KindAgentDeath))
		}
	}
	if err := d.Flush(context.Background()); err == nil {
		t.Fatal("Flush should report remaining alerts")
	}
	s.onDeliver = nil

	if n := d.QueueStats().Size; n != 3 {
		t.Fatalf("queue size = %d, want 3", n)
	}

	s.setFailing(false)
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := fmt.Sprint(s.deliveredAgents()); got != "[a b c]" {
		t.Errorf("delivery order = %s, want [a b c]", got)
	}
}

func TestStop_CancelsPendingDrain(t *testing.T) {
	d, s, c := newTestDispatcher(t, Config{})
	s.setFailing(true)
	d.Notify(context.Background(), testAlert("a-1", KindAgentDeath))

	d.Stop()
	if c.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", c.Pending())
	}
	c.Advance(10 * time.Minute)
	if s.callCount() != 1 {
		t.Errorf("no retry should run after Stop, calls = %d", s.callCount())
	}

	d.Enqueue(testAlert("a-2", KindAgentDeath))
	if c.Pending() != 0 {
		t.Error("Enqueue after Stop should not schedule")
	}
}

func TestPass_OneAtATime(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Config{})
	d.Stop()

	release := make(chan struct{})
	entered := make(chan struct{})
	s.onDeliver = func(*Alert) {
		close(entered)
		<-release
	}
	d.Enqueue(testAlert("a", KindAgentDeath))

	done := make(chan struct{})
	go func() {
		d.Flush(context.Background())
		close(done)
	}()
	<-entered

	// A timer-triggered pass during a running pass is a no-op.
	d.pass(context.Background(), false)
	if s.callCount() != 1 {
		t.Errorf("concurrent pass attempted delivery, calls = %d", s.callCount())
	}

	close(release)
	<-done
	if d.QueueStats().Size != 0 {
		t.Error("queue should be empty")
	}
}

func TestFlush_CanceledContextKeepsEntries(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Config{})
	d.Stop()
	d.Enqueue(testAlert("a", KindAgentDeath))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Flush(ctx); err == nil {
		t.Error("Flush should fail with alerts left")
	}
	if s.callCount() != 0 {
		t.Error("no attempt under a canceled context")
	}
	if d.QueueStats().Size != 1 {
		t.Error("entry should be kept")
	}
}

func TestNotify_Metrics(t *testing.T) {
	reg := metrics.New()
	d, s, _ := newTestDispatcher(t, Config{Metrics: reg})
	ctx := context.Background()

	d.Notify(ctx, testAlert("a-1", KindAgentDeath))
	d.Notify(ctx, testAlert("a-1", KindAgentDeath))
	s.setFailing(true)
	d.Notify(ctx, testAlert("a-2", KindAgentDeath))

	kind := string(KindAgentDeath)
	checks := map[string]float64{
		"notified":     testutil.ToFloat64(reg.AlertsNotified.WithLabelValues(kind)),
		"deduplicated": testutil.ToFloat64(reg.AlertsDeduplicated.WithLabelValues(kind)),
		"delivered":    testutil.ToFloat64(reg.AlertsDelivered.WithLabelValues(kind)),
		"failed":       testutil.ToFloat64(reg.DeliveryFailures.WithLabelValues(kind)),
		"queue":        testutil.ToFloat64(reg.AlertQueueSize),
	}
	want := map[string]float64{"notified": 2, "deduplicated": 1, "delivered": 1, "failed": 1, "queue": 1}
	for k, v := range want {
		if checks[k] != v {
			t.Errorf("%s = %v, want %v", k, checks[k], v)
		}
	}
}
