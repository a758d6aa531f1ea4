package liveness

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/agentwatch/clock"
	"github.com/vinayprograms/agentwatch/logging"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(epoch)
	return NewStore(StoreConfig{Clock: c, Logger: logging.Discard()}), c
}

func TestMode_Table(t *testing.T) {
	tests := []struct {
		mode     Mode
		interval time.Duration
	}{
		{ModeEmergency, 5 * time.Second},
		{ModeIdle, 30 * time.Second},
		{ModeSleep, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := tt.mode.Interval(); got != tt.interval {
			t.Errorf("%s.Interval() = %v, want %v", tt.mode, got, tt.interval)
		}
		if got := tt.mode.Grace(); got != 2*tt.interval {
			t.Errorf("%s.Grace() = %v, want %v", tt.mode, got, 2*tt.interval)
		}
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("idle"); err != nil || m != ModeIdle {
		t.Errorf("ParseMode(idle) = %v, %v", m, err)
	}
	if _, err := ParseMode("PANIC"); err == nil {
		t.Error("ParseMode(PANIC) should fail")
	}
}

func TestRecordReport_NewAgent(t *testing.T) {
	s, _ := newTestStore(t)

	res := s.RecordReport("a-1", "", ModeIdle, 100)
	if !res.IsNew {
		t.Error("first report should be new")
	}
	if res.RestartDetected {
		t.Error("first report cannot be a restart")
	}
	if res.Record.DisplayName != "a-1" {
		t.Errorf("DisplayName = %q, want agent id", res.Record.DisplayName)
	}
	if !res.Record.FirstSeenAt.Equal(epoch) || !res.Record.LastSeenAt.Equal(epoch) {
		t.Errorf("timestamps = %v / %v", res.Record.FirstSeenAt, res.Record.LastSeenAt)
	}
	if res.ModeChanged() {
		t.Error("new agent should not report a mode change")
	}
}

func TestRecordReport_CountsAndTimestamps(t *testing.T) {
	s, c := newTestStore(t)

	for i := 0; i < 7; i++ {
		s.RecordReport("a-1", "worker", ModeIdle, int64(i*30))
		c.Advance(30 * time.Second)
	}
	last := c.Now().Add(-30 * time.Second)

	rec, ok := s.GetAgent("a-1")
	if !ok {
		t.Fatal("agent missing")
	}
	if rec.ConsecutiveReports != 7 {
		t.Errorf("ConsecutiveReports = %d, want 7", rec.ConsecutiveReports)
	}
	if !rec.LastSeenAt.Equal(last) {
		t.Errorf("LastSeenAt = %v, want %v", rec.LastSeenAt, last)
	}
	if !rec.FirstSeenAt.Equal(epoch) {
		t.Errorf("FirstSeenAt = %v, want %v", rec.FirstSeenAt, epoch)
	}
}

func TestRecordReport_ShiftsHistory(t *testing.T) {
	s, _ := newTestStore(t)

	s.RecordReport("a-1", "worker", ModeIdle, 100)
	res := s.RecordReport("a-1", "", ModeEmergency, 105)

	if res.Record.PreviousMode != ModeIdle || res.Record.PreviousUptime != 100 {
		t.Errorf("previous = %s/%d, want IDLE/100", res.Record.PreviousMode, res.Record.PreviousUptime)
	}
	if res.Record.Mode != ModeEmergency || res.Record.UptimeSeconds != 105 {
		t.Errorf("current = %s/%d", res.Record.Mode, res.Record.UptimeSeconds)
	}
	if res.Record.DisplayName != "worker" {
		t.Errorf("empty name should keep previous, got %q", res.Record.DisplayName)
	}
	if !res.ModeChanged() {
		t.Error("ModeChanged() = false")
	}
}

func TestRecordReport_RestartSlack(t *testing.T) {
	tests := []struct {
		name    string
		prev    int64
		next    int64
		restart bool
	}{
		{"increase", 100, 130, false},
		{"equal", 100, 100, false},
		{"decrease of exactly 10", 100, 90, false},
		{"decrease of 11", 100, 89, true},
		{"reset to zero", 5000, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			s.RecordReport("a-1", "", ModeIdle, tt.prev)
			res := s.RecordReport("a-1", "", ModeIdle, tt.next)
			if res.RestartDetected != tt.restart {
				t.Errorf("RestartDetected = %v, want %v", res.RestartDetected, tt.restart)
			}
		})
	}
}

func TestHealthVerdict(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		silence time.Duration
		healthy bool
	}{
		{"idle 59s", ModeIdle, 59 * time.Second, true},
		{"idle 60s", ModeIdle, 60 * time.Second, false},
		{"idle 61s", ModeIdle, 61 * time.Second, false},
		{"emergency 9s", ModeEmergency, 9 * time.Second, true},
		{"emergency 11s", ModeEmergency, 11 * time.Second, false},
		{"sleep 29m", ModeSleep, 29 * time.Minute, true},
		{"sleep 31m", ModeSleep, 31 * time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, c := newTestStore(t)
			s.RecordReport("a-1", "", tt.mode, 1)
			c.Advance(tt.silence)

			unhealthy := s.UnhealthyAgents()
			gotHealthy := len(unhealthy) == 0
			if gotHealthy != tt.healthy {
				t.Errorf("healthy = %v, want %v", gotHealthy, tt.healthy)
			}
			rec, _ := s.GetAgent("a-1")
			if rec.Healthy(c.Now()) != tt.healthy {
				t.Errorf("Record.Healthy = %v, want %v", rec.Healthy(c.Now()), tt.healthy)
			}
		})
	}
}

func TestRecord_MissedIntervals(t *testing.T) {
	rec := Record{Mode: ModeIdle, LastSeenAt: epoch}
	if got := rec.MissedIntervals(epoch.Add(95 * time.Second)); got != 3 {
		t.Errorf("MissedIntervals = %d, want 3", got)
	}
	if got := rec.MissedIntervals(epoch.Add(-time.Second)); got != 0 {
		t.Errorf("MissedIntervals before last seen = %d, want 0", got)
	}
	if !rec.Deadline().Equal(epoch.Add(60 * time.Second)) {
		t.Errorf("Deadline = %v", rec.Deadline())
	}
}

func TestSubscribe_OrderAndObservedFlag(t *testing.T) {
	s, _ := newTestStore(t)
	s.RecordReport("a-1", "", ModeIdle, 1)

	var calls []string
	unsubA := s.Subscribe("a-1", func(r Record) error {
		calls = append(calls, fmt.Sprintf("A:%d", r.UptimeSeconds))
		return nil
	})
	unsubB := s.Subscribe("a-1", func(r Record) error {
		calls = append(calls, fmt.Sprintf("B:%d", r.UptimeSeconds))
		return nil
	})

	if rec, _ := s.GetAgent("a-1"); !rec.Observed {
		t.Error("record should be observed")
	}

	s.RecordReport("a-1", "", ModeIdle, 2)
	s.RecordReport("a-1", "", ModeIdle, 3)

	want := "A:2 B:2 A:3 B:3"
	if got := strings.Join(calls, " "); got != want {
		t.Errorf("calls = %q, want %q", got, want)
	}

	unsubA()
	if rec, _ := s.GetAgent("a-1"); !rec.Observed {
		t.Error("record should stay observed while B remains")
	}
	unsubB()
	unsubB()

	rec, ok := s.GetAgent("a-1")
	if !ok {
		t.Fatal("record should persist after last unsubscribe")
	}
	if rec.Observed {
		t.Error("last unsubscribe should clear observed")
	}

	calls = nil
	s.RecordReport("a-1", "", ModeIdle, 4)
	if len(calls) != 0 {
		t.Errorf("unsubscribed observers fired: %v", calls)
	}
}

func TestSubscribe_BeforeFirstReport(t *testing.T) {
	s, _ := newTestStore(t)

	got := 0
	s.Subscribe("a-1", func(Record) error { got++; return nil })
	res := s.RecordReport("a-1", "", ModeSleep, 1)

	if !res.Record.Observed {
		t.Error("record created with a subscriber should be observed")
	}
	if got != 1 {
		t.Errorf("observer calls = %d, want 1", got)
	}
}

func TestSubscribe_ObserverCallsBackIntoStore(t *testing.T) {
	s, _ := newTestStore(t)

	var snapshots int
	s.Subscribe("a-1", func(r Record) error {
		s.RecordReport("a-2", "", r.Mode, r.UptimeSeconds)
		unsub := s.SubscribeWithSnapshot("a-2", func(Record) error { return nil }, func(Record, bool) {
			snapshots++
		})
		unsub()
		return nil
	})

	done := make(chan struct{})
	go func() {
		s.RecordReport("a-1", "", ModeIdle, 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("store deadlocked on a re-entrant observer")
	}

	if rec, ok := s.GetAgent("a-2"); !ok || rec.UptimeSeconds != 1 {
		t.Errorf("a-2 = %+v, %v", rec, ok)
	}
	if snapshots != 1 {
		t.Errorf("snapshots = %d, want 1", snapshots)
	}
}

func TestSubscribe_FaultIsolation(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New()
	log.SetOutput(&buf)
	s := NewStore(StoreConfig{Clock: clock.NewFake(epoch), Logger: log})

	reached := 0
	s.Subscribe("a-1", func(Record) error { return fmt.Errorf("socket closed") })
	s.Subscribe("a-1", func(Record) error { panic("boom") })
	s.Subscribe("a-1", func(Record) error { reached++; return nil })

	res := s.RecordReport("a-1", "", ModeIdle, 1)
	if !res.IsNew {
		t.Error("report should apply despite failing observers")
	}
	if reached != 1 {
		t.Errorf("healthy observer calls = %d, want 1", reached)
	}
	if strings.Count(buf.String(), "observer failed") != 2 {
		t.Errorf("expected two observer warnings, got:\n%s", buf.String())
	}
}

func TestSubscribeWithSnapshot(t *testing.T) {
	s, _ := newTestStore(t)

	var found bool
	s.SubscribeWithSnapshot("ghost", func(Record) error { return nil }, func(_ Record, ok bool) { found = ok })
	if found {
		t.Error("unknown agent should report found=false")
	}

	s.RecordReport("a-1", "", ModeIdle, 10)
	var events []string
	unsub := s.SubscribeWithSnapshot("a-1",
		func(r Record) error { events = append(events, fmt.Sprintf("update:%d", r.UptimeSeconds)); return nil },
		func(r Record, ok bool) { events = append(events, fmt.Sprintf("snapshot:%d:%v", r.UptimeSeconds, ok)) },
	)
	defer unsub()
	s.RecordReport("a-1", "", ModeIdle, 40)

	want := "snapshot:10:true update:40"
	if got := strings.Join(events, " "); got != want {
		t.Errorf("events = %q, want %q", got, want)
	}
}

func TestRemoveAgent(t *testing.T) {
	s, _ := newTestStore(t)

	if s.RemoveAgent("missing") {
		t.Error("removing unknown id should return false")
	}

	fired := 0
	s.RecordReport("a-1", "", ModeIdle, 1)
	unsub := s.Subscribe("a-1", func(Record) error { fired++; return nil })

	if !s.RemoveAgent("a-1") {
		t.Fatal("removing existing id should return true")
	}
	if _, ok := s.GetAgent("a-1"); ok {
		t.Error("record should be gone")
	}

	res := s.RecordReport("a-1", "", ModeIdle, 1)
	if !res.IsNew {
		t.Error("report after removal should create a new record")
	}
	if fired != 0 {
		t.Errorf("subscription should be dropped with the record, fired %d", fired)
	}
	if res.Record.Observed {
		t.Error("re-created record should not be observed")
	}
	unsub() // stale handle must be harmless
}

func TestStats(t *testing.T) {
	s, c := newTestStore(t)

	s.RecordReport("e", "", ModeEmergency, 1)
	s.RecordReport("i", "", ModeIdle, 1)
	s.RecordReport("z", "", ModeSleep, 1)
	s.Subscribe("i", func(Record) error { return nil })

	c.Advance(20 * time.Second) // only the emergency agent is overdue

	st := s.Stats()
	if st.Total != 3 || st.Healthy != 2 || st.Unhealthy != 1 || st.Observed != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.ByMode[ModeEmergency] != 1 || st.ByMode[ModeIdle] != 1 || st.ByMode[ModeSleep] != 1 {
		t.Errorf("ByMode = %v", st.ByMode)
	}
	if len(s.ListAgents()) != 3 || s.Len() != 3 {
		t.Error("ListAgents/Len mismatch")
	}
}

func TestStore_ConcurrentReports(t *testing.T) {
	s := NewStore(StoreConfig{Logger: logging.Discard()})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.RecordReport(fmt.Sprintf("a-%d", i%10), "", ModeIdle, int64(i))
				s.Stats()
			}
		}(w)
	}
	wg.Wait()

	var total int64
	for _, rec := range s.ListAgents() {
		total += rec.ConsecutiveReports
	}
	if total != 800 {
		t.Errorf("total reports = %d, want 800", total)
	}
}
