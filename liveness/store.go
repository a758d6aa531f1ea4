package liveness

import (
	"fmt"
	"sync"

	"github.com/vinayprograms/agentwatch/clock"
	"github.com/vinayprograms/agentwatch/errors"
	"github.com/vinayprograms/agentwatch/logging"
	"github.com/vinayprograms/agentwatch/metrics"
)

// Observer receives the updated record after every report for the agent it
// was registered for. It may call back into the Store, except to record a
// report for or subscribe to its own agent.
type Observer func(Record) error

// StoreConfig configures a Store. All fields are optional.
type StoreConfig struct {
	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Store owns the mapping from agent id to liveness record.
type Store struct {
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	records   map[string]*Record
	observers map[string][]*subscription
	nextSubID uint64

	// agentLocks serialize report application with observer delivery per
	// agent so callbacks fire in the order that agent's reports arrived.
	locksMu    sync.Mutex
	agentLocks map[string]*agentLock
}

type agentLock struct {
	mu   sync.Mutex
	refs int
}

type subscription struct {
	id uint64
	fn Observer
}

// NewStore creates an empty Store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	return &Store{
		clock:      cfg.Clock,
		log:        cfg.Logger.WithComponent("store"),
		metrics:    cfg.Metrics,
		records:    make(map[string]*Record),
		observers:  make(map[string][]*subscription),
		agentLocks: make(map[string]*agentLock),
	}
}

// lockAgent takes the ordering lock for id and returns its release.
func (s *Store) lockAgent(id string) (unlock func()) {
	s.locksMu.Lock()
	l, ok := s.agentLocks[id]
	if !ok {
		l = &agentLock{}
		s.agentLocks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.agentLocks, id)
		}
		s.locksMu.Unlock()
	}
}

// RecordReport applies one report. The caller is responsible for
// validating mode and uptime.
func (s *Store) RecordReport(id, name string, mode Mode, uptime int64) ReportResult {
	defer s.lockAgent(id)()

	now := s.clock.Now()
	var res ReportResult

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		if name == "" {
			name = id
		}
		rec = &Record{
			AgentID:            id,
			DisplayName:        name,
			Mode:               mode,
			UptimeSeconds:      uptime,
			LastSeenAt:         now,
			FirstSeenAt:        now,
			ConsecutiveReports: 1,
			Observed:           len(s.observers[id]) > 0,
		}
		s.records[id] = rec
		res.IsNew = true
	} else {
		res.RestartDetected = rec.UptimeSeconds > uptime+RestartSlackSeconds
		rec.PreviousMode = rec.Mode
		rec.PreviousUptime = rec.UptimeSeconds
		rec.Mode = mode
		rec.UptimeSeconds = uptime
		if name != "" {
			rec.DisplayName = name
		}
		rec.LastSeenAt = now
		rec.ConsecutiveReports++
	}
	res.Record = *rec
	subs := append([]*subscription(nil), s.observers[id]...)
	s.mu.Unlock()

	if res.IsNew {
		s.log.Debug("record created", logging.Fields{"agent_id": id, "mode": mode})
	}
	s.notify(id, subs, res.Record)
	return res
}

// notify calls each observer in registration order, isolating faults.
func (s *Store) notify(id string, subs []*subscription, rec Record) {
	for _, sub := range subs {
		if err := s.invoke(sub.fn, rec); err != nil {
			s.metrics.ObserverFault()
			s.log.Warn("observer failed", logging.Fields{
				"agent_id": id,
				"error":    errors.ObserverFault(id, err).Error(),
			})
		}
	}
}

func (s *Store) invoke(fn Observer, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(rec)
}

// GetAgent returns a snapshot of the agent's record.
func (s *Store) GetAgent(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ListAgents returns a snapshot of every record, in no particular order.
func (s *Store) ListAgents() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

// UnhealthyAgents returns every record failing the health verdict right now.
func (s *Store) UnhealthyAgents() []Record {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, rec := range s.records {
		if !rec.Healthy(now) {
			out = append(out, *rec)
		}
	}
	return out
}

// RemoveAgent deletes the record and every subscription for id.
// Returns false if no record existed.
func (s *Store) RemoveAgent(id string) bool {
	s.mu.Lock()
	_, existed := s.records[id]
	delete(s.records, id)
	delete(s.observers, id)
	s.mu.Unlock()

	if existed {
		s.log.Info("agent removed", logging.Fields{"agent_id": id})
	}
	return existed
}

// Subscribe registers fn for every subsequent report for id. The returned
// function cancels the subscription and is safe to call more than once.
func (s *Store) Subscribe(id string, fn Observer) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked(id, fn)
}

// SubscribeWithSnapshot is Subscribe plus an initial callback carrying the
// current record (found=false if the agent is unknown). initial runs
// before any report can reach fn, so a stream built on it sees the
// snapshot first and every later report exactly once.
func (s *Store) SubscribeWithSnapshot(id string, fn Observer, initial func(rec Record, found bool)) (unsubscribe func()) {
	defer s.lockAgent(id)()

	s.mu.Lock()
	unsubscribe = s.subscribeLocked(id, fn)
	var snapshot Record
	rec, found := s.records[id]
	if found {
		snapshot = *rec
	}
	s.mu.Unlock()

	initial(snapshot, found)
	return unsubscribe
}

// subscribeLocked registers fn. Caller holds s.mu.
func (s *Store) subscribeLocked(id string, fn Observer) func() {
	s.nextSubID++
	subID := s.nextSubID
	s.observers[id] = append(s.observers[id], &subscription{id: subID, fn: fn})
	if rec, ok := s.records[id]; ok {
		rec.Observed = true
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id, subID) })
	}
}

func (s *Store) unsubscribe(id string, subID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.observers[id]
	for i, sub := range subs {
		if sub.id == subID {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) > 0 {
		s.observers[id] = subs
		return
	}

	delete(s.observers, id)
	if rec, ok := s.records[id]; ok {
		rec.Observed = false
	}
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stats computes totals against the current time.
func (s *Store) Stats() Stats {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ByMode: make(map[Mode]int, len(modeIntervals))}
	for _, m := range Modes() {
		st.ByMode[m] = 0
	}
	for _, rec := range s.records {
		st.Total++
		if rec.Healthy(now) {
			st.Healthy++
		} else {
			st.Unhealthy++
		}
		st.ByMode[rec.Mode]++
		if rec.Observed {
			st.Observed++
		}
	}
	return st
}
