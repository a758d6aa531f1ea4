package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vinayprograms/agentwatch/clock"
	"github.com/vinayprograms/agentwatch/errors"
	"github.com/vinayprograms/agentwatch/logging"
	"github.com/vinayprograms/agentwatch/metrics"
	"github.com/vinayprograms/agentwatch/telemetry"
)

// Defaults for Config.
const (
	DefaultMaxQueueSize    = 1000
	DefaultTTL             = time.Hour
	DefaultDedupWindow     = 60 * time.Second
	DefaultDedupCapacity   = 10000
	DefaultBaseDelay       = 5 * time.Second
	DefaultMaxDelay        = 60 * time.Second
	DefaultDeliveryTimeout = 10 * time.Second
)

// Config configures a Dispatcher. Zero values take the defaults above.
type Config struct {
	Sender Sender

	MaxQueueSize    int
	TTL             time.Duration
	DedupWindow     time.Duration
	DedupCapacity   int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeliveryTimeout time.Duration

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Tracer
}

func (c *Config) applyDefaults() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = DefaultDedupCapacity
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = logging.New()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.GetTracer()
	}
}

type dedupKey struct {
	agentID string
	kind    Kind
}

// Dispatcher deduplicates, delivers and retries alerts.
type Dispatcher struct {
	cfg     Config
	sender  Sender
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer

	dedupMu sync.Mutex
	dedup   *lru.Cache[dedupKey, time.Time]

	mu       sync.Mutex
	queue    []*QueuedAlert
	pending  []*QueuedAlert // taken by the running pass, not yet attempted
	retained []*QueuedAlert // failed during the running pass
	draining bool
	timer    clock.Timer
	stopped  bool

	// passMu admits one drain pass at a time.
	passMu sync.Mutex
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Sender == nil {
		return nil, errors.InvalidConfig("alert dispatcher needs a sender")
	}
	cfg.applyDefaults()

	cache, err := lru.New[dedupKey, time.Time](cfg.DedupCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "creating dedup cache")
	}

	return &Dispatcher{
		cfg:     cfg,
		sender:  cfg.Sender,
		clock:   cfg.Clock,
		log:     cfg.Logger.WithComponent("dispatcher"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		dedup:   cache,
	}, nil
}

// Backoff returns the retry delay for an entry that failed attempts times,
// using the default base and cap.
func Backoff(attempts int) time.Duration {
	return backoff(DefaultBaseDelay, DefaultMaxDelay, attempts)
}

func backoff(base, max time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Notify accepts an alert unless the same agent raised the same kind
// within the dedup window. An accepted alert is delivered right away and
// queued for retry if that fails. Returns false for a suppressed duplicate.
func (d *Dispatcher) Notify(ctx context.Context, a *Alert) bool {
	if !d.admit(a) {
		d.metrics.AlertDeduplicated(string(a.Kind))
		d.log.Debug("duplicate alert suppressed", logging.Fields{
			"agent": a.AgentID,
			"kind":  a.Kind,
		})
		return false
	}
	d.metrics.AlertNotified(string(a.Kind))

	if err := d.attempt(ctx, a, 1); err != nil {
		d.log.Warn("alert delivery failed, queued for retry", logging.Fields{
			"agent": a.AgentID,
			"kind":  a.Kind,
			"id":    a.ID,
			"error": err.Error(),
		})
		d.Enqueue(a)
		return true
	}

	d.log.Info("alert delivered", logging.Fields{
		"agent":    a.AgentID,
		"kind":     a.Kind,
		"severity": a.Severity,
	})
	return true
}

// admit records the dedup entry and reports whether the alert may go out.
// Suppressed calls do not extend the window.
func (d *Dispatcher) admit(a *Alert) bool {
	key := dedupKey{agentID: a.AgentID, kind: a.Kind}
	now := d.clock.Now()

	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()

	if last, ok := d.dedup.Get(key); ok && now.Sub(last) < d.cfg.DedupWindow {
		return false
	}
	d.dedup.Add(key, now)
	return true
}

// attempt makes one delivery call bounded by the delivery timeout.
func (d *Dispatcher) attempt(ctx context.Context, a *Alert, attempt int) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	ctx, span := d.tracer.StartDeliverySpan(ctx, telemetry.DeliverySpanOptions{
		AlertID: a.ID,
		Kind:    string(a.Kind),
		AgentID: a.AgentID,
		Sender:  d.sender.Name(),
		Attempt: attempt,
	})
	err := d.sender.Deliver(ctx, a)
	telemetry.EndSpan(span, err)

	if err != nil {
		d.metrics.DeliveryFailed(string(a.Kind))
		return err
	}
	d.metrics.AlertDelivered(string(a.Kind))
	return nil
}

// Enqueue parks an alert for retry. When the queue is full the oldest
// entries are evicted first.
func (d *Dispatcher) Enqueue(a *Alert) {
	d.mu.Lock()
	d.queue = append(d.queue, &QueuedAlert{Alert: a, EnqueuedAt: d.clock.Now()})
	evicted := d.trimLocked()
	d.reportSizeLocked()
	d.scheduleLocked()
	d.mu.Unlock()

	d.logEvicted(evicted)
}

// trimLocked evicts the oldest entries until the queue fits. Entries in
// age order are: retained by the running pass, not yet attempted by it,
// then queued since the pass began.
func (d *Dispatcher) trimLocked() []*QueuedAlert {
	var evicted []*QueuedAlert
	for d.sizeLocked() > d.cfg.MaxQueueSize {
		var q *QueuedAlert
		switch {
		case len(d.retained) > 0:
			q, d.retained = d.retained[0], d.retained[1:]
		case len(d.pending) > 0:
			q, d.pending = d.pending[0], d.pending[1:]
		default:
			q, d.queue = d.queue[0], d.queue[1:]
		}
		evicted = append(evicted, q)
	}
	return evicted
}

func (d *Dispatcher) sizeLocked() int {
	return len(d.retained) + len(d.pending) + len(d.queue)
}

func (d *Dispatcher) logEvicted(evicted []*QueuedAlert) {
	for _, q := range evicted {
		d.metrics.AlertDropped("overflow")
		d.log.Warn("alert queue full, dropped oldest alert", logging.Fields{
			"agent":    q.Alert.AgentID,
			"kind":     q.Alert.Kind,
			"attempts": q.Attempts,
			"max":      d.cfg.MaxQueueSize,
		})
	}
}

func (d *Dispatcher) reportSizeLocked() {
	d.metrics.QueueSize(d.sizeLocked())
}

// scheduleLocked arms the drain timer for the head entry's backoff,
// unless a timer is armed, a pass is running or the dispatcher stopped.
func (d *Dispatcher) scheduleLocked() {
	if d.stopped || d.draining || d.timer != nil || len(d.queue) == 0 {
		return
	}
	delay := backoff(d.cfg.BaseDelay, d.cfg.MaxDelay, d.queue[0].Attempts)
	d.timer = d.clock.AfterFunc(delay, d.onTimer)
}

func (d *Dispatcher) onTimer() {
	d.mu.Lock()
	d.timer = nil
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return
	}
	d.pass(context.Background(), false)
}

// Flush runs one drain pass now, waiting for a pass already in flight.
// It returns an error if alerts are still queued afterwards.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.pass(ctx, true)

	if n := d.QueueStats().Size; n > 0 {
		return errors.Unavailable(fmt.Sprintf("%d alerts still queued", n))
	}
	return nil
}

// pass drains the queue once. Expired entries are dropped without an
// attempt; failures stay queued with their attempt count raised. Alerts
// enqueued during the pass line up behind the retained ones.
func (d *Dispatcher) pass(ctx context.Context, wait bool) {
	if wait {
		d.passMu.Lock()
	} else if !d.passMu.TryLock() {
		return
	}
	defer d.passMu.Unlock()

	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending, d.queue = d.queue, nil
	d.draining = true
	taken := len(d.pending)
	d.mu.Unlock()

	now := d.clock.Now()
	delivered, expired := 0, 0

	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			break
		}
		q := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()

		switch {
		case now.Sub(q.EnqueuedAt) > d.cfg.TTL:
			expired++
			d.metrics.AlertDropped("ttl")
			d.log.Warn("alert expired in queue", logging.Fields{
				"agent":    q.Alert.AgentID,
				"kind":     q.Alert.Kind,
				"attempts": q.Attempts,
				"age":      now.Sub(q.EnqueuedAt).String(),
			})
		case ctx.Err() == nil && d.attempt(ctx, q.Alert, q.Attempts+2) == nil:
			delivered++
		default:
			if ctx.Err() == nil {
				q.Attempts++
			}
			d.mu.Lock()
			d.retained = append(d.retained, q)
			d.mu.Unlock()
		}
	}

	// still holding d.mu
	d.queue = append(d.retained, d.queue...)
	d.retained = nil
	d.draining = false
	evicted := d.trimLocked()
	remaining := len(d.queue)
	d.reportSizeLocked()
	d.scheduleLocked()
	d.mu.Unlock()

	d.logEvicted(evicted)
	if taken > 0 {
		d.log.Debug("alert queue drained", logging.Fields{
			"delivered": delivered,
			"expired":   expired,
			"remaining": remaining,
		})
	}
}

// Stop cancels the pending drain and disables rescheduling. Notify and
// Flush keep working.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// QueueStats reports the retry queue size and the age of its oldest entry.
func (d *Dispatcher) QueueStats() QueueStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := QueueStats{Size: d.sizeLocked()}
	var oldest *QueuedAlert
	for _, part := range [][]*QueuedAlert{d.retained, d.pending, d.queue} {
		if len(part) > 0 {
			oldest = part[0]
			break
		}
	}
	if oldest != nil {
		age := d.clock.Now().Sub(oldest.EnqueuedAt)
		st.OldestAge = &age
	}
	return st
}
