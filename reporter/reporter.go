package reporter

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/vinayprograms/agentwatch/clock"
	"github.com/vinayprograms/agentwatch/errors"
	"github.com/vinayprograms/agentwatch/ingest"
	"github.com/vinayprograms/agentwatch/liveness"
	"github.com/vinayprograms/agentwatch/logging"
)

var (
	ErrAlreadyStarted = stderrors.New("reporter already started")
	ErrNotStarted     = stderrors.New("reporter not started")
)

// Transport carries one report to the service.
type Transport interface {
	Send(ctx context.Context, agentID string, r ingest.Report) error
	Name() string
}

// Config configures a Reporter.
type Config struct {
	AgentID   string
	Name      string
	Mode      liveness.Mode
	Transport Transport

	// StartedAt is the origin of the reported uptime. Defaults to the
	// time New is called.
	StartedAt time.Time

	// SendTimeout bounds each send. Defaults to 5s.
	SendTimeout time.Duration

	Clock  clock.Clock
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := ingest.ValidateAgentID(c.AgentID); err != nil {
		return err
	}
	if c.Transport == nil {
		return errors.InvalidConfig("reporter transport is required")
	}
	if c.Mode != "" && !c.Mode.Valid() {
		return errors.InvalidInput("unknown mode " + string(c.Mode))
	}
	return nil
}

// Reporter sends reports on a schedule driven by its mode.
type Reporter struct {
	agentID   string
	name      string
	transport Transport
	started   time.Time
	timeout   time.Duration
	clock     clock.Clock
	log       *logging.Logger

	mu      sync.Mutex
	mode    liveness.Mode
	running bool
	gen     uint64
	timer   clock.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	sent    int64
	failed  int64
}

// New creates a stopped Reporter.
func New(cfg Config) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = liveness.ModeIdle
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Clock.Now()
	}
	return &Reporter{
		agentID:   cfg.AgentID,
		name:      cfg.Name,
		transport: cfg.Transport,
		started:   cfg.StartedAt,
		timeout:   cfg.SendTimeout,
		clock:     cfg.Clock,
		log:       cfg.Logger.WithComponent("reporter").With(logging.Fields{"agent": cfg.AgentID}),
		mode:      cfg.Mode,
	}, nil
}

// Start sends a report now and then one every mode interval until Stop or
// ctx is done.
func (r *Reporter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.gen++
	gen := r.gen
	run := r.ctx
	r.mu.Unlock()

	go func() {
		<-run.Done()
		r.halt(run)
	}()

	r.log.Info("reporting", logging.Fields{"transport": r.transport.Name(), "mode": r.Mode()})
	r.tick(gen)
	return nil
}

// Stop cancels the schedule. A send in flight is cancelled.
func (r *Reporter) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotStarted
	}
	run := r.ctx
	r.mu.Unlock()

	r.halt(run)
	return nil
}

// halt ends the run whose context is run. Mode switches reschedule within
// a run, so it is keyed by context rather than by gen.
func (r *Reporter) halt(run context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.ctx != run {
		return
	}
	r.running = false
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.cancel()
}

// SetMode switches the cadence. The next report is due one new interval
// from now, except that entering EMERGENCY reports immediately.
func (r *Reporter) SetMode(m liveness.Mode) error {
	if !m.Valid() {
		return errors.InvalidInput("unknown mode " + string(m))
	}

	r.mu.Lock()
	prev := r.mode
	r.mode = m
	if !r.running || prev == m {
		r.mu.Unlock()
		return nil
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	now := m == liveness.ModeEmergency
	if !now {
		r.timer = r.clock.AfterFunc(m.Interval(), func() { r.tick(gen) })
	}
	r.mu.Unlock()

	r.log.Info("mode changed", logging.Fields{"from": prev, "to": m})
	if now {
		r.tick(gen)
	}
	return nil
}

// Mode returns the current mode.
func (r *Reporter) Mode() liveness.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Counts returns the number of reports sent and failed.
func (r *Reporter) Counts() (sent, failed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent, r.failed
}

// tick sends one report and schedules the next, unless gen is stale.
func (r *Reporter) tick(gen uint64) {
	r.mu.Lock()
	if !r.running || r.gen != gen {
		r.mu.Unlock()
		return
	}
	report := ingest.Report{
		Mode:          r.mode,
		UptimeSeconds: int64(r.clock.Now().Sub(r.started) / time.Second),
		AgentName:     r.name,
	}
	r.timer = r.clock.AfterFunc(r.mode.Interval(), func() { r.tick(gen) })
	ctx := r.ctx
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	err := r.transport.Send(ctx, r.agentID, report)
	cancel()

	r.mu.Lock()
	if err != nil {
		r.failed++
	} else {
		r.sent++
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("report failed", logging.Fields{
			"mode":  report.Mode,
			"code":  errors.Code(err),
			"error": err.Error(),
		})
		return
	}
	r.log.Debug("report sent", logging.Fields{"mode": report.Mode, "uptime": report.UptimeSeconds})
}
