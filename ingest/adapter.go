// Package ingest turns inbound liveness reports into store updates and
// schedules the alerts they trigger.
package ingest

import (
	"context"
	"strings"
	"sync"

	"github.com/vinayprograms/agentwatch/alert"
	"github.com/vinayprograms/agentwatch/bus"
	"github.com/vinayprograms/agentwatch/errors"
	"github.com/vinayprograms/agentwatch/liveness"
	"github.com/vinayprograms/agentwatch/logging"
	"github.com/vinayprograms/agentwatch/metrics"
	"github.com/vinayprograms/agentwatch/ratelimit"
	"github.com/vinayprograms/agentwatch/telemetry"
	"github.com/vinayprograms/agentwatch/workq"
)

// Classifier picks the alerts a report calls for.
type Classifier interface {
	Transitions(liveness.ReportResult) []*alert.Alert
}

// Notifier accepts alerts.
type Notifier interface {
	Notify(ctx context.Context, a *alert.Alert) bool
}

// Config wires an Adapter.
type Config struct {
	Store      *liveness.Store
	Classifier Classifier
	Notifier   Notifier

	// Pool runs notifications off the report path. When nil they run
	// inline.
	Pool *workq.Pool

	// Limiter caps reports per agent. Nil disables the cap.
	Limiter *ratelimit.Limiter

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Tracer
}

// Adapter is the inbound side of the service.
type Adapter struct {
	store      *liveness.Store
	classifier Classifier
	notifier   Notifier
	pool       *workq.Pool
	limiter    *ratelimit.Limiter
	log        *logging.Logger
	metrics    *metrics.Metrics
	tracer     *telemetry.Tracer
}

// New creates an Adapter.
func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	return &Adapter{
		store:      cfg.Store,
		classifier: cfg.Classifier,
		notifier:   cfg.Notifier,
		pool:       cfg.Pool,
		limiter:    cfg.Limiter,
		log:        cfg.Logger.WithComponent("ingest"),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}
}

// Ingest validates and applies a raw report body for agentID.
func (a *Adapter) Ingest(ctx context.Context, agentID string, body []byte) (liveness.ReportResult, error) {
	ctx, span := a.tracer.StartIngestSpan(ctx, agentID)

	r, err := a.decode(agentID, body)
	if err != nil {
		a.metrics.ReportRejected()
		a.log.Debug("report rejected", logging.Fields{"agent": agentID, "error": err.Error()})
		telemetry.EndSpan(span, err)
		return liveness.ReportResult{}, err
	}

	res := a.Apply(ctx, agentID, r)
	telemetry.EndSpan(span, nil)
	return res, nil
}

func (a *Adapter) decode(agentID string, body []byte) (*Report, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	if a.limiter != nil && !a.limiter.Allow(agentID) {
		return nil, errors.Capacity("report rate exceeded", errors.WithAgentID(agentID))
	}
	return DecodeReport(body)
}

// Apply records a validated report and schedules its alerts. It returns
// once the alerts are scheduled, not delivered.
func (a *Adapter) Apply(ctx context.Context, agentID string, r *Report) liveness.ReportResult {
	res := a.store.RecordReport(agentID, r.AgentName, r.Mode, r.UptimeSeconds)
	a.metrics.ReportAccepted(string(r.Mode), res.RestartDetected)

	switch {
	case res.IsNew:
		a.log.Info("agent registered", logging.Fields{
			"agent": agentID,
			"name":  res.Record.DisplayName,
			"mode":  r.Mode,
		})
	case res.RestartDetected:
		a.log.Warn("agent restart detected", logging.Fields{
			"agent":           agentID,
			"previous_uptime": res.Record.PreviousUptime,
			"uptime":          r.UptimeSeconds,
		})
	}

	if a.classifier == nil || a.notifier == nil {
		return res
	}
	for _, al := range a.classifier.Transitions(res) {
		a.schedule(ctx, al)
	}
	return res
}

func (a *Adapter) schedule(ctx context.Context, al *alert.Alert) {
	notify := func(ctx context.Context) error {
		a.notifier.Notify(ctx, al)
		return nil
	}
	if a.pool == nil {
		notify(ctx)
		return
	}
	name := "notify:" + al.AgentID + ":" + string(al.Kind)
	if !a.pool.Submit(name, notify) {
		a.log.Warn("alert not scheduled, work queue closed", logging.Fields{
			"agent": al.AgentID,
			"kind":  al.Kind,
		})
	}
}

// SubscribeBus consumes reports published on <prefix>.<agentID>. With a
// queue name, instances sharing it split the reports between them. The
// returned stop function unsubscribes and waits for the consumer to exit.
func (a *Adapter) SubscribeBus(ctx context.Context, b bus.MessageBus, prefix, queue string) (stop func(), err error) {
	pattern := bus.Join(prefix, "*")
	var sub bus.Subscription
	if queue != "" {
		sub, err = b.QueueSubscribe(pattern, queue)
	} else {
		sub, err = b.Subscribe(pattern)
	}
	if err != nil {
		return nil, errors.Unavailable("subscribing to reports", errors.WithCause(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				id := strings.TrimPrefix(msg.Subject, prefix+".")
				if _, err := a.Ingest(ctx, id, msg.Data); err != nil {
					a.log.Warn("bus report rejected", logging.Fields{
						"subject": msg.Subject,
						"error":   err.Error(),
					})
				}
			}
		}
	}()

	a.log.Info("consuming reports from bus", logging.Fields{"subject": pattern, "queue": queue})

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			sub.Unsubscribe()
			<-done
		})
	}, nil
}
