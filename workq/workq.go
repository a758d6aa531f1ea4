// Package workq runs fire-and-forget side effects, such as alert delivery
// triggered by an inbound report, off the caller's goroutine.
package workq

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/agentwatch/errors"
	"github.com/vinayprograms/agentwatch/logging"
	"github.com/vinayprograms/agentwatch/metrics"
)

// Config sizes a Pool.
type Config struct {
	// Workers is the number of long-lived workers. Default: 4
	Workers int

	// Buffer is the number of tasks that may wait for a worker.
	// Default: 256
	Buffer int
}

// DefaultConfig returns the default pool size.
func DefaultConfig() Config {
	return Config{Workers: 4, Buffer: 256}
}

// Task is a unit of work. Its context is cancelled if Close gives up.
type Task func(ctx context.Context) error

type job struct {
	name string
	fn   Task
}

// Pool executes tasks on a fixed set of workers. Submit never blocks: when
// the buffer is full the task runs on an extra goroutine that Close still
// waits for.
type Pool struct {
	log     *logging.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	group  *errgroup.Group
	extra  sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts a pool.
func New(cfg Config, log *logging.Logger, m *metrics.Metrics) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if log == nil {
		log = logging.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:     log.WithComponent("workq"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan job, cfg.Buffer),
		group:   &errgroup.Group{},
	}
	for i := 0; i < cfg.Workers; i++ {
		p.group.Go(func() error {
			for j := range p.jobs {
				p.run(j)
			}
			return nil
		})
	}
	return p
}

// Submit schedules fn. It returns false only after Close.
func (p *Pool) Submit(name string, fn Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warn("task rejected, pool closed", logging.Fields{"task": name})
		return false
	}

	j := job{name: name, fn: fn}
	select {
	case p.jobs <- j:
	default:
		p.metrics.WorkOverflow()
		p.extra.Add(1)
		go func() {
			defer p.extra.Done()
			p.run(j)
		}()
	}
	return true
}

// run executes one job, logging its error or panic.
func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", logging.Fields{
				"task":  j.name,
				"panic": fmt.Sprint(r),
			})
		}
	}()

	if err := j.fn(p.ctx); err != nil {
		p.log.Warn("task failed", logging.Fields{
			"task":  j.name,
			"code":  errors.Code(err),
			"error": err.Error(),
		})
	}
}

// Close stops intake and waits for queued and running tasks. If ctx ends
// first, task contexts are cancelled and Close returns a TIMEOUT error.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.group.Wait()
		p.extra.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return errors.Wrap(ctx.Err(), "work queue did not drain")
	}
}
