package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	config Config

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	started  bool
	done     chan struct{}
	result   *Result
}

type registration struct {
	name    string
	handler Handler
	phase   int
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config Config) *Coordinator {
	def := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}
	return &Coordinator{
		config: config,
		done:   make(chan struct{}),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, h Handler) {
	c.RegisterWithPhase(name, h, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler in the given phase.
// Registrations after shutdown has started are ignored.
func (c *Coordinator) RegisterWithPhase(name string, h Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc registers fn in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, Func(fn))
}

// RegisterFuncWithPhase registers fn in the given phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, Func(fn), phase)
}

// Shutdown runs every phase under ctx. Only the first call does work;
// later calls return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	ran := false
	c.once.Do(func() {
		ran = true
		c.mu.Lock()
		c.started = true
		handlers := append([]registration(nil), c.handlers...)
		c.mu.Unlock()

		res := c.run(ctx, handlers)

		c.mu.Lock()
		c.result = res
		c.mu.Unlock()
		close(c.done)
	})
	if !ran {
		return ErrAlreadyShutdown
	}
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown under a fresh deadline. A zero
// timeout uses the configured one.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM.
func (c *Coordinator) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	res := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) *Result {
		res.Err = err
		res.TotalDuration = time.Since(start)
		return res
	}

	var failed bool
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}

		results := c.runPhase(ctx, group)
		res.Results = append(res.Results, results...)

		for _, hr := range results {
			if hr.Abandoned {
				return finish(ErrTimeout)
			}
			if hr.Err != nil {
				failed = true
			}
		}
		if failed && !c.config.ContinueOnError {
			return finish(ErrHandlerFailed)
		}
	}

	if failed {
		return finish(ErrHandlerFailed)
	}
	return finish(nil)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, reg := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()

			began := time.Now()
			err := Bounded(ctx, r.handler.OnShutdown)
			hr := HandlerResult{
				Name:      r.name,
				Phase:     r.phase,
				Duration:  time.Since(began),
				Err:       err,
				Abandoned: err == ErrTimeout,
			}
			results[i] = hr

			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted handlers into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i + 1
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
