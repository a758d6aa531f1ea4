package shutdown

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the deadline.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases used by the agentwatch service.
const (
	PhaseIntake    = 10
	PhaseDetection = 20
	PhaseDelivery  = 30
	PhaseResources = 40
)

// Handler is implemented by components that need graceful shutdown.
type Handler interface {
	// OnShutdown stops the component. The context carries the shutdown
	// deadline.
	OnShutdown(ctx context.Context) error
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error

	// Abandoned is set when the handler was still running at the deadline.
	Abandoned bool
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed returns true if any handler failed or the deadline passed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed or were abandoned.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds the whole shutdown when ShutdownWithTimeout gets 0.
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: PhaseResources
	DefaultPhase int

	// ContinueOnError runs later phases even if a handler fails.
	// Default: true
	ContinueOnError bool

	// OnProgress is called as each handler completes.
	OnProgress func(HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseResources,
		ContinueOnError: true,
	}
}

// Bounded runs fn and waits for it or for ctx, whichever finishes first.
// When ctx wins, fn keeps running in its goroutine and Bounded returns
// ErrTimeout.
func Bounded(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrTimeout
	}
}
