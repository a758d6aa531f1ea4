package clock

import (
	"sync"
	"time"
)

// RepeatingTask runs a function immediately on Start and then once per
// period until Stop. Each run is its own scheduled callback, so two tasks
// on the same clock never block each other.
type RepeatingTask struct {
	clock  Clock
	period time.Duration
	fn     func()

	mu      sync.Mutex
	running bool
	gen     uint64
	timer   Timer
}

// NewRepeatingTask creates a stopped task.
func NewRepeatingTask(c Clock, period time.Duration, fn func()) *RepeatingTask {
	if c == nil {
		c = Real()
	}
	return &RepeatingTask{clock: c, period: period, fn: fn}
}

// Start runs fn once right away and arms the periodic schedule.
// Calling Start on a running task is a no-op.
func (r *RepeatingTask) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	r.tick(gen)
}

// tick runs fn and arms the next tick, unless the task was stopped (or
// restarted, which bumps gen) in the meantime.
func (r *RepeatingTask) tick(gen uint64) {
	if !r.active(gen) {
		return
	}

	r.fn()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.gen != gen {
		return
	}
	r.timer = r.clock.AfterFunc(r.period, func() { r.tick(gen) })
}

func (r *RepeatingTask) active(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running && r.gen == gen
}

// Stop cancels the schedule. No run starts after Stop returns; a run that
// is already executing completes.
func (r *RepeatingTask) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.running = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Running reports whether the task is scheduled.
func (r *RepeatingTask) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
