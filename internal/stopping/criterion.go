// Package stopping provides the process-wide flag that tells every ingestion
// and batching task to wind down.
package stopping

import (
	"sync"
	"sync/atomic"
)

// Reason records why the criterion was set.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonOperator         Reason = "operator"
	ReasonAllStreamsFailed Reason = "all_streams_failed"
	ReasonSignal           Reason = "signal"
)

// Criterion is a one-shot stop flag. It is set at most once per run; tasks
// poll ON between records or select on Done while blocked. Share it by
// pointer; the zero value is not usable, use New.
type Criterion struct {
	on atomic.Bool

	mu     sync.Mutex
	reason Reason
	done   chan struct{}
}

// New returns a cleared criterion.
func New() *Criterion {
	return &Criterion{done: make(chan struct{})}
}

// Set raises the flag. Only the first call per run records its reason and
// returns true; later calls are no-ops.
func (c *Criterion) Set(reason Reason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.on.Load() {
		return false
	}
	c.reason = reason
	c.on.Store(true)
	close(c.done)
	return true
}

// ON reports whether the flag is raised.
func (c *Criterion) ON() bool {
	return c.on.Load()
}

// Reason returns the reason passed to the first Set, or ReasonNone.
func (c *Criterion) Reason() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done returns a channel closed when the flag is raised.
func (c *Criterion) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Reset clears the flag for a new run. Channels returned by earlier Done
// calls stay closed.
func (c *Criterion) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.on.Load() {
		return
	}
	c.reason = ReasonNone
	c.done = make(chan struct{})
	c.on.Store(false)
}
