package chunk

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/slamfeed/internal/memory"
	"github.com/banshee-data/slamfeed/internal/monitoring"
	"github.com/banshee-data/slamfeed/internal/stopping"
	"github.com/banshee-data/slamfeed/internal/timeutil"
)

// GateConfig contains configuration for Gate.
type GateConfig struct {
	// Analyzer is probed before every read.
	Analyzer memory.Analyzer
	// Interval between probes while the budget is exceeded.
	Interval time.Duration
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
	// Stop releases waiting tasks when set.
	Stop *stopping.Criterion
	// Metrics is optional.
	Metrics *monitoring.Metrics
	// Resident optionally reports the process RSS for backpressure logs.
	Resident func() (uint64, error)
}

// Gate is the memory admission gate shared by every stream task.
type Gate struct {
	analyzer memory.Analyzer
	interval time.Duration
	clock    timeutil.Clock
	stop     *stopping.Criterion
	metrics  *monitoring.Metrics
	resident func() (uint64, error)

	mu       sync.Mutex
	engaged  bool
	episodes int
}

// NewGate creates a Gate.
func NewGate(cfg GateConfig) *Gate {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Gate{
		analyzer: cfg.Analyzer,
		interval: interval,
		clock:    clock,
		stop:     cfg.Stop,
		metrics:  cfg.Metrics,
		resident: cfg.Resident,
	}
}

// Wait blocks while memory usage is above the permissible ceiling, probing
// every interval. A failed probe counts as over budget. It returns nil once
// growth is allowed or the stop criterion is set, and ctx.Err() if ctx ends
// first.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil || g.analyzer == nil {
		return nil
	}
	for {
		if g.stop != nil && g.stop.ON() {
			return nil
		}

		snap, err := memory.Probe(g.analyzer)
		over := err != nil || snap.Exceeded()
		g.observe(snap, err, over)
		if !over {
			return nil
		}

		var stopped <-chan struct{}
		if g.stop != nil {
			stopped = g.stop.Done()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopped:
			return nil
		case <-g.clock.After(g.interval):
		}
	}
}

// Engaged reports whether backpressure is currently applied.
func (g *Gate) Engaged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engaged
}

// Episodes counts how many times backpressure was engaged.
func (g *Gate) Episodes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.episodes
}

// observe records one probe and logs transitions once per episode.
func (g *Gate) observe(snap memory.Snapshot, err error, over bool) {
	if err == nil {
		g.metrics.SetMemoryUsed(snap.UsedPercent)
	}

	g.mu.Lock()
	changed := over != g.engaged
	g.engaged = over
	if changed && over {
		g.episodes++
	}
	g.mu.Unlock()

	if !changed {
		return
	}
	g.metrics.SetBackpressure(over)

	fields := []zap.Field{
		zap.Float64("used_percent", snap.UsedPercent),
		zap.Float64("permissible_percent", snap.PermissiblePercent),
	}
	if g.resident != nil {
		if rss, rerr := g.resident(); rerr == nil {
			fields = append(fields, zap.Uint64("rss_bytes", rss))
		}
	}
	if !over {
		monitoring.Logger().Info("backpressure released", fields...)
		return
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	monitoring.Logger().Warn("backpressure engaged", fields...)
}
