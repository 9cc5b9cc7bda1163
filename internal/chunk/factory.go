package chunk

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/slamfeed/internal/monitoring"
	"github.com/banshee-data/slamfeed/internal/stopping"
)

// Config contains configuration for Factory.
type Config struct {
	// ChunkCap bounds every chunk in bytes.
	ChunkCap int64
	// QueueDepth is the number of closed chunks a stream may buffer (1 or 2).
	QueueDepth int
	// Gate is shared by every stream; nil disables memory admission control.
	Gate *Gate
	// Stop ends every stream gracefully when set. Required.
	Stop *stopping.Criterion
	// Metrics is optional.
	Metrics *monitoring.Metrics
}

// Factory owns the stream tasks.
type Factory struct {
	chunkCap int64
	gate     *Gate
	stop     *stopping.Criterion
	metrics  *monitoring.Metrics
	streams  []*Stream
}

// NewFactory creates one pending stream per source, in order.
func NewFactory(cfg Config, sources []Source) *Factory {
	depth := cfg.QueueDepth
	if depth < 1 {
		depth = 1
	}
	stop := cfg.Stop
	if stop == nil {
		stop = stopping.New()
	}
	f := &Factory{
		chunkCap: cfg.ChunkCap,
		gate:     cfg.Gate,
		stop:     stop,
		metrics:  cfg.Metrics,
	}
	for _, src := range sources {
		f.streams = append(f.streams, newStream(src, depth))
	}
	return f
}

// Streams returns the streams in source order.
func (f *Factory) Streams() []*Stream {
	return f.streams
}

// Run runs every stream task until all are terminal. Every stream's queue is
// closed on return. It returns nil unless ctx is cancelled.
func (f *Factory) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range f.streams {
		f.metrics.SetStreamState(s.sensor.Name(), int(StatePending))
		g.Go(func() error { return s.run(gctx, f) })
	}
	return g.Wait()
}

// Healthy counts streams that reached the end of their source or stop.
func (f *Factory) Healthy() int {
	n := 0
	for _, s := range f.streams {
		if s.State() == StateExhausted {
			n++
		}
	}
	return n
}
