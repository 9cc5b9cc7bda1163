// Package pipeline wires the sensor catalog, readers, chunk factory and batch
// factory into one run.
//
// A Pipeline is built from a validated configuration, started once, and
// drained with Next until io.EOF. Wait returns the run summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/slamfeed/internal/batch"
	"github.com/banshee-data/slamfeed/internal/chunk"
	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/memory"
	"github.com/banshee-data/slamfeed/internal/monitoring"
	"github.com/banshee-data/slamfeed/internal/reader"
	"github.com/banshee-data/slamfeed/internal/sensors"
	"github.com/banshee-data/slamfeed/internal/stopping"
	"github.com/banshee-data/slamfeed/internal/timeutil"
)

var (
	// ErrAllStreamsFailed is returned by Wait when no stream finished
	// healthily.
	ErrAllStreamsFailed = errors.New("all streams failed")

	// ErrNotStarted is returned by Next before Start.
	ErrNotStarted = errors.New("pipeline not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("pipeline already started")
)

// Pipeline is one ingestion run.
type Pipeline struct {
	runID      uuid.UUID
	experiment string
	sensors    []*sensors.Sensor
	priority   *batch.Priority
	stop       *stopping.Criterion
	clock      timeutil.Clock
	gate       *chunk.Gate
	chunks     *chunk.Factory
	batches    *batch.Factory
	metrics    *monitoring.Metrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	summary Summary
	err     error
}

// New validates cfg and builds every run component. All setup failures wrap
// config.ErrConfiguration; no source is opened yet.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = timeutil.RealClock{}
	}
	if o.stop == nil {
		o.stop = stopping.New()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	catalog, err := sensors.NewCatalog(cfg.Sensors)
	if err != nil {
		return nil, err
	}
	resolved, err := catalog.Resolve(cfg.Configured)
	if err != nil {
		return nil, err
	}
	ordered := catalog.Ordered(resolved)
	priority, err := batch.NewPriority(cfg.Priority, catalog.Sensors())
	if err != nil {
		return nil, err
	}

	env := reader.Env{FS: o.fs, Clock: o.clock, Stop: o.stop, OpenSerial: o.openSerial, Window: cfg.Pipeline.Window}
	sources := make([]chunk.Source, 0, len(ordered))
	for _, s := range ordered {
		decl, _ := cfg.Sensor(s.Name())
		open, err := reader.NewOpener(env, s, decl.Source)
		if err != nil {
			return nil, err
		}
		sources = append(sources, chunk.Source{Sensor: s, Open: open})
	}

	pc := cfg.Pipeline
	var resident func() (uint64, error)
	if o.analyzer == nil {
		pa, err := memory.NewProcAnalyzer(memory.ProcConfig{
			PermissiblePercent: pc.GetPermissibleMemoryPercent(),
			TTL:                pc.GetProbeTTL(),
			Clock:              o.clock,
		})
		if err != nil {
			return nil, fmt.Errorf("memory analyzer: %w", err)
		}
		o.analyzer, resident = pa, pa.ProcessResidentBytes
	}

	metrics, err := monitoring.NewMetrics(o.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	gate := chunk.NewGate(chunk.GateConfig{
		Analyzer: o.analyzer,
		Interval: pc.GetRecheckInterval(),
		Clock:    o.clock,
		Stop:     o.stop,
		Metrics:  metrics,
		Resident: resident,
	})

	return &Pipeline{
		runID:      uuid.New(),
		experiment: cfg.Experiment,
		sensors:    ordered,
		priority:   priority,
		stop:       o.stop,
		clock:      o.clock,
		gate:       gate,
		metrics:    metrics,
		chunks: chunk.NewFactory(chunk.Config{
			ChunkCap:   pc.GetChunkCapBytes(),
			QueueDepth: pc.GetQueueDepth(),
			Gate:       gate,
			Stop:       o.stop,
			Metrics:    metrics,
		}, sources),
		batches: batch.NewFactory(batch.Config{
			BatchCap: pc.GetBatchCapBytes(),
			ChunkCap: pc.GetChunkCapBytes(),
			Analyzer: o.analyzer,
			Ranker:   priority,
			Metrics:  metrics,
		}),
		done: make(chan struct{}),
	}, nil
}

// RunID identifies this run in logs and the run ledger.
func (p *Pipeline) RunID() uuid.UUID { return p.runID }

// Sensors returns the run's sensors in declaration order.
func (p *Pipeline) Sensors() []*sensors.Sensor {
	return append([]*sensors.Sensor(nil), p.sensors...)
}

// StreamState is the live position of one sensor stream.
type StreamState struct {
	Sensor string
	State  chunk.State
}

// StreamStates reports every stream's current state in declaration order.
func (p *Pipeline) StreamStates() []StreamState {
	streams := p.chunks.Streams()
	out := make([]StreamState, len(streams))
	for i, st := range streams {
		out[i] = StreamState{Sensor: st.Sensor().Name(), State: st.State()}
	}
	return out
}

// Priority returns the tie-break order.
func (p *Pipeline) Priority() []string { return p.priority.Order() }

// Start resets the stopping criterion and launches the stream tasks and the
// merge. Cancelling ctx aborts the run without flushing.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.stop.Reset()

	ctx, p.cancel = context.WithCancel(ctx)
	started := p.clock.Now()

	names := make([]string, len(p.sensors))
	for i, s := range p.sensors {
		names[i] = s.Name()
	}
	monitoring.Logger().Info("pipeline started",
		zap.String("run_id", p.runID.String()),
		zap.String("experiment", p.experiment),
		zap.Strings("sensors", names),
		zap.Strings("priority", p.priority.Order()))

	go p.run(ctx, started)
	return nil
}

func (p *Pipeline) run(ctx context.Context, started time.Time) {
	defer p.cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := p.chunks.Run(gctx)
		if err == nil && len(p.sensors) > 0 && p.chunks.Healthy() == 0 {
			p.setStop(stopping.ReasonAllStreamsFailed)
		}
		return err
	})
	g.Go(func() error { return p.batches.Run(gctx, p.chunks.Streams()) })
	err := g.Wait()

	summary := p.summarize(started)
	switch {
	case err != nil:
		summary.Status = StatusFailed
	case summary.Status == StatusFailed:
		err = ErrAllStreamsFailed
	}

	fields := []zap.Field{
		zap.String("run_id", p.runID.String()),
		zap.String("status", string(summary.Status)),
		zap.Int("batches", summary.Batches),
		zap.Int("elements", summary.Elements),
		zap.Int64("bytes", summary.Bytes),
		zap.Int("read", summary.Read()),
		zap.Int("decode_errors", summary.DecodeErrors()),
		zap.Duration("duration", summary.Duration()),
	}
	if err != nil {
		monitoring.Logger().Error("pipeline finished", append(fields, zap.Error(err))...)
	} else {
		monitoring.Logger().Info("pipeline finished", fields...)
	}

	p.mu.Lock()
	p.summary, p.err = summary, err
	p.mu.Unlock()
	close(p.done)
}

func (p *Pipeline) summarize(started time.Time) Summary {
	totals := p.batches.Totals()
	s := Summary{
		RunID:                p.runID,
		Experiment:           p.experiment,
		StopReason:           p.stop.Reason(),
		Batches:              totals.Batches,
		Elements:             totals.Elements,
		Bytes:                totals.Bytes,
		BackpressureEpisodes: p.gate.Episodes(),
		Started:              started,
		Finished:             p.clock.Now(),
	}

	errored := 0
	for _, st := range p.chunks.Streams() {
		ss := StreamSummary{
			Sensor:  st.Sensor().Name(),
			Kind:    st.Sensor().Kind().String(),
			State:   st.State(),
			Stopped: st.Stopped(),
			Stats:   st.Stats(),
			Err:     st.Err(),
		}
		if ss.State == chunk.StateErrored {
			errored++
		}
		s.Streams = append(s.Streams, ss)
	}

	switch {
	case len(s.Streams) > 0 && errored == len(s.Streams):
		s.Status = StatusFailed
	case s.StopReason != stopping.ReasonNone:
		s.Status = StatusStopped
	case errored > 0:
		s.Status = StatusDegraded
	default:
		s.Status = StatusComplete
	}
	return s
}

// Stop sets the stopping criterion. Streams finish their current record,
// flush their partial chunks and end; the merge delivers everything already
// read. Only the first reason is kept.
func (p *Pipeline) Stop(reason stopping.Reason) {
	p.setStop(reason)
}

func (p *Pipeline) setStop(reason stopping.Reason) {
	if p.stop.Set(reason) {
		monitoring.Logger().Info("stopping criterion set",
			zap.String("run_id", p.runID.String()),
			zap.String("reason", string(reason)))
	}
}

// Next returns the next batch in timestamp order. It returns io.EOF once
// every batch has been delivered.
func (p *Pipeline) Next(ctx context.Context) (*batch.Batch, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	return p.batches.Next(ctx)
}

// Done is closed when the run has finished.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the run has finished and returns its summary. The error
// is ErrAllStreamsFailed when no stream finished healthily, or the context
// error of an aborted run.
func (p *Pipeline) Wait() (Summary, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary, p.err
}

// Close aborts a running pipeline and waits for it to finish.
func (p *Pipeline) Close() (Summary, error) {
	p.mu.Lock()
	cancel, started := p.cancel, p.started
	p.mu.Unlock()
	if !started {
		return Summary{}, ErrNotStarted
	}
	cancel()
	return p.Wait()
}
