package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/banshee-data/slamfeed/internal/filter"
	"github.com/banshee-data/slamfeed/internal/monitoring"
	"github.com/banshee-data/slamfeed/internal/reader"
	"github.com/banshee-data/slamfeed/internal/sensors"
)

// State is a stream's lifecycle position.
type State int32

const (
	StatePending State = iota
	StateStreaming
	StateExhausted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateExhausted:
		return "exhausted"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether the stream has finished reading.
func (s State) Terminal() bool {
	return s == StateExhausted || s == StateErrored
}

// Stats counts what one stream read. Read is every raw record the reader
// produced; each ends up in exactly one of the other counters.
type Stats struct {
	Read         int
	Elements     int
	Filtered     map[filter.Reason]int
	DecodeErrors int
	Chunks       int
	Bytes        int64
}

// FilteredTotal sums Filtered over all reasons.
func (s Stats) FilteredTotal() int {
	n := 0
	for _, v := range s.Filtered {
		n += v
	}
	return n
}

// Accounted reports whether every record read is accounted for.
func (s Stats) Accounted() bool {
	return s.Read == s.Elements+s.FilteredTotal()+s.DecodeErrors
}

func (s Stats) clone() Stats {
	out := s
	out.Filtered = make(map[filter.Reason]int, len(s.Filtered))
	for k, v := range s.Filtered {
		out.Filtered[k] = v
	}
	return out
}

// Source pairs a sensor with the opener of its reader.
type Source struct {
	Sensor *sensors.Sensor
	Open   reader.Opener
}

// Stream is one sensor's ingestion task and its chunk queue.
type Stream struct {
	sensor *sensors.Sensor
	open   reader.Opener
	out    chan *Chunk

	mu      sync.Mutex
	state   State
	stats   Stats
	err     error
	stopped bool
}

func newStream(src Source, depth int) *Stream {
	return &Stream{
		sensor: src.Sensor,
		open:   src.Open,
		out:    make(chan *Chunk, depth),
		stats:  Stats{Filtered: make(map[filter.Reason]int)},
	}
}

// Sensor returns the stream's sensor.
func (s *Stream) Sensor() *sensors.Sensor { return s.sensor }

// Chunks returns the chunk queue. It is closed once the stream is terminal
// and its last chunk has been sent.
func (s *Stream) Chunks() <-chan *Chunk { return s.out }

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a copy of the counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.clone()
}

// Err returns the error that ended an errored stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stopped reports whether the stream ended on the stop criterion rather
// than at the end of its source.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Stream) update(fn func(st *Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *Stream) setState(f *Factory, state State, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()
	f.metrics.SetStreamState(s.sensor.Name(), int(state))
}

// run is the stream task. It returns only context errors; source failures
// end this stream and are kept in Err.
func (s *Stream) run(ctx context.Context, f *Factory) error {
	defer close(s.out)
	log := monitoring.Logger().With(zap.String("sensor", s.sensor.Name()))

	r, err := s.open()
	if err != nil {
		s.setState(f, StateErrored, err)
		log.Error("stream errored", zap.Error(err), zap.String("phase", "open"))
		return nil
	}
	defer r.Close()
	s.setState(f, StateStreaming, nil)
	log.Info("stream opened", zap.String("kind", s.sensor.Kind().String()))

	t := task{stream: s, factory: f, log: log, cur: New(s.sensor, f.chunkCap)}
	return t.loop(ctx, r)
}

// task holds the per-run state of a stream's loop.
type task struct {
	stream  *Stream
	factory *Factory
	log     *zap.Logger
	cur     *Chunk
	last    int64
	started bool
}

func (t *task) loop(ctx context.Context, r reader.Reader) error {
	s, f := t.stream, t.factory
	name := s.sensor.Name()

	for {
		if f.stop.ON() {
			return t.finish(ctx, StateExhausted, nil, true)
		}
		if err := f.gate.Wait(ctx); err != nil {
			return err
		}
		if f.stop.ON() {
			return t.finish(ctx, StateExhausted, nil, true)
		}

		el, err := r.Next()
		if err != nil {
			var rej *filter.Rejection
			switch {
			case errors.Is(err, io.EOF):
				return t.finish(ctx, StateExhausted, nil, false)
			case errors.As(err, &rej):
				t.reject(rej.Reason)
				continue
			case errors.Is(err, reader.ErrDecode):
				s.update(func(st *Stats) { st.Read++; st.DecodeErrors++ })
				f.metrics.RecordRead(name)
				f.metrics.RecordDecodeError(name)
				t.log.Debug("record skipped", zap.Error(err))
				continue
			default:
				return t.finish(ctx, StateErrored, err, false)
			}
		}

		if t.started && el.Timestamp() < t.last {
			t.reject(filter.ReasonOutOfOrder)
			continue
		}
		if el.Size() > f.chunkCap {
			t.reject(filter.ReasonOversized)
			continue
		}

		if !t.cur.Fits(el) {
			if err := t.emit(ctx); err != nil {
				return err
			}
		}
		t.cur.add(el)
		t.last, t.started = el.Timestamp(), true
		s.update(func(st *Stats) { st.Read++; st.Elements++ })
		f.metrics.RecordRead(name)

		if t.cur.Full() {
			if err := t.emit(ctx); err != nil {
				return err
			}
		}
	}
}

func (t *task) reject(reason filter.Reason) {
	t.stream.update(func(st *Stats) { st.Read++; st.Filtered[reason]++ })
	t.factory.metrics.RecordRead(t.stream.sensor.Name())
	t.factory.metrics.RecordFiltered(t.stream.sensor.Name(), string(reason))
}

// emit hands the current chunk to the merge, blocking while the queue is
// full, and starts a new one.
func (t *task) emit(ctx context.Context) error {
	c := t.cur
	if c.Len() == 0 {
		return nil
	}
	select {
	case t.stream.out <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.cur = New(t.stream.sensor, t.factory.chunkCap)

	t.stream.update(func(st *Stats) { st.Chunks++; st.Bytes += c.Size })
	t.factory.metrics.RecordChunk(t.stream.sensor.Name())
	first, last, _ := c.Bounds()
	t.log.Debug("chunk closed",
		zap.String("chunk_id", c.ID.String()),
		zap.Int("elements", c.Len()),
		zap.Int64("bytes", c.Size),
		zap.Int64("first_ts", first),
		zap.Int64("last_ts", last))
	return nil
}

// finish flushes the partial chunk and records the terminal state.
func (t *task) finish(ctx context.Context, state State, cause error, stopped bool) error {
	if err := t.emit(ctx); err != nil {
		return err
	}
	s := t.stream
	s.mu.Lock()
	s.stopped = stopped
	s.mu.Unlock()
	s.setState(t.factory, state, cause)

	st := s.Stats()
	fields := []zap.Field{
		zap.Int("read", st.Read),
		zap.Int("elements", st.Elements),
		zap.Int("filtered", st.FilteredTotal()),
		zap.Int("decode_errors", st.DecodeErrors),
		zap.Int("chunks", st.Chunks),
	}
	if state == StateErrored {
		t.log.Error("stream errored", append(fields, zap.Error(cause))...)
		return nil
	}
	t.log.Info("stream exhausted", append(fields, zap.Bool("stopped", stopped))...)
	return nil
}
