package batch

import (
	"container/heap"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/banshee-data/slamfeed/internal/chunk"
	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/memory"
	"github.com/banshee-data/slamfeed/internal/monitoring"
)

// Config contains configuration for Factory.
type Config struct {
	// BatchCap is the configured batch ceiling in bytes.
	BatchCap int64
	// ChunkCap is the floor of the effective cap so any chunk element fits
	// an empty batch.
	ChunkCap int64
	// Analyzer is optional; when set, the cap is also bounded by the
	// permissible share of total memory.
	Analyzer memory.Analyzer
	// Ranker breaks timestamp ties; nil orders by sensor kind.
	Ranker element.Ranker
	// Metrics is optional.
	Metrics *monitoring.Metrics
}

// Totals summarises the emitted batches.
type Totals struct {
	Batches  int
	Elements int
	Bytes    int64
}

// Factory is the single merge task. Run produces batches; Next hands them
// to the consumer one at a time.
type Factory struct {
	cfg    Config
	ranker element.Ranker
	out    chan *Batch
	done   chan struct{}

	// floored is set while the memory budget is below the chunk cap.
	floored atomic.Bool

	mu     sync.Mutex
	seq    int
	totals Totals
	err    error
}

// NewFactory creates a merge factory.
func NewFactory(cfg Config) *Factory {
	r := cfg.Ranker
	if r == nil {
		r = element.KindRanker{}
	}
	return &Factory{
		cfg:    cfg,
		ranker: r,
		out:    make(chan *Batch),
		done:   make(chan struct{}),
	}
}

// EffectiveCap returns max(chunkCap, min(batchCap, permissible share of
// total memory)). A failed probe falls back to the configured cap.
//
// The chunk cap floor can exceed the memory budget. Batches are then sized
// to the chunk cap and a warning is logged each time the budget drops below
// it.
func (f *Factory) EffectiveCap() int64 {
	c := f.cfg.BatchCap
	if f.cfg.Analyzer != nil {
		budget, err := memory.Budget(f.cfg.Analyzer, f.cfg.Analyzer.PermissibleMemoryPercent())
		if err != nil {
			monitoring.Logger().Warn("batch cap uses configured value", zap.Error(err))
		} else if budget < c {
			c = budget
		}
	}
	if c >= f.cfg.ChunkCap {
		f.floored.Store(false)
		return c
	}
	if !f.floored.Swap(true) {
		monitoring.Logger().Warn("memory budget below chunk cap; batches sized to the chunk cap",
			zap.Int64("budget_bytes", c),
			zap.Int64("chunk_cap_bytes", f.cfg.ChunkCap))
	}
	return f.cfg.ChunkCap
}

// cursor walks one stream's chunks.
type cursor struct {
	stream *chunk.Stream
	order  int
	chunk  *chunk.Chunk
	pos    int
}

func (c *cursor) head() element.Element { return c.chunk.Elements[c.pos] }

// next loads the stream's next non-empty chunk, blocking until one arrives.
// It returns false once the stream's queue is closed.
func (c *cursor) next(ctx context.Context) (bool, error) {
	for {
		select {
		case ch, ok := <-c.stream.Chunks():
			if !ok {
				return false, nil
			}
			if ch.Len() == 0 {
				continue
			}
			c.chunk, c.pos = ch, 0
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// heads orders cursors by their head element, then by stream order.
type heads struct {
	items  []*cursor
	ranker element.Ranker
}

func (h *heads) Len() int { return len(h.items) }
func (h *heads) Less(i, j int) bool {
	if c := element.Compare(h.items[i].head(), h.items[j].head(), h.ranker); c != 0 {
		return c < 0
	}
	return h.items[i].order < h.items[j].order
}
func (h *heads) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *heads) Push(x any)   { h.items = append(h.items, x.(*cursor)) }
func (h *heads) Pop() any {
	old := h.items
	n := len(old)
	c := old[n-1]
	h.items = old[:n-1]
	return c
}

// Run k-way merges streams until every queue is closed and drained. The
// merge never takes an element until every live stream has a head, so it
// blocks on the slowest stream rather than guess. Run returns nil when all
// data has been emitted, or the context error.
func (f *Factory) Run(ctx context.Context, streams []*chunk.Stream) (err error) {
	defer func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.out)
		close(f.done)
	}()

	h := &heads{ranker: f.ranker}
	for i, s := range streams {
		c := &cursor{stream: s, order: i}
		ok, err := c.next(ctx)
		if err != nil {
			return err
		}
		if ok {
			h.items = append(h.items, c)
		}
	}
	heap.Init(h)

	var cur *Batch
	for h.Len() > 0 {
		c := h.items[0]
		el := c.head()

		if cur != nil && !cur.Fits(el) {
			if err := f.emit(ctx, cur); err != nil {
				return err
			}
			cur = nil
		}
		if cur == nil {
			cur = f.open()
		}
		if err := cur.Add(el); err != nil {
			return err
		}
		if cur.Full() {
			if err := f.emit(ctx, cur); err != nil {
				return err
			}
			cur = nil
		}

		c.pos++
		if c.pos < c.chunk.Len() {
			heap.Fix(h, 0)
			continue
		}
		ok, err := c.next(ctx)
		if err != nil {
			return err
		}
		if ok {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
	}

	if cur != nil && cur.Len() > 0 {
		return f.emit(ctx, cur)
	}
	return nil
}

func (f *Factory) open() *Batch {
	f.mu.Lock()
	seq := f.seq
	f.seq++
	f.mu.Unlock()
	return New(seq, f.EffectiveCap(), f.ranker)
}

// emit hands b to Next; the channel is unbuffered so the merge waits for the
// consumer.
func (f *Factory) emit(ctx context.Context, b *Batch) error {
	select {
	case f.out <- b:
	case <-ctx.Done():
		return ctx.Err()
	}

	f.mu.Lock()
	f.totals.Batches++
	f.totals.Elements += b.Len()
	f.totals.Bytes += b.Size()
	f.mu.Unlock()

	f.cfg.Metrics.RecordBatch(b.Len(), b.Size())
	first, last, _ := b.Bounds()
	monitoring.Logger().Info("batch closed",
		zap.String("batch_id", b.ID.String()),
		zap.Int("seq", b.Seq),
		zap.Int("elements", b.Len()),
		zap.Int64("bytes", b.Size()),
		zap.Int64("cap", b.Cap),
		zap.Int64("first_ts", first),
		zap.Int64("last_ts", last))
	return nil
}

// Next blocks for the next batch. It returns io.EOF after the last batch, or
// the error that ended Run.
func (f *Factory) Next(ctx context.Context) (*Batch, error) {
	select {
	case b, ok := <-f.out:
		if ok {
			return b, nil
		}
		f.mu.Lock()
		err := f.err
		f.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when Run returns.
func (f *Factory) Done() <-chan struct{} {
	return f.done
}

// Totals returns counts over the batches delivered so far.
func (f *Factory) Totals() Totals {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals
}
