package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/banshee-data/slamfeed/internal/batch"
	"github.com/banshee-data/slamfeed/internal/monitoring"
)

// Consumer receives batches in order. A batch is owned by the consumer once
// Consume is called.
type Consumer interface {
	Consume(ctx context.Context, b *batch.Batch) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, b *batch.Batch) error

// Consume calls f(ctx, b).
func (f ConsumerFunc) Consume(ctx context.Context, b *batch.Batch) error {
	return f(ctx, b)
}

// Drain starts p and feeds every batch to c until the run ends. A consumer
// error aborts the run; the returned error wraps it.
func Drain(ctx context.Context, p *Pipeline, c Consumer) (Summary, error) {
	if err := p.Start(ctx); err != nil {
		return Summary{}, err
	}
	for {
		b, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			return p.Wait()
		}
		if err != nil {
			s, _ := p.Close()
			return s, err
		}
		if err := c.Consume(ctx, b); err != nil {
			monitoring.Logger().Error("consumer failed",
				zap.String("run_id", p.RunID().String()),
				zap.Int("seq", b.Seq),
				zap.Error(err))
			s, _ := p.Close()
			return s, fmt.Errorf("consume batch %d: %w", b.Seq, err)
		}
	}
}
