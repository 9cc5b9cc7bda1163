package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/slamfeed/internal/batch"
	"github.com/banshee-data/slamfeed/internal/pipeline"
)

// BatchRow is one delivered batch.
type BatchRow struct {
	Seq      int       `json:"seq"`
	BatchID  uuid.UUID `json:"batch_id"`
	Elements int       `json:"elements"`
	Bytes    int64     `json:"bytes"`
	Cap      int64     `json:"cap_bytes"`
	// Element timestamp bounds; zero for an empty batch.
	FirstTS int64 `json:"first_ts"`
	LastTS  int64 `json:"last_ts"`
}

// RecordBatch stores one delivered batch of runID.
func (db *DB) RecordBatch(ctx context.Context, runID uuid.UUID, b *batch.Batch) error {
	var first, last sql.NullInt64
	if f, l, ok := b.Bounds(); ok {
		first = sql.NullInt64{Int64: f, Valid: true}
		last = sql.NullInt64{Int64: l, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO batches (run_id, seq, batch_id, elements, bytes, cap_bytes, first_ts, last_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID.String(), b.Seq, b.ID.String(), b.Len(), b.Size(), b.Cap, first, last)
	if err != nil {
		return fmt.Errorf("failed to insert batch %d: %w", b.Seq, err)
	}
	return nil
}

// Batches returns the recorded batches of a run in delivery order.
func (db *DB) Batches(ctx context.Context, runID uuid.UUID) ([]BatchRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT seq, batch_id, elements, bytes, cap_bytes, first_ts, last_ts
		FROM batches WHERE run_id = ? ORDER BY seq`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchRow
	for rows.Next() {
		var (
			r           BatchRow
			id          string
			first, last sql.NullInt64
		)
		if err := rows.Scan(&r.Seq, &id, &r.Elements, &r.Bytes, &r.Cap, &first, &last); err != nil {
			return nil, err
		}
		if r.BatchID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("batch_id %q: %w", id, err)
		}
		r.FirstTS, r.LastTS = first.Int64, last.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

// Recorder returns a consumer that records each batch of runID and then
// hands it to next. A nil next only records.
func (db *DB) Recorder(runID uuid.UUID, next pipeline.Consumer) pipeline.Consumer {
	return pipeline.ConsumerFunc(func(ctx context.Context, b *batch.Batch) error {
		if err := db.RecordBatch(ctx, runID, b); err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		return next.Consume(ctx, b)
	})
}
