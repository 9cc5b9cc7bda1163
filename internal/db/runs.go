package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/slamfeed/internal/pipeline"
)

// ErrRunNotFound is returned when the ledger has no row for a run ID.
var ErrRunNotFound = errors.New("run not found")

// StatusRunning marks a run that has started but not yet been finished.
const StatusRunning = "running"

// Run is one row of the runs table.
type Run struct {
	RunID                uuid.UUID  `json:"run_id"`
	Experiment           string     `json:"experiment"`
	Status               string     `json:"status"`
	StopReason           string     `json:"stop_reason,omitempty"`
	Sensors              []string   `json:"sensors"`
	Batches              int        `json:"batches"`
	Elements             int        `json:"elements"`
	Bytes                int64      `json:"bytes"`
	BackpressureEpisodes int        `json:"backpressure_episodes"`
	Started              time.Time  `json:"started"`
	Finished             *time.Time `json:"finished,omitempty"`
}

// StreamRow is the recorded outcome of one sensor stream.
type StreamRow struct {
	Sensor       string         `json:"sensor"`
	Kind         string         `json:"kind"`
	State        string         `json:"state"`
	Stopped      bool           `json:"stopped"`
	Read         int            `json:"records_read"`
	Elements     int            `json:"elements"`
	DecodeErrors int            `json:"decode_errors"`
	Chunks       int            `json:"chunks"`
	Bytes        int64          `json:"bytes"`
	Error        string         `json:"error,omitempty"`
	Filtered     map[string]int `json:"filtered"`
}

// StartRun records a run as running. Batches recorded for it reference this
// row.
func (db *DB) StartRun(ctx context.Context, runID uuid.UUID, experiment string, sensors []string, started time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (run_id, experiment, status, sensors, started_unix_nanos)
		VALUES (?, ?, ?, ?, ?)`,
		runID.String(), experiment, StatusRunning, strings.Join(sensors, ","), started.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stores the run summary and per-stream accounting in one
// transaction. A run that was never started is inserted.
func (db *DB) FinishRun(ctx context.Context, s pipeline.Summary) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	sensors := make([]string, len(s.Streams))
	for i, st := range s.Streams {
		sensors[i] = st.Sensor
	}
	id := s.RunID.String()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, experiment, status, stop_reason, sensors, batches, elements, bytes,
			backpressure_episodes, started_unix_nanos, finished_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			status = excluded.status,
			stop_reason = excluded.stop_reason,
			batches = excluded.batches,
			elements = excluded.elements,
			bytes = excluded.bytes,
			backpressure_episodes = excluded.backpressure_episodes,
			finished_unix_nanos = excluded.finished_unix_nanos`,
		id, s.Experiment, string(s.Status), string(s.StopReason), strings.Join(sensors, ","),
		s.Batches, s.Elements, s.Bytes, s.BackpressureEpisodes,
		s.Started.UnixNano(), s.Finished.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", id, err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM run_streams WHERE run_id = ?`, id); err != nil {
		return err
	}
	for _, st := range s.Streams {
		errText := ""
		if st.Err != nil {
			errText = st.Err.Error()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_streams (
				run_id, sensor, kind, state, stopped, records_read, elements,
				decode_errors, chunks, bytes, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, st.Sensor, st.Kind, st.State.String(), st.Stopped, st.Stats.Read, st.Stats.Elements,
			st.Stats.DecodeErrors, st.Stats.Chunks, st.Stats.Bytes, errText)
		if err != nil {
			return fmt.Errorf("failed to insert stream %s: %w", st.Sensor, err)
		}
		for reason, n := range st.Stats.Filtered {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO run_filtered (run_id, sensor, reason, records) VALUES (?, ?, ?, ?)`,
				id, st.Sensor, string(reason), n)
			if err != nil {
				return fmt.Errorf("failed to insert filtered count %s/%s: %w", st.Sensor, reason, err)
			}
		}
	}
	return tx.Commit()
}

const runColumns = `run_id, experiment, status, stop_reason, sensors, batches, elements, bytes,
	backpressure_episodes, started_unix_nanos, finished_unix_nanos`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r        Run
		id       string
		sensors  string
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&id, &r.Experiment, &r.Status, &r.StopReason, &sensors, &r.Batches,
		&r.Elements, &r.Bytes, &r.BackpressureEpisodes, &started, &finished); err != nil {
		return Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Run{}, fmt.Errorf("run_id %q: %w", id, err)
	}
	r.RunID = parsed
	if sensors != "" {
		r.Sensors = strings.Split(sensors, ",")
	}
	r.Started = time.Unix(0, started)
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		r.Finished = &t
	}
	return r, nil
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run or ErrRunNotFound.
func (db *DB) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID.String())
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RunStreams returns the per-sensor outcome of a run, ordered by sensor name.
func (db *DB) RunStreams(ctx context.Context, runID uuid.UUID) ([]StreamRow, error) {
	id := runID.String()
	rows, err := db.QueryContext(ctx, `
		SELECT sensor, kind, state, stopped, records_read, elements, decode_errors, chunks, bytes, error
		FROM run_streams WHERE run_id = ? ORDER BY sensor`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreamRow
	index := make(map[string]int)
	for rows.Next() {
		var s StreamRow
		if err := rows.Scan(&s.Sensor, &s.Kind, &s.State, &s.Stopped, &s.Read, &s.Elements,
			&s.DecodeErrors, &s.Chunks, &s.Bytes, &s.Error); err != nil {
			return nil, err
		}
		s.Filtered = make(map[string]int)
		index[s.Sensor] = len(out)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	filtered, err := db.QueryContext(ctx,
		`SELECT sensor, reason, records FROM run_filtered WHERE run_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer filtered.Close()
	for filtered.Next() {
		var (
			sensor, reason string
			n              int
		)
		if err := filtered.Scan(&sensor, &reason, &n); err != nil {
			return nil, err
		}
		if i, ok := index[sensor]; ok {
			out[i].Filtered[reason] = n
		}
	}
	return out, filtered.Err()
}

// Reasons lists the filter reasons recorded for a run, sorted.
func (s StreamRow) Reasons() []string {
	out := make([]string, 0, len(s.Filtered))
	for r := range s.Filtered {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
