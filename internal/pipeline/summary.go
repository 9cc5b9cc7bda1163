package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/slamfeed/internal/chunk"
	"github.com/banshee-data/slamfeed/internal/filter"
	"github.com/banshee-data/slamfeed/internal/stopping"
)

// Status is the outcome of a run.
type Status string

const (
	// StatusComplete means every stream reached the end of its source.
	StatusComplete Status = "complete"
	// StatusDegraded means at least one stream failed and at least one did not.
	StatusDegraded Status = "degraded"
	// StatusStopped means the stopping criterion ended the run early.
	StatusStopped Status = "stopped"
	// StatusFailed means no stream finished healthily or the run was aborted.
	StatusFailed Status = "failed"
)

// StreamSummary reports one sensor stream.
type StreamSummary struct {
	Sensor  string
	Kind    string
	State   chunk.State
	Stopped bool
	Stats   chunk.Stats
	Err     error
}

// Summary is available once a run has finished.
type Summary struct {
	RunID      uuid.UUID
	Experiment string
	Status     Status
	StopReason stopping.Reason
	Streams    []StreamSummary

	// Delivered batches.
	Batches  int
	Elements int
	Bytes    int64

	BackpressureEpisodes int
	Started              time.Time
	Finished             time.Time
}

// Read sums raw records read over all streams.
func (s Summary) Read() int {
	n := 0
	for _, st := range s.Streams {
		n += st.Stats.Read
	}
	return n
}

// Filtered sums filtered records by reason over all streams.
func (s Summary) Filtered() map[filter.Reason]int {
	out := make(map[filter.Reason]int)
	for _, st := range s.Streams {
		for r, n := range st.Stats.Filtered {
			out[r] += n
		}
	}
	return out
}

// DecodeErrors sums decode failures over all streams.
func (s Summary) DecodeErrors() int {
	n := 0
	for _, st := range s.Streams {
		n += st.Stats.DecodeErrors
	}
	return n
}

// Accounted checks the no-loss property: every record read was delivered in
// a batch, filtered, or failed to decode. It holds for any run that was not
// aborted by context cancellation.
func (s Summary) Accounted() bool {
	chunked := 0
	for _, st := range s.Streams {
		if !st.Stats.Accounted() {
			return false
		}
		chunked += st.Stats.Elements
	}
	return chunked == s.Elements
}

// Duration is the wall time of the run.
func (s Summary) Duration() time.Duration {
	return s.Finished.Sub(s.Started)
}
