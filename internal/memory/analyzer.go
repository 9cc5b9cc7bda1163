// Package memory samples host memory telemetry for admission control.
//
// Callers treat a failed probe as an exhausted budget: Exceeded reports true
// alongside the probe error so ingestion pauses instead of growing unbounded.
package memory

import (
	"errors"
	"fmt"
)

// ErrMemoryProbe wraps every telemetry failure.
var ErrMemoryProbe = errors.New("memory probe failed")

// Analyzer reports host memory usage against a configured ceiling.
// Implementations must be safe for concurrent use.
type Analyzer interface {
	// TotalMemory returns host physical memory in bytes.
	TotalMemory() (uint64, error)
	// AvailableMemoryPercent returns available memory as a percentage of total.
	AvailableMemoryPercent() (float64, error)
	// UsedMemoryPercent returns used memory as a percentage of total.
	UsedMemoryPercent() (float64, error)
	// PermissibleMemoryPercent returns the configured ceiling.
	PermissibleMemoryPercent() float64
}

// Snapshot is one budget reading.
type Snapshot struct {
	UsedPercent        float64
	PermissiblePercent float64
}

// Exceeded reports whether used memory is above the ceiling.
func (s Snapshot) Exceeded() bool {
	return s.UsedPercent > s.PermissiblePercent
}

// Probe takes one budget reading.
func Probe(a Analyzer) (Snapshot, error) {
	s := Snapshot{PermissiblePercent: a.PermissibleMemoryPercent()}
	used, err := a.UsedMemoryPercent()
	if err != nil {
		return s, err
	}
	s.UsedPercent = used
	return s, nil
}

// Exceeded reports whether a is over budget. A probe failure counts as over
// budget and is returned alongside true.
func Exceeded(a Analyzer) (bool, error) {
	s, err := Probe(a)
	if err != nil {
		return true, err
	}
	return s.Exceeded(), nil
}

// Budget returns percent of total memory in bytes.
func Budget(a Analyzer, percent float64) (int64, error) {
	total, err := a.TotalMemory()
	if err != nil {
		return 0, err
	}
	if percent <= 0 {
		return 0, nil
	}
	return int64(float64(total) * percent / 100), nil
}

func probeErr(what string, err error) error {
	if errors.Is(err, ErrMemoryProbe) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrMemoryProbe, what, err)
}
