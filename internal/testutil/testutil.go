// Package testutil provides shared test utilities and fixtures.
//
// This package centralises synthetic sensor data so reader, chunk, batch
// and pipeline tests build the same inputs the same way.
package testutil

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/sensors"
)

// Second is one second in nanosecond timestamps.
const Second int64 = 1_000_000_000

// MustSensor builds a sensor with default parameters. Cameras get a 4x3
// image size and a unit intrinsics matrix.
func MustSensor(tb testing.TB, name string, kind sensors.Kind) *sensors.Sensor {
	tb.Helper()
	var p config.SensorParams
	if kind.IsCamera() {
		p.Width, p.Height = config.Ptr(4), config.Ptr(3)
		p.CameraMatrix = []float64{1, 0, 2, 0, 1, 1.5, 0, 0, 1}
		p.RightCameraMatrix = p.CameraMatrix
	}
	s, err := sensors.BuildSensor(name, kind, p)
	if err != nil {
		tb.Fatalf("build sensor %s: %v", name, err)
	}
	return s
}

// Elem builds an element with the given values.
func Elem(s *sensors.Sensor, ts int64, values ...float64) element.Element {
	return element.New(ts, element.NewMeasurement(s, values, nil), nil)
}

// ElemSized builds an element whose Size is exactly size bytes (size >= 8).
func ElemSized(s *sensors.Sensor, ts int64, size int) element.Element {
	return element.New(ts, element.NewMeasurement(s, nil, make([]byte, size-8)), nil)
}

// Labels renders elements as "sensor@ts" for order assertions.
func Labels(els []element.Element) []string {
	out := make([]string, len(els))
	for i, e := range els {
		out[i] = e.String()
	}
	return out
}

// CSV renders n rows of "ts,v1,...": timestamps start at start and step by
// period; row i gets values(i).
func CSV(start, period int64, n int, values func(i int) []float64) []byte {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%d", start+int64(i)*period)
		for _, v := range values(i) {
			fmt.Fprintf(&b, ",%g", v)
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// GNSSCSV renders n lat,lon,alt fixes near the KAIST campus.
func GNSSCSV(start, period int64, n int) []byte {
	return CSV(start, period, n, func(i int) []float64 {
		return []float64{37.5 + float64(i)*1e-5, 127.0 + float64(i)*1e-5, 30 + float64(i)}
	})
}

// IMUCSV renders n gyro+accel rows.
func IMUCSV(start, period int64, n int) []byte {
	return CSV(start, period, n, func(i int) []float64 {
		return []float64{0.01, -0.02, 0.001 * float64(i), 0.1, 0.0, 9.81}
	})
}

// Step is one scripted reader result.
type Step struct {
	El  element.Element
	Err error
}

// ScriptReader replays scripted steps and then io.EOF. It satisfies the
// reader interface structurally and records how it was used.
type ScriptReader struct {
	mu     sync.Mutex
	steps  []Step
	pos    int
	calls  int
	closed bool

	// Before, when set, runs at the start of every Next call.
	Before func(call int)
}

// NewScriptReader returns a reader over steps.
func NewScriptReader(steps ...Step) *ScriptReader {
	return &ScriptReader{steps: steps}
}

// ElementsReader scripts one successful step per element.
func ElementsReader(els ...element.Element) *ScriptReader {
	steps := make([]Step, len(els))
	for i, e := range els {
		steps[i] = Step{El: e}
	}
	return NewScriptReader(steps...)
}

// Next returns the next scripted step.
func (r *ScriptReader) Next() (element.Element, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	before := r.Before
	r.mu.Unlock()

	if before != nil {
		before(call)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos >= len(r.steps) {
		return element.Element{}, io.EOF
	}
	s := r.steps[r.pos]
	r.pos++
	return s.El, s.Err
}

// Close marks the reader closed.
func (r *ScriptReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Calls reports how many times Next was called.
func (r *ScriptReader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Closed reports whether Close was called.
func (r *ScriptReader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
