// Package element holds the canonical in-memory form of one timestamped
// sensor observation.
package element

import (
	"fmt"

	"github.com/banshee-data/slamfeed/internal/sensors"
)

// Serialized size components, in bytes.
const (
	timestampBytes = 8
	valueBytes     = 8
	locationBytes  = 56 // frame tag + 3 position + 4 orientation floats (8 bytes each)
)

// Frame identifies the coordinate frame of a Location.
type Frame uint8

const (
	// FrameGeodetic positions are latitude, longitude (degrees) and altitude (m).
	FrameGeodetic Frame = iota
	// FrameLocal positions are x, y, z in metres.
	FrameLocal
)

func (f Frame) String() string {
	switch f {
	case FrameGeodetic:
		return "geodetic"
	case FrameLocal:
		return "local"
	default:
		return fmt.Sprintf("frame(%d)", uint8(f))
	}
}

// Location is spatial context attached to an element by sensors that report
// it directly, such as a GNSS fix. It is a plain value.
type Location struct {
	Frame          Frame
	Position       [3]float64
	Orientation    [4]float64 // quaternion w, x, y, z
	HasOrientation bool
}

// Measurement is a sensor's raw observation at one instant.
type Measurement struct {
	sensor  *sensors.Sensor
	values  []float64
	payload []byte
}

// NewMeasurement copies values and payload.
func NewMeasurement(s *sensors.Sensor, values []float64, payload []byte) Measurement {
	m := Measurement{sensor: s}
	if len(values) > 0 {
		m.values = append([]float64(nil), values...)
	}
	if len(payload) > 0 {
		m.payload = append([]byte(nil), payload...)
	}
	return m
}

// Sensor returns the producing sensor.
func (m Measurement) Sensor() *sensors.Sensor { return m.sensor }

// Values returns a copy of the numeric values.
func (m Measurement) Values() []float64 {
	if m.values == nil {
		return nil
	}
	return append([]float64(nil), m.values...)
}

// NumValues returns the number of numeric values.
func (m Measurement) NumValues() int { return len(m.values) }

// Value returns the i-th value.
func (m Measurement) Value(i int) float64 { return m.values[i] }

// Payload returns the raw bytes (point cloud, image, UDP packet). The slice
// is shared; callers must not modify it.
func (m Measurement) Payload() []byte { return m.payload }

// Element is one timestamped observation. It is immutable after New.
type Element struct {
	timestamp   int64
	measurement Measurement
	location    *Location
}

// New builds an element. ts is in nanoseconds. loc may be nil.
func New(ts int64, m Measurement, loc *Location) Element {
	e := Element{timestamp: ts, measurement: m}
	if loc != nil {
		l := *loc
		e.location = &l
	}
	return e
}

// Timestamp returns the observation time in nanoseconds.
func (e Element) Timestamp() int64 { return e.timestamp }

// Measurement returns the sensor observation.
func (e Element) Measurement() Measurement { return e.measurement }

// Sensor is shorthand for Measurement().Sensor().
func (e Element) Sensor() *sensors.Sensor { return e.measurement.sensor }

// Location returns a copy of the attached location.
func (e Element) Location() (Location, bool) {
	if e.location == nil {
		return Location{}, false
	}
	return *e.location, true
}

// Size is the logical serialized size used for chunk and batch caps.
func (e Element) Size() int64 {
	n := int64(timestampBytes + valueBytes*len(e.measurement.values) + len(e.measurement.payload))
	if e.location != nil {
		n += locationBytes
	}
	return n
}

func (e Element) String() string {
	name := "<nil>"
	if s := e.Sensor(); s != nil {
		name = s.Name()
	}
	return fmt.Sprintf("%s@%d", name, e.timestamp)
}
