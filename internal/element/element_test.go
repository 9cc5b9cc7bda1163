package element

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/sensors"
)

func mustSensor(t *testing.T, name string, kind sensors.Kind) *sensors.Sensor {
	t.Helper()
	p := config.SensorParams{}
	if kind.IsCamera() {
		p.Width, p.Height = config.Ptr(2), config.Ptr(2)
		p.CameraMatrix = []float64{1, 0, 1, 0, 1, 1, 0, 0, 1}
		p.RightCameraMatrix = p.CameraMatrix
	}
	s, err := sensors.BuildSensor(name, kind, p)
	require.NoError(t, err)
	return s
}

func TestElement_Size(t *testing.T) {
	gps := mustSensor(t, "gps", sensors.KindGPS)
	lidar := mustSensor(t, "lidar", sensors.KindLidar3D)

	tests := []struct {
		name string
		el   Element
		want int64
	}{
		{"timestamp only", New(1, NewMeasurement(gps, nil, nil), nil), 8},
		{"values", New(1, NewMeasurement(gps, []float64{1, 2, 3}, nil), nil), 8 + 24},
		{"values and location", New(1, NewMeasurement(gps, []float64{1, 2, 3}, nil), &Location{Frame: FrameGeodetic}), 8 + 24 + 56},
		{"payload", New(1, NewMeasurement(lidar, nil, make([]byte, 160)), nil), 8 + 160},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.el.Size())
		})
	}
}

func TestMeasurement_CopiesInputs(t *testing.T) {
	imu := mustSensor(t, "imu", sensors.KindIMU)
	values := []float64{1, 2}
	payload := []byte{7}
	m := NewMeasurement(imu, values, payload)

	values[0] = 99
	payload[0] = 0
	assert.Equal(t, []float64{1, 2}, m.Values())
	assert.Equal(t, []byte{7}, m.Payload())

	out := m.Values()
	out[1] = 42
	assert.Equal(t, 2.0, m.Value(1))
	assert.Equal(t, 2, m.NumValues())
	assert.Same(t, imu, m.Sensor())
}

func TestElement_LocationIsCopied(t *testing.T) {
	gps := mustSensor(t, "gps", sensors.KindGPS)
	loc := &Location{Frame: FrameGeodetic, Position: [3]float64{37.5, 127.0, 30}}
	el := New(10, NewMeasurement(gps, nil, nil), loc)
	loc.Position[0] = 0

	got, ok := el.Location()
	require.True(t, ok)
	assert.Equal(t, 37.5, got.Position[0])
	assert.Equal(t, "geodetic", got.Frame.String())
	assert.Equal(t, "gps@10", el.String())

	_, ok = New(1, NewMeasurement(gps, nil, nil), nil).Location()
	assert.False(t, ok)
}

type nameRanker map[string]int

func (r nameRanker) Rank(s *sensors.Sensor) int { return r[s.Name()] }

func TestCompareAndSort(t *testing.T) {
	imu := mustSensor(t, "imu", sensors.KindIMU)
	gps := mustSensor(t, "gps", sensors.KindGPS)

	e := func(ts int64, s *sensors.Sensor, v float64) Element {
		return New(ts, NewMeasurement(s, []float64{v}, nil), nil)
	}
	els := []Element{e(2, gps, 0), e(1, gps, 1), e(2, imu, 2), e(1, imu, 3), e(1, imu, 4)}

	SortStable(els, KindRanker{})
	got := make([]string, len(els))
	for i, el := range els {
		got[i] = el.String()
	}
	want := []string{"imu@1", "imu@1", "gps@1", "imu@2", "gps@2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sorted order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3.0, els[0].Measurement().Value(0), "equal keys keep input order")
	assert.True(t, IsSorted(els, KindRanker{}))

	gpsFirst := nameRanker{"gps": 0, "imu": 1}
	assert.Less(t, Compare(e(1, gps, 0), e(1, imu, 0), gpsFirst), 0)
	assert.False(t, IsSorted(els, gpsFirst))
	assert.Equal(t, int64(5*16), TotalSize(els))
}
