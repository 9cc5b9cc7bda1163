package reader

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/filter"
	"github.com/banshee-data/slamfeed/internal/fsutil"
	"github.com/banshee-data/slamfeed/internal/sensors"
	"github.com/banshee-data/slamfeed/internal/stopping"
	"github.com/banshee-data/slamfeed/internal/testutil"
	"github.com/banshee-data/slamfeed/internal/timeutil"
)

// outcome tallies everything a reader produced until EOF or a source error.
type outcome struct {
	elements []element.Element
	rejected []filter.Reason
	decode   int
	err      error
}

func drain(t *testing.T, r Reader) outcome {
	t.Helper()
	var out outcome
	for i := 0; i < 10000; i++ {
		el, err := r.Next()
		var rej *filter.Rejection
		switch {
		case err == nil:
			out.elements = append(out.elements, el)
		case errors.Is(err, io.EOF):
			return out
		case errors.As(err, &rej):
			out.rejected = append(out.rejected, rej.Reason)
		case errors.Is(err, ErrDecode):
			out.decode++
		default:
			out.err = err
			return out
		}
	}
	t.Fatal("reader did not terminate")
	return out
}

func open(t *testing.T, env Env, s *sensors.Sensor, src config.SourceConfig) Reader {
	t.Helper()
	opener, err := NewOpener(env, s, src)
	require.NoError(t, err)
	r, err := opener()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistry(t *testing.T) {
	for _, k := range sensors.AllKinds() {
		assert.True(t, Supports(k, DefaultFormat(k)), "kind %s has no default reader", k)
	}
	assert.True(t, Supports(sensors.KindGPS, FormatNMEA))
	assert.True(t, Supports(sensors.KindLidar3D, FormatPCAP))
	assert.False(t, Supports(sensors.KindIMU, FormatPCAP))
	assert.Equal(t, []Format{FormatLidarBin, FormatPCAP}, Formats(sensors.KindLidar3D))

	imu := testutil.MustSensor(t, "imu", sensors.KindIMU)
	_, err := NewOpener(Env{}, imu, config.SourceConfig{Path: "x", Format: "pcap"})
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestOpener_MissingSourceIsSourceUnavailable(t *testing.T) {
	imu := testutil.MustSensor(t, "imu", sensors.KindIMU)
	opener, err := NewOpener(Env{FS: fsutil.NewMemoryFileSystem()}, imu, config.SourceConfig{Path: "imu.csv"})
	require.NoError(t, err, "sources are not touched at setup")

	_, err = opener()
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "imu", se.Sensor)
}

func TestCSVReader_GNSS(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("gps.csv", append([]byte("timestamp,lat,lon,alt\n"), testutil.GNSSCSV(0, testutil.Second, 3)...))
	gps := testutil.MustSensor(t, "gps", sensors.KindGPS)

	out := drain(t, open(t, Env{FS: fs}, gps, config.SourceConfig{Path: "gps.csv", Header: true}))
	require.NoError(t, out.err)
	require.Len(t, out.elements, 3)
	assert.Empty(t, out.rejected)

	el := out.elements[1]
	assert.Equal(t, testutil.Second, el.Timestamp())
	assert.Same(t, gps, el.Sensor())
	loc, ok := el.Location()
	require.True(t, ok)
	assert.Equal(t, element.FrameGeodetic, loc.Frame)
	assert.InDelta(t, 37.50001, loc.Position[0], 1e-9)
	assert.InDelta(t, 31.0, loc.Position[2], 1e-9)
}

func TestCSVReader_FiltersAndDecodeErrors(t *testing.T) {
	data := strings.Join([]string{
		"100;1;2",    // ok
		"200;1",      // field_count
		"300;x;2",    // not_numeric
		"50;1;2",     // out_of_order
		"300;1;2",    // ok
		"300;1;2",    // duplicate
		"# comment",  // skipped by the csv reader
		"400;5000;2", // out_of_range on column 0
		`500;1"x;2`,  // bare quote: csv parse error
		"600;1;2",    // ok
	}, "\n") + "\n"
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("enc.csv", []byte(data))
	enc := testutil.MustSensor(t, "encoder", sensors.KindEncoder)

	src := config.SourceConfig{
		Path:      "enc.csv",
		Delimiter: ";",
		Ranges:    []config.RangeConfig{{Column: 0, Max: config.Ptr(1000.0)}},
	}
	out := drain(t, open(t, Env{FS: fs}, enc, src))
	require.NoError(t, out.err)

	var ts []int64
	for _, el := range out.elements {
		ts = append(ts, el.Timestamp())
	}
	assert.Equal(t, []int64{100, 300, 600}, ts)
	assert.Equal(t, []filter.Reason{
		filter.ReasonFieldCount, filter.ReasonNotNumeric, filter.ReasonOutOfOrder,
		filter.ReasonDuplicate, filter.ReasonOutOfRange,
	}, out.rejected)
	assert.Equal(t, 1, out.decode)
	assert.Equal(t, []float64{1, 2}, out.elements[0].Measurement().Values())
}

func timestamps(els []element.Element) []int64 {
	var ts []int64
	for _, el := range els {
		ts = append(ts, el.Timestamp())
	}
	return ts
}

func TestCSVReader_RangeRejectionKeepsLaterDuplicateTimestamp(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("alt.csv", []byte("100,1\n200,5000\n200,2\n300,3\n"))
	alt := testutil.MustSensor(t, "alt", sensors.KindAltimeter)

	src := config.SourceConfig{
		Path:   "alt.csv",
		Ranges: []config.RangeConfig{{Column: 0, Max: config.Ptr(10.0)}},
	}
	out := drain(t, open(t, Env{FS: fs}, alt, src))
	require.NoError(t, out.err)
	assert.Equal(t, []int64{100, 200, 300}, timestamps(out.elements))
	assert.Equal(t, []filter.Reason{filter.ReasonOutOfRange}, out.rejected)
	assert.Equal(t, []float64{2}, out.elements[1].Measurement().Values())
}

func TestOpener_Window(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("alt.csv", []byte("100,1\n200,2\n300,3\n400,4\n500,5\n"))
	alt := testutil.MustSensor(t, "alt", sensors.KindAltimeter)
	src := config.SourceConfig{Path: "alt.csv"}

	tests := []struct {
		name     string
		window   config.WindowConfig
		want     []int64
		rejected []filter.Reason
	}{
		{
			name:     "closed",
			window:   config.WindowConfig{Start: config.Ptr[int64](200), Stop: config.Ptr[int64](300)},
			want:     []int64{200, 300},
			rejected: []filter.Reason{filter.ReasonBeforeWindow, filter.ReasonAfterWindow},
		},
		{
			name:     "open stop",
			window:   config.WindowConfig{Start: config.Ptr[int64](450)},
			want:     []int64{500},
			rejected: []filter.Reason{filter.ReasonBeforeWindow, filter.ReasonBeforeWindow, filter.ReasonBeforeWindow, filter.ReasonBeforeWindow},
		},
		{
			name:     "stop before everything",
			window:   config.WindowConfig{Stop: config.Ptr[int64](50)},
			rejected: []filter.Reason{filter.ReasonAfterWindow},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := drain(t, open(t, Env{FS: fs, Window: &tt.window}, alt, src))
			require.NoError(t, out.err)
			assert.Equal(t, tt.want, timestamps(out.elements))
			assert.Equal(t, tt.rejected, out.rejected)
		})
	}
}

func TestOpener_WindowEndsStreamAfterStop(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("alt.csv", []byte("100,1\n200,2\n300,3\n"))
	alt := testutil.MustSensor(t, "alt", sensors.KindAltimeter)
	window := config.WindowConfig{Stop: config.Ptr[int64](150)}
	r := open(t, Env{FS: fs, Window: &window}, alt, config.SourceConfig{Path: "alt.csv"})

	_, err := r.Next()
	require.NoError(t, err)

	_, err = r.Next()
	var rej *filter.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, filter.ReasonAfterWindow, rej.Reason)
	assert.Equal(t, 1, rej.Index)

	for i := 0; i < 2; i++ {
		_, err = r.Next()
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestCSVReader_BadDelimiter(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("a.csv", []byte("1,2\n"))
	alt := testutil.MustSensor(t, "alt", sensors.KindAltimeter)

	opener, err := NewOpener(Env{FS: fs}, alt, config.SourceConfig{Path: "a.csv", Delimiter: "::"})
	require.NoError(t, err)
	_, err = opener()
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestNMEAReader_File(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 5000))
	sentence := func(body string) string {
		return fmt.Sprintf("$%s*%02X", body, filter.NMEAChecksumOf(body))
	}
	lines := string(testutil.NMEALog(1000, 1000, 2)) +
		testutil.NMEAGGA(37.5, 127.25, 40) + "\n" + // unprefixed: stamped by the clock
		"7000," + sentence("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W") + "\n" +
		"8000,$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.5,M,46.9,M,,*00\n" +
		"9000," + sentence("GPGGA,123519,,,,,0,00,,,M,,M,,") + "\n" +
		"abc,$GPGGA\n"
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("gnss.nmea", []byte(lines))
	gps := testutil.MustSensor(t, "gps", sensors.KindGPS)

	out := drain(t, open(t, Env{FS: fs, Clock: clock}, gps, config.SourceConfig{Path: "gnss.nmea", Format: "nmea"}))
	require.NoError(t, out.err)
	require.Len(t, out.elements, 3)

	assert.Equal(t, int64(1000), out.elements[0].Timestamp())
	assert.Equal(t, int64(5000), out.elements[2].Timestamp())
	v := out.elements[0].Measurement().Values()
	assert.InDelta(t, 37.5, v[0], 1e-9)
	assert.InDelta(t, 127.25, v[1], 1e-9)
	assert.InDelta(t, 30.0, v[2], 1e-9)
	assert.Equal(t, []float64{1, 8, 0.9}, v[3:])

	assert.Equal(t, []filter.Reason{
		filter.ReasonUnsupportedSentence, filter.ReasonBadChecksum, filter.ReasonNotNumeric,
	}, out.rejected)
	assert.Equal(t, 1, out.decode, "no-fix sentence fails decoding")
}

func TestDecodeGGA_SouthWest(t *testing.T) {
	v, loc, err := decodeGGA(testutil.NMEAGGA(-33.5, -70.75, 520))
	require.NoError(t, err)
	assert.InDelta(t, -33.5, v[0], 1e-9)
	assert.InDelta(t, -70.75, v[1], 1e-9)
	assert.InDelta(t, 520, loc.Position[2], 1e-9)
}

// fakePort serves canned data, then read timeouts until closed.
type fakePort struct {
	data    []byte
	timeout time.Duration
	reads   atomic.Int32
	closed  atomic.Bool
	onIdle  func()
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.reads.Add(1)
	if len(p.data) > 0 {
		n := copy(b, p.data)
		p.data = p.data[n:]
		return n, nil
	}
	if p.onIdle != nil {
		p.onIdle()
	}
	return 0, nil
}

func (p *fakePort) Close() error                         { p.closed.Store(true); return nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error { p.timeout = t; return nil }

func TestNMEAReader_SerialStopsOnCriterion(t *testing.T) {
	stop := stopping.New()
	port := &fakePort{data: testutil.NMEALog(10, 10, 2)}
	port.onIdle = func() { stop.Set(stopping.ReasonOperator) }

	var gotDevice string
	var gotMode *serial.Mode
	env := Env{
		Stop: stop,
		OpenSerial: func(device string, mode *serial.Mode) (SerialPort, error) {
			gotDevice, gotMode = device, mode
			return port, nil
		},
	}
	gps := testutil.MustSensor(t, "gps", sensors.KindGPS)
	r := open(t, env, gps, config.SourceConfig{Path: "serial:///dev/ttyUSB0", Format: "nmea", BaudRate: 9600})

	out := drain(t, r)
	require.NoError(t, out.err)
	assert.Len(t, out.elements, 2)
	assert.Equal(t, "/dev/ttyUSB0", gotDevice)
	assert.Equal(t, 9600, gotMode.BaudRate)
	assert.Equal(t, serialReadTimeout, port.timeout)

	require.NoError(t, r.Close())
	assert.True(t, port.closed.Load())
}

func TestSerialMode(t *testing.T) {
	mode, err := serialMode(config.SourceConfig{})
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 4800, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity}, mode)

	mode, err = serialMode(config.SourceConfig{BaudRate: 9600, StopBits: 2, Parity: " Even"})
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	for _, src := range []config.SourceConfig{{DataBits: 9}, {StopBits: 3}, {Parity: "mark"}} {
		_, err := serialMode(src)
		assert.ErrorIs(t, err, config.ErrConfiguration, "%+v", src)
	}
}

func TestLidarBinReader(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("velodyne/300.bin", testutil.LidarScan(2, 4))
	fs.WriteFile("velodyne/100.bin", testutil.LidarScan(10, 4))
	fs.WriteFile("velodyne/200.bin", []byte{1, 2})               // short_payload
	fs.WriteFile("velodyne/400.bin", make([]byte, 20))           // not a multiple of 16
	fs.WriteFile("velodyne/calib.bin", testutil.LidarScan(1, 4)) // not_numeric, sorted last
	fs.WriteFile("velodyne/readme.txt", []byte("ignored"))
	lidar := testutil.MustSensor(t, "velodyne", sensors.KindLidar3D)

	out := drain(t, open(t, Env{FS: fs}, lidar, config.SourceConfig{Path: "velodyne"}))
	require.NoError(t, out.err)
	require.Len(t, out.elements, 2)

	first := out.elements[0]
	assert.Equal(t, int64(100), first.Timestamp())
	assert.Equal(t, []float64{10}, first.Measurement().Values())
	assert.Len(t, first.Measurement().Payload(), 160)
	assert.Equal(t, int64(8+8+160), first.Size())
	assert.Equal(t, int64(300), out.elements[1].Timestamp())

	assert.Equal(t, []filter.Reason{filter.ReasonShortPayload, filter.ReasonNotNumeric}, out.rejected)
	assert.Equal(t, 1, out.decode)
}

func TestLidarBinReader_MissingDir(t *testing.T) {
	lidar := testutil.MustSensor(t, "velodyne", sensors.KindLidar3D)
	opener, err := NewOpener(Env{FS: fsutil.NewMemoryFileSystem()}, lidar, config.SourceConfig{Path: "nope"})
	require.NoError(t, err)
	_, err = opener()
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestPCAPReader(t *testing.T) {
	t0 := time.Unix(1700000000, 0).UTC()
	data, err := testutil.PCAP(
		testutil.Packet{Time: t0, DstPort: 2368, Payload: []byte("scan-1")},
		testutil.Packet{Time: t0.Add(time.Millisecond), DstPort: 8308, Payload: []byte("position")},
		testutil.Packet{Time: t0.Add(2 * time.Millisecond), DstPort: 2368, Payload: []byte("scan-2")},
		testutil.Packet{Time: t0.Add(time.Millisecond), DstPort: 2368, Payload: []byte("late")},
	)
	require.NoError(t, err)
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("run.pcap", data)
	lidar := testutil.MustSensor(t, "vlp16", sensors.KindLidar3D)

	out := drain(t, open(t, Env{FS: fs}, lidar, config.SourceConfig{Path: "run.pcap", Format: "pcap", Port: 2368}))
	require.NoError(t, out.err)
	require.Len(t, out.elements, 2)
	assert.Equal(t, t0.UnixNano(), out.elements[0].Timestamp())
	assert.Equal(t, []byte("scan-2"), out.elements[1].Measurement().Payload())
	assert.Equal(t, []filter.Reason{filter.ReasonWrongPort, filter.ReasonOutOfOrder}, out.rejected)
}

func TestPCAPReader_NotACapture(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("bad.pcap", []byte("definitely not a pcap header"))
	lidar := testutil.MustSensor(t, "vlp16", sensors.KindLidar3D)

	opener, err := NewOpener(Env{FS: fs}, lidar, config.SourceConfig{Path: "bad.pcap", Format: "pcap"})
	require.NoError(t, err)
	_, err = opener()
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestImageReader_Monocular(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("cam/20.png", testutil.PNG(4, 3))
	fs.WriteFile("cam/10.png", testutil.PNG(4, 3))
	fs.WriteFile("cam/30.png", testutil.PNG(8, 8)) // wrong size
	fs.WriteFile("cam/40.png", []byte("not a png"))
	cam := testutil.MustSensor(t, "cam", sensors.KindMonocularCamera)

	out := drain(t, open(t, Env{FS: fs}, cam, config.SourceConfig{Path: "cam"}))
	require.NoError(t, out.err)
	require.Len(t, out.elements, 2)
	assert.Equal(t, int64(10), out.elements[0].Timestamp())
	assert.Equal(t, []float64{4, 3}, out.elements[0].Measurement().Values())
	assert.Equal(t, 2, out.decode)
}

func TestImageReader_StereoPairs(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	left, right := testutil.PNG(4, 3), testutil.PNG(4, 3)
	fs.WriteFile("stereo/left/1.png", left)
	fs.WriteFile("stereo/right/1.png", right)
	fs.WriteFile("stereo/left/2.png", left)   // unpaired
	fs.WriteFile("stereo/right/3.png", right) // unpaired
	fs.WriteFile("stereo/left/4.png", left)
	fs.WriteFile("stereo/right/4.png", right)
	cam := testutil.MustSensor(t, "stereo", sensors.KindStereoCamera)

	out := drain(t, open(t, Env{FS: fs}, cam, config.SourceConfig{Path: "stereo"}))
	require.NoError(t, out.err)
	require.Len(t, out.elements, 2)
	assert.Equal(t, int64(1), out.elements[0].Timestamp())
	assert.Equal(t, int64(4), out.elements[1].Timestamp())
	assert.Len(t, out.elements[0].Measurement().Payload(), len(left)+len(right))
	assert.Equal(t, []filter.Reason{filter.ReasonUnpaired, filter.ReasonUnpaired}, out.rejected)
}

func TestErrorTypes(t *testing.T) {
	de := &DecodeError{Sensor: "imu", Index: 3, Err: errors.New("bad")}
	assert.ErrorIs(t, de, ErrDecode)
	assert.NotErrorIs(t, de, ErrSourceUnavailable)
	assert.Equal(t, "imu: record 3: decode: bad", de.Error())

	se := sourceErr("imu", "imu.csv", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, se, ErrSourceUnavailable)
	assert.ErrorIs(t, se, io.ErrUnexpectedEOF)
	assert.Same(t, se, sourceErr("imu", "other", se), "already classified errors are not wrapped twice")
}
