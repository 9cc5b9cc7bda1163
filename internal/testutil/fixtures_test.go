package testutil

import (
	"bytes"
	"image"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/filter"
	"github.com/banshee-data/slamfeed/internal/sensors"
)

func TestNMEAGGA_PassesFilters(t *testing.T) {
	line := NMEAGGA(-33.8688, 151.2093, 58)
	assert.True(t, strings.HasPrefix(line, "$GPGGA,123519.00,3352.1280,S,15112.5580,E,1,"), line)
	assert.NoError(t, filter.NMEAChecksum{}.Check(filter.Record{Raw: line}))
	assert.NoError(t, filter.NMEASentence{Types: []string{"GGA"}}.Check(filter.Record{Raw: line}))

	log := NMEALog(100, 10, 3)
	assert.Equal(t, 3, bytes.Count(log, []byte("\n")))
	assert.True(t, bytes.HasPrefix(log, []byte("100,$GPGGA")))
}

func TestCSV(t *testing.T) {
	got := string(GNSSCSV(0, Second, 2))
	assert.True(t, strings.HasPrefix(got, "0,37.5,127,30\n1000000000,37.5"), got)
	assert.True(t, strings.HasSuffix(got, ",31\n"), got)
	assert.Equal(t, 5, strings.Count(string(IMUCSV(0, 1, 5)), "\n"))
}

func TestLidarScanAndPNG(t *testing.T) {
	assert.Len(t, LidarScan(10, 4), 160)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(PNG(4, 3)))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 4, cfg.Width)
	assert.Equal(t, 3, cfg.Height)
}

func TestPCAP(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	data, err := PCAP(
		Packet{Time: t0, DstPort: 2368, Payload: []byte("abc")},
		Packet{Time: t0.Add(time.Millisecond), DstPort: 8308, Payload: []byte("d")},
	)
	require.NoError(t, err)

	r, err := pcapgo.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	n := 0
	for {
		_, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if n == 0 {
			assert.True(t, ci.Timestamp.Equal(t0))
		}
		n++
	}
	assert.Equal(t, 2, n)
}

func TestScriptReader(t *testing.T) {
	imu := MustSensor(t, "imu", sensors.KindIMU)
	r := ElementsReader(Elem(imu, 1), Elem(imu, 2))

	el, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1), el.Timestamp())
	_, _ = r.Next()
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 3, r.Calls())

	require.NoError(t, r.Close())
	assert.True(t, r.Closed())
	assert.Equal(t, []string{"imu@1"}, Labels([]element.Element{el}))
}
