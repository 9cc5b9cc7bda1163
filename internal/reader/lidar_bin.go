package reader

import (
	"io"
	"path/filepath"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/filter"
	"github.com/banshee-data/slamfeed/internal/fsutil"
	"github.com/banshee-data/slamfeed/internal/sensors"
)

const float32Bytes = 4

// lidarBinReader walks a directory of <timestamp>.bin scans. Each scan is
// little-endian float32 points of NumChannels floats; the raw bytes become
// the payload and the point count the single value.
type lidarBinReader struct {
	sensor  *sensors.Sensor
	fs      fsutil.FileSystem
	dir     string
	files   []stampedFile
	stride  int
	filters filter.Chain
	index   int
}

func newLidarBinReader(env Env, s *sensors.Sensor, src config.SourceConfig) (Reader, error) {
	lp, _ := s.Lidar()
	files, err := listStamped(env.FS, src.Path, ".bin")
	if err != nil {
		return nil, err
	}
	stride := lp.NumChannels * float32Bytes
	return &lidarBinReader{
		sensor: s,
		fs:     env.FS,
		dir:    src.Path,
		files:  files,
		stride: stride,
		filters: filter.Chain{
			filter.Numeric{},
			filter.MinPayload{Bytes: stride},
			&filter.Monotonic{AllowDuplicates: src.AllowDuplicates},
		},
	}, nil
}

func (r *lidarBinReader) Next() (element.Element, error) {
	if r.index >= len(r.files) {
		return element.Element{}, io.EOF
	}
	f := r.files[r.index]
	rec := filter.Record{Index: r.index, Fields: []string{f.stem}, Timestamp: f.ts}
	r.index++

	data, err := r.fs.ReadFile(filepath.Join(r.dir, f.stem+".bin"))
	if err != nil {
		return element.Element{}, sourceErr(r.sensor.Name(), r.dir, err)
	}
	rec.Payload = data

	if err := r.filters.Check(rec); err != nil {
		return element.Element{}, err
	}
	if len(data)%r.stride != 0 {
		return element.Element{}, decodeErr(r.sensor.Name(), rec.Index, "%d bytes is not a multiple of the %d-byte point stride", len(data), r.stride)
	}

	points := float64(len(data) / r.stride)
	return element.New(f.ts, element.NewMeasurement(r.sensor, []float64{points}, data), nil), nil
}

func (r *lidarBinReader) Close() error { return nil }
