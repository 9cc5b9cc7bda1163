package reader

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/filter"
	"github.com/banshee-data/slamfeed/internal/sensors"
	"github.com/banshee-data/slamfeed/internal/timeutil"
)

// nmeaReader decodes GGA fixes. Lines may carry a "<timestamp_ns>," prefix
// written by a logger; bare sentences are stamped on arrival.
type nmeaReader struct {
	sensor  *sensors.Sensor
	path    string
	src     io.ReadCloser
	scan    *bufio.Scanner
	clock   timeutil.Clock
	filters filter.Chain
	index   int
}

func newNMEAReader(env Env, s *sensors.Sensor, src config.SourceConfig) (Reader, error) {
	var rc io.ReadCloser
	if strings.HasPrefix(src.Path, SerialScheme) {
		ss, err := openSerialSource(env, src.Path, src)
		if err != nil {
			return nil, err
		}
		rc = ss
	} else {
		f, err := env.FS.Open(src.Path)
		if err != nil {
			return nil, err
		}
		rc = f
	}

	return &nmeaReader{
		sensor: s,
		path:   src.Path,
		src:    rc,
		scan:   bufio.NewScanner(rc),
		clock:  env.Clock,
		filters: filter.Chain{
			filter.NMEAChecksum{},
			filter.NMEASentence{Types: []string{"GGA"}},
			&filter.Monotonic{AllowDuplicates: src.AllowDuplicates},
		},
	}, nil
}

func (r *nmeaReader) Next() (element.Element, error) {
	var line string
	for {
		if !r.scan.Scan() {
			if err := r.scan.Err(); err != nil {
				return element.Element{}, sourceErr(r.sensor.Name(), r.path, err)
			}
			return element.Element{}, io.EOF
		}
		line = strings.TrimSpace(r.scan.Text())
		if line != "" {
			break
		}
	}

	rec := filter.Record{Index: r.index, Raw: line}
	r.index++

	if prefix, rest, ok := strings.Cut(line, ","); ok && !strings.HasPrefix(line, "$") {
		ts, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			return element.Element{}, &filter.Rejection{Reason: filter.ReasonNotNumeric, Index: rec.Index, Detail: fmt.Sprintf("timestamp %q", prefix)}
		}
		rec.Raw, rec.Timestamp = rest, ts
	} else {
		rec.Timestamp = r.clock.Now().UnixNano()
	}

	if err := r.filters.Check(rec); err != nil {
		return element.Element{}, err
	}

	values, loc, err := decodeGGA(rec.Raw)
	if err != nil {
		return element.Element{}, &DecodeError{Sensor: r.sensor.Name(), Index: rec.Index, Err: err}
	}
	return element.New(rec.Timestamp, element.NewMeasurement(r.sensor, values, nil), loc), nil
}

func (r *nmeaReader) Close() error {
	return r.src.Close()
}

// decodeGGA returns [lat, lon, alt, fix quality, satellites, hdop] and the
// geodetic fix of a checksummed GGA sentence.
func decodeGGA(line string) ([]float64, *element.Location, error) {
	body, _, ok := filter.SplitNMEA(line)
	if !ok {
		return nil, nil, fmt.Errorf("malformed sentence")
	}
	f := strings.Split(body, ",")
	if len(f) < 10 {
		return nil, nil, fmt.Errorf("GGA has %d fields, want at least 10", len(f))
	}

	quality, err := strconv.Atoi(f[6])
	if err != nil {
		return nil, nil, fmt.Errorf("fix quality %q", f[6])
	}
	if quality == 0 {
		return nil, nil, fmt.Errorf("no fix")
	}
	lat, err := nmeaDegrees(f[2], f[3], 2)
	if err != nil {
		return nil, nil, fmt.Errorf("latitude: %w", err)
	}
	lon, err := nmeaDegrees(f[4], f[5], 3)
	if err != nil {
		return nil, nil, fmt.Errorf("longitude: %w", err)
	}
	sats, err := strconv.Atoi(f[7])
	if err != nil {
		return nil, nil, fmt.Errorf("satellites %q", f[7])
	}
	hdop, err := strconv.ParseFloat(f[8], 64)
	if err != nil {
		return nil, nil, fmt.Errorf("hdop %q", f[8])
	}
	alt, err := strconv.ParseFloat(f[9], 64)
	if err != nil {
		return nil, nil, fmt.Errorf("altitude %q", f[9])
	}

	values := []float64{lat, lon, alt, float64(quality), float64(sats), hdop}
	loc := &element.Location{Frame: element.FrameGeodetic, Position: [3]float64{lat, lon, alt}}
	return values, loc, nil
}

// nmeaDegrees converts (d)ddmm.mmmm plus hemisphere into signed degrees.
func nmeaDegrees(v, hemi string, degDigits int) (float64, error) {
	if len(v) < degDigits+2 {
		return 0, fmt.Errorf("value %q too short", v)
	}
	deg, err := strconv.Atoi(v[:degDigits])
	if err != nil {
		return 0, fmt.Errorf("degrees %q", v)
	}
	minutes, err := strconv.ParseFloat(v[degDigits:], 64)
	if err != nil || minutes >= 60 {
		return 0, fmt.Errorf("minutes %q", v)
	}
	out := float64(deg) + minutes/60
	switch hemi {
	case "N", "E":
	case "S", "W":
		out = -out
	default:
		return 0, fmt.Errorf("hemisphere %q", hemi)
	}
	return out, nil
}
