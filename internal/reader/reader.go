// Package reader decodes raw sensor sources into elements. Each supported
// (sensor kind, format) pair has one constructor in a fixed registry.
//
// A Reader yields elements lazily in source order. Next returns:
//   - an element and nil;
//   - a *filter.Rejection for a record screened out before decoding;
//   - a *DecodeError for a malformed record (both are skip-and-count);
//   - a *SourceError when the source fails, after which the stream ends;
//   - io.EOF once the source is exhausted.
package reader

import (
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/filter"
	"github.com/banshee-data/slamfeed/internal/fsutil"
	"github.com/banshee-data/slamfeed/internal/sensors"
	"github.com/banshee-data/slamfeed/internal/stopping"
	"github.com/banshee-data/slamfeed/internal/timeutil"
)

// Reader is a single-pass element source.
type Reader interface {
	Next() (element.Element, error)
	Close() error
}

// Opener opens a reader. Open failures are returned as *SourceError.
type Opener func() (Reader, error)

// Format names an on-disk or on-wire layout.
type Format string

const (
	FormatCSV      Format = "csv"
	FormatNMEA     Format = "nmea"
	FormatLidarBin Format = "lidar_bin"
	FormatPCAP     Format = "pcap"
	FormatImages   Format = "images"
)

// Env carries the collaborators readers need. Zero fields get production
// defaults.
type Env struct {
	FS         fsutil.FileSystem
	Clock      timeutil.Clock
	Stop       *stopping.Criterion
	OpenSerial SerialOpener

	// Window, when set, limits every reader to records stamped inside it.
	Window *config.WindowConfig
}

func (e Env) withDefaults() Env {
	if e.FS == nil {
		e.FS = fsutil.OSFileSystem{}
	}
	if e.Clock == nil {
		e.Clock = timeutil.RealClock{}
	}
	if e.OpenSerial == nil {
		e.OpenSerial = OpenSerialPort
	}
	return e
}

type key struct {
	kind   sensors.Kind
	format Format
}

type constructor func(env Env, s *sensors.Sensor, src config.SourceConfig) (Reader, error)

var registry = map[key]constructor{}

var defaultFormats = map[sensors.Kind]Format{
	sensors.KindIMU:             FormatCSV,
	sensors.KindFOG:             FormatCSV,
	sensors.KindEncoder:         FormatCSV,
	sensors.KindAltimeter:       FormatCSV,
	sensors.KindGPS:             FormatCSV,
	sensors.KindVRSGPS:          FormatCSV,
	sensors.KindUWB:             FormatCSV,
	sensors.KindLidar2D:         FormatLidarBin,
	sensors.KindLidar3D:         FormatLidarBin,
	sensors.KindStereoCamera:    FormatImages,
	sensors.KindMonocularCamera: FormatImages,
}

func init() {
	for kind := range csvSchemas {
		registry[key{kind, FormatCSV}] = newCSVReader
	}
	registry[key{sensors.KindGPS, FormatNMEA}] = newNMEAReader
	registry[key{sensors.KindVRSGPS, FormatNMEA}] = newNMEAReader
	registry[key{sensors.KindLidar2D, FormatLidarBin}] = newLidarBinReader
	registry[key{sensors.KindLidar3D, FormatLidarBin}] = newLidarBinReader
	registry[key{sensors.KindLidar3D, FormatPCAP}] = newPCAPReader
	registry[key{sensors.KindStereoCamera, FormatImages}] = newImageReader
	registry[key{sensors.KindMonocularCamera, FormatImages}] = newImageReader
}

// DefaultFormat returns the format used when a source names none.
func DefaultFormat(kind sensors.Kind) Format {
	return defaultFormats[kind]
}

// Supports reports whether a reader exists for kind and format.
func Supports(kind sensors.Kind, format Format) bool {
	_, ok := registry[key{kind, format}]
	return ok
}

// Formats lists the formats registered for kind, sorted.
func Formats(kind sensors.Kind) []Format {
	var out []Format
	for k := range registry {
		if k.kind == kind {
			out = append(out, k.format)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewOpener resolves the reader for s at setup time. An unsupported format
// is a configuration error; the returned Opener defers touching the source
// until the stream starts.
func NewOpener(env Env, s *sensors.Sensor, src config.SourceConfig) (Opener, error) {
	format := Format(strings.ToLower(src.Format))
	if format == "" {
		format = DefaultFormat(s.Kind())
	}
	build, ok := registry[key{s.Kind(), format}]
	if !ok {
		return nil, fmt.Errorf("%w: sensor %q: no %q reader for kind %s (supported: %v)",
			config.ErrConfiguration, s.Name(), format, s.Kind(), Formats(s.Kind()))
	}

	env = env.withDefaults()
	return func() (Reader, error) {
		r, err := build(env, s, src)
		if err != nil {
			return nil, sourceErr(s.Name(), src.Path, err)
		}
		if env.Window != nil {
			r = newWindowed(r, env.Window)
		}
		return r, nil
	}, nil
}

// rangeFilters turns configured column bounds into filters.
func rangeFilters(ranges []config.RangeConfig) filter.Chain {
	var c filter.Chain
	for _, r := range ranges {
		c = append(c, filter.Range{Column: r.Column, Min: r.Min, Max: r.Max})
	}
	return c
}
