package reader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/filter"
	"github.com/banshee-data/slamfeed/internal/sensors"
)

// csvSchema describes one kind's text layout: a nanosecond timestamp
// followed by MinValues..MaxValues numeric columns (MaxValues 0 is open).
type csvSchema struct {
	MinValues int
	MaxValues int
	// Location extracts a geodetic fix from the value columns.
	Location func(values []float64) *element.Location
}

func geodetic(lat, lon, alt int) func([]float64) *element.Location {
	return func(v []float64) *element.Location {
		return &element.Location{Frame: element.FrameGeodetic, Position: [3]float64{v[lat], v[lon], v[alt]}}
	}
}

// Layouts follow the KAIST urban dataset sensor_data files.
var csvSchemas = map[sensors.Kind]csvSchema{
	sensors.KindIMU:       {MinValues: 6, MaxValues: 16},
	sensors.KindFOG:       {MinValues: 3, MaxValues: 3},
	sensors.KindEncoder:   {MinValues: 2, MaxValues: 2},
	sensors.KindAltimeter: {MinValues: 1, MaxValues: 1},
	sensors.KindGPS:       {MinValues: 3, MaxValues: 12, Location: geodetic(0, 1, 2)},
	sensors.KindVRSGPS:    {MinValues: 5, MaxValues: 16, Location: geodetic(0, 1, 4)},
	sensors.KindUWB:       {MinValues: 1},
}

type csvReader struct {
	sensor  *sensors.Sensor
	schema  csvSchema
	path    string
	file    io.Closer
	csv     *csv.Reader
	filters filter.Chain
	header  bool
	index   int
}

func newCSVReader(env Env, s *sensors.Sensor, src config.SourceConfig) (Reader, error) {
	schema := csvSchemas[s.Kind()]

	comma := ','
	if src.Delimiter != "" {
		r, size := utf8.DecodeRuneInString(src.Delimiter)
		if size != len(src.Delimiter) || r == '"' || r == '\r' || r == '\n' {
			return nil, fmt.Errorf("invalid delimiter %q", src.Delimiter)
		}
		comma = r
	}

	f, err := env.FS.Open(src.Path)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(f)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	maxFields := 0
	if schema.MaxValues > 0 {
		maxFields = 1 + schema.MaxValues
	}
	chain := filter.Chain{
		filter.FieldCount{Min: 1 + schema.MinValues, Max: maxFields},
		filter.Numeric{},
	}
	chain = append(chain, rangeFilters(src.Ranges)...)
	chain = append(chain, &filter.Monotonic{AllowDuplicates: src.AllowDuplicates})

	return &csvReader{
		sensor:  s,
		schema:  schema,
		path:    src.Path,
		file:    f,
		csv:     cr,
		filters: chain,
		header:  src.Header,
	}, nil
}

func (r *csvReader) Next() (element.Element, error) {
	fields, err := r.read()
	if err != nil {
		return element.Element{}, err
	}

	rec := filter.Record{Index: r.index, Fields: fields}
	r.index++
	if err := r.filters.Check(rec); err != nil {
		return element.Element{}, err
	}
	return r.decode(rec)
}

func (r *csvReader) read() ([]string, error) {
	for {
		fields, err := r.csv.Read()
		if err != nil {
			var pe *csv.ParseError
			switch {
			case errors.Is(err, io.EOF):
				return nil, io.EOF
			case errors.As(err, &pe):
				idx := r.index
				r.index++
				return nil, &DecodeError{Sensor: r.sensor.Name(), Index: idx, Err: err}
			default:
				return nil, sourceErr(r.sensor.Name(), r.path, err)
			}
		}
		if r.header {
			r.header = false
			continue
		}
		return fields, nil
	}
}

func (r *csvReader) decode(rec filter.Record) (element.Element, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(rec.Fields[0]), 10, 64)
	if err != nil {
		return element.Element{}, decodeErr(r.sensor.Name(), rec.Index, "timestamp: %v", err)
	}
	values := make([]float64, len(rec.Fields)-1)
	for i, f := range rec.Fields[1:] {
		if values[i], err = strconv.ParseFloat(strings.TrimSpace(f), 64); err != nil {
			return element.Element{}, decodeErr(r.sensor.Name(), rec.Index, "value %d: %v", i, err)
		}
	}

	var loc *element.Location
	if r.schema.Location != nil {
		loc = r.schema.Location(values)
	}
	return element.New(ts, element.NewMeasurement(r.sensor, values, nil), loc), nil
}

func (r *csvReader) Close() error {
	return r.file.Close()
}
