package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/slamfeed/internal/fsutil"
	"github.com/banshee-data/slamfeed/internal/memory"
	"github.com/banshee-data/slamfeed/internal/reader"
	"github.com/banshee-data/slamfeed/internal/stopping"
	"github.com/banshee-data/slamfeed/internal/timeutil"
)

type options struct {
	analyzer   memory.Analyzer
	clock      timeutil.Clock
	fs         fsutil.FileSystem
	registry   prometheus.Registerer
	stop       *stopping.Criterion
	openSerial reader.SerialOpener
}

// Option customises a Pipeline.
type Option func(*options)

// WithAnalyzer replaces the /proc memory analyzer.
func WithAnalyzer(a memory.Analyzer) Option {
	return func(o *options) { o.analyzer = a }
}

// WithClock replaces the real clock.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithFileSystem replaces the OS filesystem used by readers.
func WithFileSystem(fs fsutil.FileSystem) Option {
	return func(o *options) { o.fs = fs }
}

// WithRegistry registers pipeline metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithStop shares a stopping criterion with the caller.
func WithStop(c *stopping.Criterion) Option {
	return func(o *options) { o.stop = c }
}

// WithSerialOpener replaces the serial port opener used by nmea readers.
func WithSerialOpener(open reader.SerialOpener) Option {
	return func(o *options) { o.openSerial = open }
}
