package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks every setup failure: unknown or mismatched sensor
// sets, invalid parameters and unusable pipeline settings. It is fatal before
// ingestion starts.
var ErrConfiguration = errors.New("configuration error")

// Defaults used by the Get* accessors when a field is omitted.
const (
	DefaultChunkCapBytes            int64   = 4 << 20
	DefaultBatchCapBytes            int64   = 64 << 20
	DefaultQueueDepth                       = 2
	DefaultPermissibleMemoryPercent float64 = 80
	DefaultRecheckInterval                  = 250 * time.Millisecond
	DefaultProbeTTL                         = 100 * time.Millisecond
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the validated run configuration handed to the pipeline.
// Fields omitted from the file fall back to the defaults above.
type Config struct {
	// Experiment names the run in logs and the run ledger.
	Experiment string `json:"experiment,omitempty" yaml:"experiment,omitempty"`

	// Sensors declares every sensor usable by this configuration.
	Sensors []SensorConfig `json:"sensors" yaml:"sensors"`

	// Configured is the experiment's sensor set. Empty means all declared.
	Configured []string `json:"configured_sensors,omitempty" yaml:"configured_sensors,omitempty"`

	// Priority orders sensors on equal timestamps, highest first.
	Priority []string `json:"priority,omitempty" yaml:"priority,omitempty"`

	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
}

// PipelineConfig holds the memory and batching settings.
type PipelineConfig struct {
	ChunkCapBytes            *int64   `json:"chunk_cap_bytes,omitempty" yaml:"chunk_cap_bytes,omitempty"`
	BatchCapBytes            *int64   `json:"batch_cap_bytes,omitempty" yaml:"batch_cap_bytes,omitempty"`
	QueueDepth               *int     `json:"queue_depth,omitempty" yaml:"queue_depth,omitempty"`
	PermissibleMemoryPercent *float64 `json:"permissible_memory_percent,omitempty" yaml:"permissible_memory_percent,omitempty"`
	RecheckInterval          *string  `json:"recheck_interval,omitempty" yaml:"recheck_interval,omitempty"` // duration string like "250ms"
	ProbeTTL                 *string  `json:"probe_ttl,omitempty" yaml:"probe_ttl,omitempty"`

	// Window limits every stream to records stamped within it. Nil reads
	// whole sources.
	Window *WindowConfig `json:"window,omitempty" yaml:"window,omitempty"`
}

// WindowConfig is an inclusive timestamp range in nanoseconds. A nil bound
// is open.
type WindowConfig struct {
	Start *int64 `json:"start_ns,omitempty" yaml:"start_ns,omitempty"`
	Stop  *int64 `json:"stop_ns,omitempty" yaml:"stop_ns,omitempty"`
}

// Bounds returns the window with open ends widened to the int64 range.
func (w *WindowConfig) Bounds() (start, stop int64) {
	start, stop = math.MinInt64, math.MaxInt64
	if w == nil {
		return start, stop
	}
	if w.Start != nil {
		start = *w.Start
	}
	if w.Stop != nil {
		stop = *w.Stop
	}
	return start, stop
}

// SensorConfig declares one sensor and where its data comes from.
type SensorConfig struct {
	Name   string       `json:"name" yaml:"name"`
	Kind   string       `json:"kind" yaml:"kind"`
	Params SensorParams `json:"params,omitempty" yaml:"params,omitempty"`
	Source SourceConfig `json:"source" yaml:"source"`
}

// SensorParams carries the per-kind parameters. Matrices are row-major;
// 3x3 covariances may also be given as their 3 diagonal entries.
type SensorParams struct {
	TFBaseSensor []float64 `json:"tf_base_sensor,omitempty" yaml:"tf_base_sensor,omitempty"`

	// IMU noise model
	AccelerometerNoise     []float64 `json:"accelerometer_noise,omitempty" yaml:"accelerometer_noise,omitempty"`
	GyroscopeNoise         []float64 `json:"gyroscope_noise,omitempty" yaml:"gyroscope_noise,omitempty"`
	AccelerometerBiasNoise []float64 `json:"accelerometer_bias_noise,omitempty" yaml:"accelerometer_bias_noise,omitempty"`
	GyroscopeBiasNoise     []float64 `json:"gyroscope_bias_noise,omitempty" yaml:"gyroscope_bias_noise,omitempty"`
	IntegrationNoise       []float64 `json:"integration_noise,omitempty" yaml:"integration_noise,omitempty"`

	// GNSS
	PositionCovariance []float64 `json:"position_covariance,omitempty" yaml:"position_covariance,omitempty"`

	// Lidar
	MaxRange    *float64 `json:"max_range,omitempty" yaml:"max_range,omitempty"`
	MinRange    *float64 `json:"min_range,omitempty" yaml:"min_range,omitempty"`
	FOV         *float64 `json:"fov,omitempty" yaml:"fov,omitempty"`
	NumChannels *int     `json:"num_channels,omitempty" yaml:"num_channels,omitempty"`

	// Cameras
	Width             *int      `json:"width,omitempty" yaml:"width,omitempty"`
	Height            *int      `json:"height,omitempty" yaml:"height,omitempty"`
	CameraMatrix      []float64 `json:"camera_matrix,omitempty" yaml:"camera_matrix,omitempty"`
	RightCameraMatrix []float64 `json:"right_camera_matrix,omitempty" yaml:"right_camera_matrix,omitempty"`
}

// SourceConfig locates a sensor's raw input.
type SourceConfig struct {
	// Format selects the reader. Empty uses the kind's default format.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// Path is a file, a directory, or serial://<device> for nmea.
	Path string `json:"path" yaml:"path"`

	Delimiter string `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	Header    bool   `json:"header,omitempty" yaml:"header,omitempty"`

	// AllowDuplicates admits repeated timestamps within one file.
	AllowDuplicates bool `json:"allow_duplicates,omitempty" yaml:"allow_duplicates,omitempty"`

	// Port is the UDP destination port kept by the pcap reader.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Serial port settings for serial:// sources.
	BaudRate int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity   string `json:"parity,omitempty" yaml:"parity,omitempty"`

	// Ranges adds per-column value bounds to the record filters.
	Ranges []RangeConfig `json:"ranges,omitempty" yaml:"ranges,omitempty"`
}

// RangeConfig bounds one value column; column 0 is the first value after the
// timestamp.
type RangeConfig struct {
	Column int      `json:"column" yaml:"column"`
	Min    *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max    *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Load reads a configuration file. The format follows the extension: .json
// or .yaml/.yml. The file must be under 1MB. The result is validated.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("%w: config file must have .json, .yaml or .yml extension, got %q", ErrConfiguration, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrConfiguration, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, ext)
	if err != nil {
		return nil, err
	}

	// Relative source paths resolve against the config file's directory.
	base := filepath.Dir(cleanPath)
	for i := range cfg.Sensors {
		p := cfg.Sensors[i].Source.Path
		if p != "" && !filepath.IsAbs(p) && !strings.Contains(p, "://") {
			cfg.Sensors[i].Source.Path = filepath.Join(base, p)
		}
	}
	return cfg, nil
}

// Parse decodes and validates configuration bytes. ext is ".json", ".yaml"
// or ".yml".
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config JSON: %w", ErrConfiguration, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config YAML: %w", ErrConfiguration, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrConfiguration, ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the pipeline settings and the shape of the sensor
// declarations. Per-kind parameter checks happen when sensors are built.
func (c *Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}

	if len(c.Sensors) == 0 {
		return fmt.Errorf("%w: no sensors declared", ErrConfiguration)
	}
	for i, s := range c.Sensors {
		if s.Name == "" {
			return fmt.Errorf("%w: sensors[%d]: name is required", ErrConfiguration, i)
		}
		if s.Kind == "" {
			return fmt.Errorf("%w: sensor %q: kind is required", ErrConfiguration, s.Name)
		}
		if s.Source.Path == "" {
			return fmt.Errorf("%w: sensor %q: source.path is required", ErrConfiguration, s.Name)
		}
		for _, r := range s.Source.Ranges {
			if r.Column < 0 {
				return fmt.Errorf("%w: sensor %q: range column must be non-negative, got %d", ErrConfiguration, s.Name, r.Column)
			}
			if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
				return fmt.Errorf("%w: sensor %q: range min %g above max %g", ErrConfiguration, s.Name, *r.Min, *r.Max)
			}
		}
	}
	return nil
}

// Validate checks that the pipeline values are usable.
func (p *PipelineConfig) Validate() error {
	if p.ChunkCapBytes != nil && *p.ChunkCapBytes <= 0 {
		return fmt.Errorf("%w: chunk_cap_bytes must be positive, got %d", ErrConfiguration, *p.ChunkCapBytes)
	}
	if p.BatchCapBytes != nil && *p.BatchCapBytes <= 0 {
		return fmt.Errorf("%w: batch_cap_bytes must be positive, got %d", ErrConfiguration, *p.BatchCapBytes)
	}
	if p.GetChunkCapBytes() > p.GetBatchCapBytes() {
		return fmt.Errorf("%w: chunk_cap_bytes %d exceeds batch_cap_bytes %d", ErrConfiguration, p.GetChunkCapBytes(), p.GetBatchCapBytes())
	}
	if p.QueueDepth != nil && (*p.QueueDepth < 1 || *p.QueueDepth > 2) {
		return fmt.Errorf("%w: queue_depth must be 1 or 2, got %d", ErrConfiguration, *p.QueueDepth)
	}
	if p.PermissibleMemoryPercent != nil {
		if v := *p.PermissibleMemoryPercent; v <= 0 || v > 100 {
			return fmt.Errorf("%w: permissible_memory_percent must be in (0, 100], got %g", ErrConfiguration, v)
		}
	}
	if w := p.Window; w != nil && w.Start != nil && w.Stop != nil && *w.Start > *w.Stop {
		return fmt.Errorf("%w: window start_ns %d is after stop_ns %d", ErrConfiguration, *w.Start, *w.Stop)
	}
	if err := validateDuration("recheck_interval", p.RecheckInterval); err != nil {
		return err
	}
	return validateDuration("probe_ttl", p.ProbeTTL)
}

func validateDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%w: invalid %s '%s': %w", ErrConfiguration, name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %s", ErrConfiguration, name, d)
	}
	return nil
}

// GetChunkCapBytes returns the per-chunk byte cap or the default.
func (p *PipelineConfig) GetChunkCapBytes() int64 {
	if p.ChunkCapBytes == nil {
		return DefaultChunkCapBytes
	}
	return *p.ChunkCapBytes
}

// GetBatchCapBytes returns the per-batch byte cap or the default.
func (p *PipelineConfig) GetBatchCapBytes() int64 {
	if p.BatchCapBytes == nil {
		return DefaultBatchCapBytes
	}
	return *p.BatchCapBytes
}

// GetQueueDepth returns the per-stream chunk queue depth or the default.
func (p *PipelineConfig) GetQueueDepth() int {
	if p.QueueDepth == nil {
		return DefaultQueueDepth
	}
	return *p.QueueDepth
}

// GetPermissibleMemoryPercent returns the memory ceiling or the default.
func (p *PipelineConfig) GetPermissibleMemoryPercent() float64 {
	if p.PermissibleMemoryPercent == nil {
		return DefaultPermissibleMemoryPercent
	}
	return *p.PermissibleMemoryPercent
}

// GetRecheckInterval returns the backpressure re-check interval.
func (p *PipelineConfig) GetRecheckInterval() time.Duration {
	return durationOr(p.RecheckInterval, DefaultRecheckInterval)
}

// GetProbeTTL returns how long a memory reading stays fresh.
func (p *PipelineConfig) GetProbeTTL() time.Duration {
	return durationOr(p.ProbeTTL, DefaultProbeTTL)
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// Sensor returns the declaration with the given name.
func (c *Config) Sensor(name string) (SensorConfig, bool) {
	for _, s := range c.Sensors {
		if s.Name == name {
			return s, true
		}
	}
	return SensorConfig{}, false
}

// Ptr returns a pointer to v, for building configs in code.
func Ptr[T any](v T) *T { return &v }
