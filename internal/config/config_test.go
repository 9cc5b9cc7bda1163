package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "experiment": "kaist-urban-01",
  "sensors": [
    {"name": "gps", "kind": "gps", "source": {"path": "gps.csv", "ranges": [{"column": 0, "min": -90, "max": 90}]}},
    {"name": "imu", "kind": "imu", "source": {"path": "/data/imu.csv", "header": true}}
  ],
  "configured_sensors": ["gps", "imu"],
  "priority": ["imu"],
  "pipeline": {
    "chunk_cap_bytes": 1024,
    "batch_cap_bytes": 8192,
    "queue_depth": 1,
    "permissible_memory_percent": 75,
    "recheck_interval": "50ms"
  }
}`

const sampleYAML = `
experiment: kaist-urban-01
sensors:
  - name: lidar
    kind: lidar_3d
    params:
      num_channels: 4
      max_range: 80
    source:
      path: velodyne
      format: lidar_bin
pipeline:
  probe_ttl: 20ms
`

func TestLoad_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "kaist-urban-01", cfg.Experiment)
	require.Len(t, cfg.Sensors, 2)
	assert.Equal(t, filepath.Join(dir, "gps.csv"), cfg.Sensors[0].Source.Path, "relative paths resolve against the config dir")
	assert.Equal(t, "/data/imu.csv", cfg.Sensors[1].Source.Path)
	assert.True(t, cfg.Sensors[1].Source.Header)
	assert.Equal(t, []string{"imu"}, cfg.Priority)

	p := cfg.Pipeline
	assert.Equal(t, int64(1024), p.GetChunkCapBytes())
	assert.Equal(t, int64(8192), p.GetBatchCapBytes())
	assert.Equal(t, 1, p.GetQueueDepth())
	assert.Equal(t, 75.0, p.GetPermissibleMemoryPercent())
	assert.Equal(t, 50*time.Millisecond, p.GetRecheckInterval())
	assert.Equal(t, DefaultProbeTTL, p.GetProbeTTL())

	s, ok := cfg.Sensor("gps")
	require.True(t, ok)
	require.Len(t, s.Source.Ranges, 1)
	assert.Equal(t, 90.0, *s.Source.Ranges[0].Max)
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Sensors, 1)
	lidar := cfg.Sensors[0]
	assert.Equal(t, "lidar_3d", lidar.Kind)
	assert.Equal(t, "lidar_bin", lidar.Source.Format)
	assert.Equal(t, filepath.Join(dir, "velodyne"), lidar.Source.Path)
	require.NotNil(t, lidar.Params.NumChannels)
	assert.Equal(t, 4, *lidar.Params.NumChannels)
	assert.Equal(t, 20*time.Millisecond, cfg.Pipeline.GetProbeTTL())
}

func TestLoad_SerialPathKept(t *testing.T) {
	cfg, err := Parse([]byte(`{"sensors":[{"name":"gnss","kind":"gps","source":{"format":"nmea","path":"serial:///dev/ttyUSB0","baud_rate":9600}}]}`), ".json")
	require.NoError(t, err)
	assert.Equal(t, "serial:///dev/ttyUSB0", cfg.Sensors[0].Source.Path)
	assert.Equal(t, 9600, cfg.Sensors[0].Source.BaudRate)
}

func TestLoad_Rejects(t *testing.T) {
	dir := t.TempDir()

	t.Run("extension", func(t *testing.T) {
		path := filepath.Join(dir, "run.toml")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.json"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("too large", func(t *testing.T) {
		path := filepath.Join(dir, "large.json")
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat(" ", maxFileSize+1)), 0o644))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("bad json", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestValidate(t *testing.T) {
	sensor := SensorConfig{Name: "imu", Kind: "imu", Source: SourceConfig{Path: "imu.csv"}}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{Sensors: []SensorConfig{sensor}}},
		{name: "no sensors", cfg: Config{}, wantErr: true},
		{name: "unnamed sensor", cfg: Config{Sensors: []SensorConfig{{Kind: "imu", Source: SourceConfig{Path: "x"}}}}, wantErr: true},
		{name: "no kind", cfg: Config{Sensors: []SensorConfig{{Name: "imu", Source: SourceConfig{Path: "x"}}}}, wantErr: true},
		{name: "no path", cfg: Config{Sensors: []SensorConfig{{Name: "imu", Kind: "imu"}}}, wantErr: true},
		{
			name: "inverted range",
			cfg: Config{Sensors: []SensorConfig{{Name: "imu", Kind: "imu", Source: SourceConfig{
				Path: "x", Ranges: []RangeConfig{{Column: 0, Min: Ptr(2.0), Max: Ptr(1.0)}},
			}}}},
			wantErr: true,
		},
		{name: "zero chunk cap", cfg: Config{Sensors: []SensorConfig{sensor}, Pipeline: PipelineConfig{ChunkCapBytes: Ptr(int64(0))}}, wantErr: true},
		{name: "negative batch cap", cfg: Config{Sensors: []SensorConfig{sensor}, Pipeline: PipelineConfig{BatchCapBytes: Ptr(int64(-1))}}, wantErr: true},
		{name: "chunk above batch", cfg: Config{Sensors: []SensorConfig{sensor}, Pipeline: PipelineConfig{ChunkCapBytes: Ptr(int64(10)), BatchCapBytes: Ptr(int64(5))}}, wantErr: true},
		{name: "queue depth 3", cfg: Config{Sensors: []SensorConfig{sensor}, Pipeline: PipelineConfig{QueueDepth: Ptr(3)}}, wantErr: true},
		{name: "permissible zero", cfg: Config{Sensors: []SensorConfig{sensor}, Pipeline: PipelineConfig{PermissibleMemoryPercent: Ptr(0.0)}}, wantErr: true},
		{name: "permissible 100", cfg: Config{Sensors: []SensorConfig{sensor}, Pipeline: PipelineConfig{PermissibleMemoryPercent: Ptr(100.0)}}},
		{name: "bad interval", cfg: Config{Sensors: []SensorConfig{sensor}, Pipeline: PipelineConfig{RecheckInterval: Ptr("soon")}}, wantErr: true},
		{name: "negative ttl", cfg: Config{Sensors: []SensorConfig{sensor}, Pipeline: PipelineConfig{ProbeTTL: Ptr("-1s")}}, wantErr: true},
		{name: "window", cfg: Config{Sensors: []SensorConfig{sensor}, Pipeline: PipelineConfig{Window: &WindowConfig{Start: Ptr(int64(5)), Stop: Ptr(int64(5))}}}},
		{name: "open window", cfg: Config{Sensors: []SensorConfig{sensor}, Pipeline: PipelineConfig{Window: &WindowConfig{Stop: Ptr(int64(-5))}}}},
		{name: "inverted window", cfg: Config{Sensors: []SensorConfig{sensor}, Pipeline: PipelineConfig{Window: &WindowConfig{Start: Ptr(int64(6)), Stop: Ptr(int64(5))}}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrConfiguration))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestGetterDefaults(t *testing.T) {
	var p PipelineConfig
	assert.Equal(t, DefaultChunkCapBytes, p.GetChunkCapBytes())
	assert.Equal(t, DefaultBatchCapBytes, p.GetBatchCapBytes())
	assert.Equal(t, DefaultQueueDepth, p.GetQueueDepth())
	assert.Equal(t, DefaultPermissibleMemoryPercent, p.GetPermissibleMemoryPercent())
	assert.Equal(t, DefaultRecheckInterval, p.GetRecheckInterval())
	assert.Equal(t, DefaultProbeTTL, p.GetProbeTTL())

	p.RecheckInterval = Ptr("garbage")
	assert.Equal(t, DefaultRecheckInterval, p.GetRecheckInterval(), "parse errors fall back to the default")
}

func TestWindowConfig_Bounds(t *testing.T) {
	var none *WindowConfig
	start, stop := none.Bounds()
	assert.Equal(t, int64(math.MinInt64), start)
	assert.Equal(t, int64(math.MaxInt64), stop)

	start, stop = (&WindowConfig{Start: Ptr(int64(100))}).Bounds()
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(math.MaxInt64), stop)

	cfg, err := Parse([]byte(`
sensors:
  - {name: imu, kind: imu, source: {path: imu.csv}}
pipeline:
  window: {start_ns: 500000000, stop_ns: 1500000000}
`), ".yaml")
	require.NoError(t, err)
	start, stop = cfg.Pipeline.Window.Bounds()
	assert.Equal(t, int64(500_000_000), start)
	assert.Equal(t, int64(1_500_000_000), stop)
}
