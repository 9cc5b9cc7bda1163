package sensors

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slamfeed/internal/config"
)

const (
	tfTolerance    = 1e-6
	symTolerance   = 1e-12
	eigenTolerance = 1e-12
)

// Default IMU noise variances, applied on the diagonal.
const (
	DefaultAccelerometerNoise     = 1e-3
	DefaultGyroscopeNoise         = 1e-3
	DefaultAccelerometerBiasNoise = 1e-5
	DefaultGyroscopeBiasNoise     = 1e-5
	DefaultIntegrationNoise       = 1e-7
)

// Default lidar geometry.
const (
	DefaultLidarMaxRange      = 100.0
	DefaultLidarMinRange      = 0.0
	DefaultLidarFOV           = 360.0
	DefaultLidar3DNumChannels = 4
	DefaultLidar2DNumChannels = 1
)

// BuildSensor validates p for kind and returns the immutable sensor.
// Failures wrap ErrInvalidSensorParams and config.ErrConfiguration.
func BuildSensor(name string, kind Kind, p config.SensorParams) (*Sensor, error) {
	if name == "" {
		return nil, invalid(name, "name is required")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %w: sensor %q has kind %d", config.ErrConfiguration, ErrUnknownSensorKind, name, int(kind))
	}

	tf, err := buildTransform(p.TFBaseSensor)
	if err != nil {
		return nil, invalid(name, "tf_base_sensor: %v", err)
	}
	s := &Sensor{name: name, kind: kind, tf: tf}

	switch {
	case kind == KindIMU:
		s.imu, err = buildIMUNoise(p)
	case kind.IsLidar():
		s.lidar, err = buildLidar(kind, p)
	case kind.IsCamera():
		s.camera, err = buildCamera(kind, p)
	case kind.IsGNSS():
		s.posCovar, err = buildPositionCovariance(p.PositionCovariance)
	}
	if err != nil {
		return nil, invalid(name, "%v", err)
	}
	return s, nil
}

func invalid(name, format string, args ...any) error {
	return fmt.Errorf("%w: %w: sensor %q: %s", config.ErrConfiguration, ErrInvalidSensorParams, name, fmt.Sprintf(format, args...))
}

// buildTransform checks that v is a rigid SE(3) transform in row-major
// order. An empty slice yields identity.
func buildTransform(v []float64) (*mat.Dense, error) {
	if len(v) == 0 {
		return identity(4), nil
	}
	if len(v) != 16 {
		return nil, fmt.Errorf("need 16 values, got %d", len(v))
	}
	if err := finite(v); err != nil {
		return nil, err
	}
	tf := mat.NewDense(4, 4, append([]float64(nil), v...))

	bottom := mat.Row(nil, 3, tf)
	if !mat.EqualApprox(mat.NewVecDense(4, bottom), mat.NewVecDense(4, []float64{0, 0, 0, 1}), tfTolerance) {
		return nil, fmt.Errorf("bottom row must be [0 0 0 1], got %v", bottom)
	}

	r := tf.Slice(0, 3, 0, 3)
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	if !mat.EqualApprox(&rtr, identity(3), tfTolerance) {
		return nil, fmt.Errorf("rotation block is not orthonormal")
	}
	if det := mat.Det(r); math.Abs(det-1) > tfTolerance {
		return nil, fmt.Errorf("rotation determinant must be +1, got %g", det)
	}
	return tf, nil
}

func buildIMUNoise(p config.SensorParams) (*IMUNoise, error) {
	var (
		n   IMUNoise
		err error
	)
	fields := []struct {
		name string
		raw  []float64
		def  float64
		dst  **mat.SymDense
	}{
		{"accelerometer_noise", p.AccelerometerNoise, DefaultAccelerometerNoise, &n.Accelerometer},
		{"gyroscope_noise", p.GyroscopeNoise, DefaultGyroscopeNoise, &n.Gyroscope},
		{"accelerometer_bias_noise", p.AccelerometerBiasNoise, DefaultAccelerometerBiasNoise, &n.AccelerometerBias},
		{"gyroscope_bias_noise", p.GyroscopeBiasNoise, DefaultGyroscopeBiasNoise, &n.GyroscopeBias},
		{"integration_noise", p.IntegrationNoise, DefaultIntegrationNoise, &n.Integration},
	}
	for _, f := range fields {
		raw := f.raw
		if len(raw) == 0 {
			raw = []float64{f.def, f.def, f.def}
		}
		if *f.dst, err = buildCovariance(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return &n, nil
}

// buildCovariance accepts 3 diagonal entries or a full row-major 3x3 and
// checks the result is symmetric positive semi-definite.
func buildCovariance(v []float64) (*mat.SymDense, error) {
	if err := finite(v); err != nil {
		return nil, err
	}
	var data []float64
	switch len(v) {
	case 3:
		data = []float64{v[0], 0, 0, 0, v[1], 0, 0, 0, v[2]}
	case 9:
		for i := 0; i < 3; i++ {
			for j := i + 1; j < 3; j++ {
				if math.Abs(v[i*3+j]-v[j*3+i]) > symTolerance {
					return nil, fmt.Errorf("covariance is not symmetric at (%d,%d)", i, j)
				}
			}
		}
		data = append([]float64(nil), v...)
	default:
		return nil, fmt.Errorf("need 3 or 9 values, got %d", len(v))
	}

	sym := mat.NewSymDense(3, data)
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return nil, fmt.Errorf("eigen decomposition failed")
	}
	for _, ev := range eig.Values(nil) {
		if ev < -eigenTolerance {
			return nil, fmt.Errorf("covariance is not positive semi-definite (eigenvalue %g)", ev)
		}
	}
	return sym, nil
}

func buildLidar(kind Kind, p config.SensorParams) (*LidarParams, error) {
	l := &LidarParams{
		MinRange:    DefaultLidarMinRange,
		MaxRange:    DefaultLidarMaxRange,
		FOV:         DefaultLidarFOV,
		NumChannels: DefaultLidar3DNumChannels,
	}
	if kind == KindLidar2D {
		l.NumChannels = DefaultLidar2DNumChannels
	}
	if p.MinRange != nil {
		l.MinRange = *p.MinRange
	}
	if p.MaxRange != nil {
		l.MaxRange = *p.MaxRange
	}
	if p.FOV != nil {
		l.FOV = *p.FOV
	}
	if p.NumChannels != nil {
		l.NumChannels = *p.NumChannels
	}

	switch {
	case l.MinRange < 0 || l.MinRange >= l.MaxRange:
		return nil, fmt.Errorf("need 0 <= min_range < max_range, got %g and %g", l.MinRange, l.MaxRange)
	case l.FOV <= 0 || l.FOV > 360:
		return nil, fmt.Errorf("fov must be in (0, 360], got %g", l.FOV)
	case l.NumChannels < 1:
		return nil, fmt.Errorf("num_channels must be at least 1, got %d", l.NumChannels)
	}
	return l, nil
}

func buildCamera(kind Kind, p config.SensorParams) (*CameraParams, error) {
	if p.Width == nil || *p.Width <= 0 {
		return nil, fmt.Errorf("width must be positive")
	}
	if p.Height == nil || *p.Height <= 0 {
		return nil, fmt.Errorf("height must be positive")
	}
	c := &CameraParams{Width: *p.Width, Height: *p.Height}

	var err error
	if c.Matrix, err = buildIntrinsics(p.CameraMatrix); err != nil {
		return nil, fmt.Errorf("camera_matrix: %w", err)
	}
	if kind == KindStereoCamera {
		if c.RightMatrix, err = buildIntrinsics(p.RightCameraMatrix); err != nil {
			return nil, fmt.Errorf("right_camera_matrix: %w", err)
		}
	}
	return c, nil
}

// buildIntrinsics checks a pinhole camera matrix [fx s cx; 0 fy cy; 0 0 1].
func buildIntrinsics(v []float64) (*mat.Dense, error) {
	if len(v) != 9 {
		return nil, fmt.Errorf("need 9 values, got %d", len(v))
	}
	if err := finite(v); err != nil {
		return nil, err
	}
	k := mat.NewDense(3, 3, append([]float64(nil), v...))
	if k.At(0, 0) <= 0 || k.At(1, 1) <= 0 {
		return nil, fmt.Errorf("focal lengths must be positive")
	}
	if k.At(1, 0) != 0 || k.At(2, 0) != 0 || k.At(2, 1) != 0 || k.At(2, 2) != 1 {
		return nil, fmt.Errorf("not an upper-triangular intrinsics matrix with K[2][2] = 1")
	}
	return k, nil
}

func buildPositionCovariance(v []float64) ([]float64, error) {
	if len(v) == 0 {
		return nil, nil
	}
	if len(v) != 3 {
		return nil, fmt.Errorf("position_covariance: need 3 values, got %d", len(v))
	}
	if err := finite(v); err != nil {
		return nil, fmt.Errorf("position_covariance: %w", err)
	}
	for _, x := range v {
		if x < 0 {
			return nil, fmt.Errorf("position_covariance: variances must be non-negative, got %g", x)
		}
	}
	return append([]float64(nil), v...), nil
}

func finite(v []float64) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("value %d is not finite", i)
		}
	}
	return nil
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
