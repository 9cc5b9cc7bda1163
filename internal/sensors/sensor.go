// Package sensors defines the supported sensor kinds, validates sensor
// parameters and resolves an experiment's sensor set.
package sensors

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUnknownSensorKind is returned for a kind outside the registry.
	ErrUnknownSensorKind = errors.New("unknown sensor kind")

	// ErrSensorSetMismatch is returned when the experiment names a sensor the
	// configuration does not declare.
	ErrSensorSetMismatch = errors.New("sensor set mismatch")

	// ErrInvalidSensorParams is returned for missing or out-of-range parameters.
	ErrInvalidSensorParams = errors.New("invalid sensor parameters")
)

// IMUNoise is the IMU noise model; every matrix is a 3x3 covariance.
type IMUNoise struct {
	Accelerometer     *mat.SymDense
	Gyroscope         *mat.SymDense
	AccelerometerBias *mat.SymDense
	GyroscopeBias     *mat.SymDense
	Integration       *mat.SymDense
}

func (n IMUNoise) clone() IMUNoise {
	return IMUNoise{
		Accelerometer:     cloneSym(n.Accelerometer),
		Gyroscope:         cloneSym(n.Gyroscope),
		AccelerometerBias: cloneSym(n.AccelerometerBias),
		GyroscopeBias:     cloneSym(n.GyroscopeBias),
		Integration:       cloneSym(n.Integration),
	}
}

// LidarParams describes a lidar's scan geometry.
type LidarParams struct {
	MinRange    float64
	MaxRange    float64
	FOV         float64 // degrees
	NumChannels int     // floats per point in the raw scan
}

// CameraParams holds camera intrinsics. RightMatrix is set for stereo only.
type CameraParams struct {
	Width       int
	Height      int
	Matrix      *mat.Dense
	RightMatrix *mat.Dense
}

// Sensor is one configured sensor. It is built once at setup and never
// mutated; identity is the name. Matrix accessors return copies.
type Sensor struct {
	name string
	kind Kind

	tf       *mat.Dense // 4x4 base->sensor transform
	imu      *IMUNoise
	lidar    *LidarParams
	camera   *CameraParams
	posCovar []float64
}

// Name returns the sensor's configured name.
func (s *Sensor) Name() string { return s.name }

// ID is the identity used for equality and map keys.
func (s *Sensor) ID() string { return s.name }

// Kind returns the sensor's kind.
func (s *Sensor) Kind() Kind { return s.kind }

func (s *Sensor) String() string { return s.name + "(" + s.kind.String() + ")" }

// Equal reports whether two sensors share an identity.
func (s *Sensor) Equal(o *Sensor) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.name == o.name
}

// TFBaseSensor returns a copy of the 4x4 base-to-sensor transform.
func (s *Sensor) TFBaseSensor() *mat.Dense {
	return mat.DenseCopyOf(s.tf)
}

// IMUNoise returns a copy of the noise model; ok is false for non-IMU kinds.
func (s *Sensor) IMUNoise() (IMUNoise, bool) {
	if s.imu == nil {
		return IMUNoise{}, false
	}
	return s.imu.clone(), true
}

// Lidar returns the scan geometry; ok is false for non-lidar kinds.
func (s *Sensor) Lidar() (LidarParams, bool) {
	if s.lidar == nil {
		return LidarParams{}, false
	}
	return *s.lidar, true
}

// Camera returns a copy of the intrinsics; ok is false for non-camera kinds.
func (s *Sensor) Camera() (CameraParams, bool) {
	if s.camera == nil {
		return CameraParams{}, false
	}
	c := *s.camera
	c.Matrix = mat.DenseCopyOf(s.camera.Matrix)
	if s.camera.RightMatrix != nil {
		c.RightMatrix = mat.DenseCopyOf(s.camera.RightMatrix)
	}
	return c, true
}

// PositionCovariance returns the GNSS position variances, or nil.
func (s *Sensor) PositionCovariance() []float64 {
	if s.posCovar == nil {
		return nil
	}
	return append([]float64(nil), s.posCovar...)
}

func cloneSym(m *mat.SymDense) *mat.SymDense {
	if m == nil {
		return nil
	}
	c := mat.NewSymDense(m.SymmetricDim(), nil)
	c.CopySym(m)
	return c
}
