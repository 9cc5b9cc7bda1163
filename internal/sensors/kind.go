package sensors

import (
	"fmt"
	"strings"

	"github.com/banshee-data/slamfeed/internal/config"
)

// Kind is one of the closed set of supported sensor kinds. The numeric
// value is the registration order, which is also the fallback tie-break
// rank when two elements share a timestamp.
type Kind int

const (
	KindIMU Kind = iota
	KindFOG
	KindEncoder
	KindAltimeter
	KindGPS
	KindVRSGPS
	KindUWB
	KindLidar2D
	KindLidar3D
	KindStereoCamera
	KindMonocularCamera

	numKinds
)

var kindNames = [numKinds]string{
	KindIMU:             "imu",
	KindFOG:             "fog",
	KindEncoder:         "encoder",
	KindAltimeter:       "altimeter",
	KindGPS:             "gps",
	KindVRSGPS:          "vrs_gps",
	KindUWB:             "uwb",
	KindLidar2D:         "lidar_2d",
	KindLidar3D:         "lidar_3d",
	KindStereoCamera:    "stereo_camera",
	KindMonocularCamera: "monocular_camera",
}

// AllKinds returns every supported kind in registration order.
func AllKinds() []Kind {
	kinds := make([]Kind, numKinds)
	for i := range kinds {
		kinds[i] = Kind(i)
	}
	return kinds
}

// ParseKind maps a configuration string to a Kind. Matching ignores case.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %w: %q", config.ErrConfiguration, ErrUnknownSensorKind, s)
}

// Valid reports whether k is a registered kind.
func (k Kind) Valid() bool {
	return k >= 0 && k < numKinds
}

// Rank is the registration index of the kind.
func (k Kind) Rank() int {
	return int(k)
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// IsGNSS reports whether the kind provides a geodetic fix.
func (k Kind) IsGNSS() bool {
	return k == KindGPS || k == KindVRSGPS
}

// IsLidar reports whether the kind is a 2D or 3D lidar.
func (k Kind) IsLidar() bool {
	return k == KindLidar2D || k == KindLidar3D
}

// IsCamera reports whether the kind is a monocular or stereo camera.
func (k Kind) IsCamera() bool {
	return k == KindStereoCamera || k == KindMonocularCamera
}
