// Package version carries build metadata stamped in with -ldflags.
package version

import "fmt"

// Name is the binary name reported in logs and the run ledger.
const Name = "slamfeed"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for -version output.
func String() string {
	return fmt.Sprintf("%s %s (%s, built %s)", Name, Version, GitSHA, BuildTime)
}
