// Package version carries build metadata injected at link time.
package version

import "fmt"

var (
	// Version is the release version, "dev" for local builds.
	Version = "dev"
	// GitSHA identifies the exact commit.
	GitSHA = "unknown"
	// BuildTime is when the binary was linked.
	BuildTime = "unknown"
)

// String formats the build metadata for -version output.
func String() string {
	return fmt.Sprintf("pointpipe %s (%s, built %s)", Version, GitSHA, BuildTime)
}
