// Package version carries the build metadata printed by the streamer and
// listener -version flags. The values are overridden at build time with
// -ldflags "-X".
package version

var (
	// Version is the release version of the vicon tools
	Version = "dev"
	// GitSHA is the git commit the binaries were built from
	GitSHA = "unknown"
	// BuildTime is when the binaries were built
	BuildTime = "unknown"
)
