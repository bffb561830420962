// Package version carries build metadata injected at link time via
// -ldflags, e.g.:
//
//	go build -ldflags "-X github.com/quantbagel/nier/internal/version.Version=v1.2.0"
package version

var (
	// Version is the current release version.
	Version = "dev"
	// GitSHA is the git commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)
