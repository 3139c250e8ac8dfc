// Package version carries build identification, overridden at link time:
//
//	go build -ldflags "-X github.com/sifthq/aisorter/internal/version.Version=v1.2.3"
package version

var (
	// Version is the semantic version of this build.
	Version = "dev"

	// Commit is the short git hash the build came from.
	Commit = "unknown"
)
