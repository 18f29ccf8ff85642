// Package version holds build information set via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of the service.
	Version = "v0.1.0"

	// Commit is the git commit hash
	Commit = "unknown"

	// BuiltAt is the build timestamp
	BuiltAt = "unknown"
)

// Info returns the version alone.
func Info() string {
	return Version
}

// FullInfo returns complete build information.
func FullInfo() string {
	return fmt.Sprintf("version=%s commit=%s built_at=%s go=%s", Version, Commit, BuiltAt, runtime.Version())
}
