// Package version holds build information injected with -ldflags:
//
//	go build -ldflags "-X github.com/HerbHall/bote/internal/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// Set at build time.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns the one-line form printed by "bote version".
func Info() string {
	return fmt.Sprintf("bote %s (%s, %s, %s)", Version, GitCommit, BuildDate, runtime.Version())
}

// Short returns just the version number.
func Short() string {
	return Version
}

// Map returns the build fields for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}
