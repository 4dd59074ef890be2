// Package version exposes build metadata for ledgerd.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/bernard/ledger/pkg/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns the build metadata as a flat map, suitable for logs and the status endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"goVersion": GoVersion,
	}
}

// String renders a one-line version banner.
func String() string {
	return fmt.Sprintf("ledgerd %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}
