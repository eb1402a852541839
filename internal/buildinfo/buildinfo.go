// Package buildinfo holds version metadata stamped at link time.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags "-X github.com/meitheal/steward/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info returns build and runtime details for the version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"uptime":     time.Since(started).Truncate(time.Second).String(),
	}
}

// UserAgent is the User-Agent sent on every outbound request.
func UserAgent() string {
	return "Steward/" + Version + " (+https://github.com/meitheal/steward)"
}

// String returns a one-line summary for startup logs.
func String() string {
	return fmt.Sprintf("Steward %s (%s) built %s with %s", Version, GitCommit, BuildTime, runtime.Version())
}
