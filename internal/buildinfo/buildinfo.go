// Package buildinfo holds version metadata stamped at link time:
//
//	go build -ldflags "-X github.com/nugget/mcpagent/internal/buildinfo.Version=v1.2.0"
//
// Values left unstamped fall back to what the Go toolchain recorded in
// the binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// Commit returns the stamped commit, or the VCS revision the toolchain
// embedded, or "unknown".
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				if len(s.Value) > 12 {
					return s.Value[:12]
				}
				return s.Value
			}
		}
	}
	return "unknown"
}

// Info returns build and runtime details for the version command.
func Info() map[string]string {
	built := BuildTime
	if built == "" {
		built = "unknown"
	}
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"build_time": built,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("mcpagent %s (%s) %s/%s", Version, Commit(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "mcpagent/" + Version
}
