// Package version reports build metadata for memcore binaries.
package version

import (
	"fmt"
	"runtime"
	"strings"

	"memcore/internal/ann"
)

// Set with -ldflags "-X memcore/internal/version.Version=..." at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	// GitDirty is "true" when the tree had uncommitted changes.
	GitDirty = ""
)

// Info returns the release string, marked -dirty when applicable.
func Info() string {
	v := Version
	if GitDirty == "true" && !strings.HasSuffix(v, "-dirty") {
		v += "-dirty"
	}
	return v
}

// Full appends the short commit hash to Info.
func Full() string {
	info := Info()
	if short := shortCommit(); short != "" && !strings.Contains(info, short) {
		info = fmt.Sprintf("%s (%s)", info, short)
	}
	return info
}

func shortCommit() string {
	if GitCommit == "" || GitCommit == "unknown" {
		return ""
	}
	if len(GitCommit) > 7 {
		return GitCommit[:7]
	}
	return GitCommit
}

// BuildInfo describes the binary and the index format it speaks.
type BuildInfo struct {
	Version     string   `json:"version"`
	GitCommit   string   `json:"git_commit"`
	GitDirty    bool     `json:"git_dirty"`
	BuildDate   string   `json:"build_date"`
	GoVersion   string   `json:"go_version"`
	IndexFormat int      `json:"index_format"`
	Backends    []string `json:"backends"`
}

// GetBuildInfo returns structured build information.
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:     Info(),
		GitCommit:   GitCommit,
		GitDirty:    GitDirty == "true",
		BuildDate:   BuildDate,
		GoVersion:   runtime.Version(),
		IndexFormat: ann.FormatVersion,
		Backends:    []string{ann.KindHNSW.String(), ann.KindChromem.String()},
	}
}
