// Package version exposes the build information stamped in by the linker.
//
//	go build -ldflags "-X github.com/pillmate/devicecfg/internal/version.GitCommit=$(git rev-parse HEAD)"
package version

import (
	"runtime"
	"runtime/debug"
)

var (
	GitCommit  = "unknown"
	GitBranch  = "unknown"
	GitSummary = "unknown"
	BuildDate  = "unknown"
	AppVersion = "devel"
)

type Version struct {
	GitCommit  string `json:"git_commit"`
	GitBranch  string `json:"git_branch"`
	GitSummary string `json:"git_summary"`
	BuildDate  string `json:"build_date"`
	AppVersion string `json:"app_version"`
	GoVersion  string `json:"go_version"`
}

// Current returns the version of the running binary.
func Current() Version {
	v := Version{
		GitCommit:  GitCommit,
		GitBranch:  GitBranch,
		GitSummary: GitSummary,
		BuildDate:  BuildDate,
		AppVersion: AppVersion,
		GoVersion:  runtime.Version(),
	}

	// go install builds carry the module version instead of ldflags.
	if info, ok := debug.ReadBuildInfo(); ok && v.AppVersion == "devel" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		v.AppVersion = info.Main.Version
	}

	return v
}

func (v Version) AsLogFields() []any {
	return []any{
		"version", v.AppVersion,
		"commit", v.GitCommit,
		"branch", v.GitBranch,
		"buildDate", v.BuildDate,
		"goVersion", v.GoVersion,
	}
}
