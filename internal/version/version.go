// Package version tracks build metadata for the governor binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
)

// Info describes build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		return i.Version
	}
	return fmt.Sprintf("%s (%s)", i.Version, commit)
}

var current atomic.Pointer[Info]

func init() {
	Set(Info{})
}

// Set updates the exposed metadata. Fields left empty are filled from the
// module build info where the toolchain recorded it.
func Set(v Info) {
	if v.Version == "" {
		v.Version = "dev"
	}
	if v.GoVersion == "" {
		v.GoVersion = runtime.Version()
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if v.Commit == "" {
					v.Commit = s.Value
				}
			case "vcs.time":
				if v.BuildTime == "" {
					v.BuildTime = s.Value
				}
			}
		}
	}
	current.Store(&v)
}

// Current returns the configured metadata.
func Current() Info {
	return *current.Load()
}
