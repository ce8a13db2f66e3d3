// Package version reports build information for the Bifrost extension.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set with -ldflags "-X github.com/rennerdo30/bifrost-extension/internal/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	vcsOnce sync.Once
	vcsRev  string
	vcsTime string
)

// vcs falls back to the revision stamped by the go tool when the ldflags
// were not set.
func vcs() (commit, built string) {
	vcsOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				vcsRev = s.Value
				if len(vcsRev) > 12 {
					vcsRev = vcsRev[:12]
				}
			case "vcs.time":
				vcsTime = s.Value
			}
		}
	})
	commit, built = GitCommit, BuildTime
	if commit == "unknown" && vcsRev != "" {
		commit = vcsRev
	}
	if built == "unknown" && vcsTime != "" {
		built = vcsTime
	}
	return commit, built
}

// Short returns just the version number.
func Short() string {
	return Version
}

// Full returns the one line banner printed by "bifrost-extension version".
func Full() string {
	info := GetInfo()
	return fmt.Sprintf("Bifrost Extension %s (%s) built %s - Go %s %s",
		info.Version, info.GitCommit, info.BuildTime, info.GoVersion, info.Platform)
}

// Info is the body of GET /api/v1/version.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns structured version information.
func GetInfo() Info {
	commit, built := vcs()
	return Info{
		Version:   Version,
		GitCommit: commit,
		BuildTime: built,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
