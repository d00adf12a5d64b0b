// Package version reports build information for lowbit binaries.
package version

import (
	"runtime/debug"
	"strings"
)

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

const devel = "devel"

type Info struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
	Modified  bool
}

// Resolve merges the ldflags values with the build info the Go toolchain
// embeds.  ldflags win.
func Resolve() Info {
	return resolve(debug.ReadBuildInfo)
}

func resolve(read func() (*debug.BuildInfo, bool)) Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
	if bi, ok := read(); ok {
		info.GoVersion = bi.GoVersion
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = strings.TrimPrefix(bi.Main.Version, "v")
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if info.Version == "" {
		info.Version = devel
	}
	return info
}

func (i Info) String() string {
	if i.Commit == "" {
		return i.Version
	}
	c := shortCommit(i.Commit)
	if i.Modified {
		c += "-dirty"
	}
	return i.Version + " (" + c + ")"
}

// String is Resolve().String().
func String() string { return Resolve().String() }

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
