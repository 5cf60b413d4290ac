// Package version reports what build of rtmpush is running.
//
// Release builds set the variables below with -ldflags -X. Builds without
// them (go install, go run) fall back to the VCS stamp Go embeds in the
// binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set at link time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName prefixes every version string and the User-Agent.
const ApplicationName = "rtmpush"

// Info is the JSON shape printed by `rtmpush version --json`.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var readBuildInfo = debug.ReadBuildInfo

// GetInfo merges link-time values with the embedded VCS stamp.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if Commit != "unknown" {
		return info
	}
	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.time":
			if info.Date == "unknown" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func (i Info) shortCommit() string {
	if len(i.Commit) < 8 || i.Commit == "unknown" {
		return ""
	}
	c := i.Commit[:8]
	if i.Modified {
		c += "-dirty"
	}
	return c
}

// String is the long form printed by `rtmpush version`.
func String() string {
	info := GetInfo()
	if c := info.shortCommit(); c != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short is used for --version.
func Short() string {
	info := GetInfo()
	if c := info.shortCommit(); c != "" {
		return fmt.Sprintf("%s %s (%s)", ApplicationName, info.Version, c)
	}
	return ApplicationName + " " + info.Version
}

// UserAgent is sent on remote media downloads.
func UserAgent() string {
	return ApplicationName + "/" + Version
}
