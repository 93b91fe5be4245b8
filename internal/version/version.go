/*
Package version provides build information for amas-engine.

Version values are set via ldflags during build:
  - Version: git tag (e.g., v0.3.0)
  - Commit: git commit hash (short form)
  - Date: build date in UTC (YYYY-MM-DD)

Unset values fall back to the module build info, then to "dev".
*/
package version

import (
	"runtime"
	"runtime/debug"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the JSON form reported by the version command and the server.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion"`

	// FeatureSchema is the feature vector layout this binary writes.
	FeatureSchema int `json:"featureSchema"`
}

// Get returns the build information. schema is the current feature layout.
func Get(schema int) Info {
	info := Info{
		Version:       Version,
		Commit:        Commit,
		Date:          Date,
		GoVersion:     runtime.Version(),
		FeatureSchema: schema,
	}
	if info.Version != "dev" {
		return info
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		info.Version = v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" && len(s.Value) >= 7 {
				info.Commit = s.Value[:7]
			}
		case "vcs.time":
			if info.Date == "unknown" && len(s.Value) >= 10 {
				info.Date = s.Value[:10]
			}
		}
	}
	return info
}

// String returns version information as a formatted string
func (i Info) String() string {
	return FormatVersion(i.Version, i.Commit, i.Date)
}

// FormatVersion formats version components into a display string
func FormatVersion(version, commit, date string) string {
	if version == "dev" {
		return version + " (development build)"
	}
	return version + " (commit: " + commit + ", built: " + date + ")"
}
