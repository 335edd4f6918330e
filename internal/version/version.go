package version

import (
	"runtime/debug"
)

var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Resolve returns the full version string. Builds from a VCS checkout get
// the short revision appended, plus "-dirty" for modified trees.
func Resolve() string {
	info, ok := debug.ReadBuildInfo()
	return resolve(Version, info, ok)
}

func resolve(base string, info *debug.BuildInfo, ok bool) string {
	if base == "" {
		base = "0.0.0"
	}
	if !ok || info == nil {
		return base
	}

	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}

	if revision == "" {
		return base
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	suffix := "g" + revision
	if modified {
		suffix += "-dirty"
	}
	return base + "-" + suffix
}
