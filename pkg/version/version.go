// Package version carries build metadata injected with -ldflags -X.
package version

import "fmt"

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	// Component is the binary name, e.g. bosun
	Component = "bosun"
)

// Info is the build metadata served on /version
type Info struct {
	Component string `json:"component"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

func GetInfo() Info {
	return Info{
		Component: Component,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
	}
}

// ShortCommit returns the first 7 characters of the commit hash
func ShortCommit() string {
	if len(GitCommit) >= 7 {
		return GitCommit[:7]
	}
	return GitCommit
}

// String renders e.g. "bosun v1.2.0 (abcdef1)"
func String() string {
	return fmt.Sprintf("%s %s (%s)", Component, Version, ShortCommit())
}
