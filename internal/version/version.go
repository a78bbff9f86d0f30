// Package version carries build metadata set through -ldflags.
package version

import "fmt"

var (
	// Version is the release tag.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info is the build metadata as served by the API.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
}

// Current returns the build metadata of the running binary.
func Current() Info {
	return Info{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime}
}

func (i Info) String() string {
	return fmt.Sprintf("conflate %s (%s, built %s)", i.Version, i.GitSHA, i.BuildTime)
}
