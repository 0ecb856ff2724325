package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/rallie-app/rallie/internal/version.Version=..."
var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Info is the build description reported by /api/status and -version.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the build description.
func Get() Info {
	return Info{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime, GoVersion: runtime.Version()}
}

func (i Info) String() string {
	return fmt.Sprintf("rallie %s (%s, built %s, %s)", i.Version, i.GitSHA, i.BuildTime, i.GoVersion)
}
