//nolint:gochecknoglobals // version info set via ldflags
package version

import "runtime"

// These variables are intended to be set via -ldflags at build time.
// Example:
//
//	-X github.com/bavix/boardfarm/internal/version.Version=v1.2.3 \
//	-X github.com/bavix/boardfarm/internal/version.BuildTime=2025-09-24T12:00:00Z
var (
	Version   = "dev"
	BuildTime = ""
)

func GetVersion() string { return Version }

func GetBuildTime() string { return BuildTime }

// Info is reported by /health and the check command.
type Info struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{Version: Version, BuildTime: BuildTime, GoVersion: runtime.Version()}
}

// String renders the cobra --version line.
func (i Info) String() string {
	s := "boardfarm " + i.Version
	if i.BuildTime != "" {
		s += " (" + i.BuildTime + ")"
	}

	return s + " " + i.GoVersion
}
