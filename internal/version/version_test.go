package version_test

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bavix/boardfarm/internal/version"
)

func TestGetVersion(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dev", version.GetVersion())
	assert.Equal(t, version.Version, version.GetVersion())
}

func TestBuildTimeFormat(t *testing.T) {
	t.Parallel()

	buildTime := version.GetBuildTime()
	if buildTime != "" {
		_, err := time.Parse(time.RFC3339, buildTime)
		assert.NoError(t, err, "BuildTime should be in RFC3339 format")
	}
}

func TestInfo(t *testing.T) {
	t.Parallel()

	info := version.Get()
	assert.Equal(t, version.GetVersion(), info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Contains(t, info.String(), "boardfarm dev")
}

func TestInfoStringWithBuildTime(t *testing.T) {
	t.Parallel()

	info := version.Info{Version: "v1.0.0", BuildTime: "2025-09-24T12:00:00Z", GoVersion: "go1.25"}
	assert.Equal(t, "boardfarm v1.0.0 (2025-09-24T12:00:00Z) go1.25", info.String())
}
