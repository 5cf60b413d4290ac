package version

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withBuildInfo(t *testing.T, v, c, d string) {
	t.Helper()
	oldV, oldC, oldD := Version, Commit, Date
	Version, Commit, Date = v, c, d
	oldRead := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }
	t.Cleanup(func() {
		Version, Commit, Date = oldV, oldC, oldD
		readBuildInfo = oldRead
	})
}

func TestGetInfo(t *testing.T) {
	withBuildInfo(t, "1.2.3", "0123456789abcdef", "2026-01-02T03:04:05Z")

	info := GetInfo()
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "0123456789abcdef", info.Commit)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestShort(t *testing.T) {
	tests := []struct {
		name   string
		commit string
		want   string
	}{
		{"with commit", "0123456789abcdef", "rtmpush 1.2.3 (01234567)"},
		{"unknown commit", "unknown", "rtmpush 1.2.3"},
		{"short commit ignored", "abc", "rtmpush 1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withBuildInfo(t, "1.2.3", tt.commit, "unknown")
			assert.Equal(t, tt.want, Short())
		})
	}
}

func TestString(t *testing.T) {
	withBuildInfo(t, "dev", "0123456789abcdef", "2026-01-02")
	assert.Contains(t, String(), "rtmpush version dev (commit: 01234567, built: 2026-01-02")
}

func TestUserAgent(t *testing.T) {
	withBuildInfo(t, "0.4.0", "unknown", "unknown")
	assert.Equal(t, "rtmpush/0.4.0", UserAgent())
}

func TestGetInfo_VCSFallback(t *testing.T) {
	withBuildInfo(t, "dev", "unknown", "unknown")
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "fedcba9876543210"},
			{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
			{Key: "vcs.modified", Value: "true"},
		}}, true
	}

	info := GetInfo()
	assert.Equal(t, "fedcba9876543210", info.Commit)
	assert.Equal(t, "2026-03-04T05:06:07Z", info.Date)
	assert.True(t, info.Modified)
	assert.Equal(t, "rtmpush dev (fedcba98-dirty)", Short())
}

func TestGetInfo_LinkTimeWins(t *testing.T) {
	withBuildInfo(t, "1.0.0", "0123456789abcdef", "2026-01-02")
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "ffff"}}}, true
	}
	assert.Equal(t, "0123456789abcdef", GetInfo().Commit)
}
