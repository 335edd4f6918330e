package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildInfo(settings ...debug.BuildSetting) *debug.BuildInfo {
	return &debug.BuildInfo{Settings: settings}
}

func TestResolve_NoBuildInfo(t *testing.T) {
	t.Parallel()
	require.Equal(t, "1.0.0", resolve("1.0.0", nil, false))
}

func TestResolve_EmptyBaseFallsBackToZero(t *testing.T) {
	t.Parallel()
	require.Equal(t, "0.0.0", resolve("", nil, false))
}

func TestResolve_NoRevision(t *testing.T) {
	t.Parallel()
	got := resolve("1.0.0", buildInfo(debug.BuildSetting{Key: "GOOS", Value: "linux"}), true)
	require.Equal(t, "1.0.0", got)
}

func TestResolve_CleanCheckout(t *testing.T) {
	t.Parallel()
	got := resolve("1.0.0", buildInfo(
		debug.BuildSetting{Key: "vcs.revision", Value: "abcdef0123456789"},
		debug.BuildSetting{Key: "vcs.modified", Value: "false"},
	), true)
	require.Equal(t, "1.0.0-gabcdef0", got)
}

func TestResolve_DirtyCheckout(t *testing.T) {
	t.Parallel()
	got := resolve("1.0.0", buildInfo(
		debug.BuildSetting{Key: "vcs.revision", Value: "abcdef0123456789"},
		debug.BuildSetting{Key: "vcs.modified", Value: "true"},
	), true)
	require.Equal(t, "1.0.0-gabcdef0-dirty", got)
}

func TestResolve_ShortRevisionKept(t *testing.T) {
	t.Parallel()
	got := resolve("2.1.0", buildInfo(debug.BuildSetting{Key: "vcs.revision", Value: "abc"}), true)
	require.Equal(t, "2.1.0-gabc", got)
}
