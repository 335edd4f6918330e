package clipboard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func lookPathFor(installed ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, candidate := range installed {
			if candidate == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
}

func TestDetectPrefersWayland(t *testing.T) {
	t.Parallel()

	c := Copier{goos: "linux", lookPath: lookPathFor("xclip", "wl-copy")}
	got, err := c.detect()
	require.NoError(t, err)
	require.Equal(t, "wl-copy", got.name)
	require.False(t, got.detached)
}

func TestDetectFallsBackToXclip(t *testing.T) {
	t.Parallel()

	c := Copier{goos: "linux", lookPath: lookPathFor("xclip")}
	got, err := c.detect()
	require.NoError(t, err)
	require.Equal(t, "xclip", got.name)
	require.True(t, got.detached)
	require.Contains(t, got.args, "clipboard")
}

func TestDetectPerPlatform(t *testing.T) {
	t.Parallel()

	got, err := Copier{goos: "darwin", lookPath: lookPathFor("pbcopy", "wl-copy")}.detect()
	require.NoError(t, err)
	require.Equal(t, "pbcopy", got.name)

	got, err = Copier{goos: "windows", lookPath: lookPathFor("clip.exe")}.detect()
	require.NoError(t, err)
	require.Equal(t, "clip.exe", got.name)

	_, err = Copier{goos: "darwin", lookPath: lookPathFor("xclip")}.detect()
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCopyWithoutToolFails(t *testing.T) {
	t.Parallel()

	c := Copier{goos: "linux", lookPath: lookPathFor()}
	require.False(t, c.Available())
	require.ErrorIs(t, c.Copy(context.Background(), "hello"), ErrUnavailable)
}

func TestCopyPipesTranscriptToTool(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("fake clipboard tool needs a POSIX shell")
	}

	dir := t.TempDir()
	sink := filepath.Join(dir, "clipboard.txt")
	toolPath := filepath.Join(dir, "wl-copy")
	require.NoError(t, os.WriteFile(toolPath, []byte("#!/bin/sh\ncat > "+sink+"\n"), 0o755))

	c := Copier{goos: "linux", lookPath: func(name string) (string, error) {
		if name == "wl-copy" {
			return toolPath, nil
		}
		return "", errors.New("not found")
	}}
	require.True(t, c.Available())

	require.NoError(t, c.Copy(context.Background(), "hello world"))

	got, err := os.ReadFile(sink)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}
