package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const cacheDirName = ".cache"

// AppDir is the directory holding the whiscribe binary. Binaries started by
// `go run` live in a throwaway build directory, so the working directory is
// used for them instead.
func AppDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	if isBuildCache(exe, os.TempDir()) {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		return wd, nil
	}

	return filepath.Dir(exe), nil
}

func DefaultCacheDirFor(appDir string) string {
	return filepath.Join(appDir, cacheDirName)
}

// ResolveCacheDir returns override when set, otherwise <app-dir>/.cache.
func ResolveCacheDir(override string) (string, error) {
	if strings.TrimSpace(override) != "" {
		return filepath.Clean(override), nil
	}

	appDir, err := AppDir()
	if err != nil {
		return "", err
	}
	return DefaultCacheDirFor(appDir), nil
}

// DefaultThreadsFor leaves one logical core to the web server and never
// returns less than one.
func DefaultThreadsFor(logicalCores int) int {
	return max(1, logicalCores-1)
}

func DefaultThreads() int {
	return DefaultThreadsFor(runtime.NumCPU())
}

func isBuildCache(exe, tempDir string) bool {
	if tempDir == "" {
		return false
	}
	rel, err := filepath.Rel(tempDir, exe)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	return strings.Contains(filepath.ToSlash(rel), "go-build")
}
