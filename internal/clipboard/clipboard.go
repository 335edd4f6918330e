// Package clipboard hands finished transcripts to the desktop clipboard via
// whatever copy tool the host provides.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("no clipboard command available")

const copyTimeout = 4 * time.Second

// tool describes one clipboard helper. Detached tools (xclip) keep running
// to serve the selection, so they are started and released rather than
// waited on.
type tool struct {
	name     string
	path     string
	args     []string
	detached bool
}

type Copier struct {
	goos     string
	lookPath func(string) (string, error)
}

func New() Copier {
	return Copier{goos: runtime.GOOS, lookPath: exec.LookPath}
}

// Available reports whether a supported clipboard helper is installed.
func (c Copier) Available() bool {
	_, err := c.detect()
	return err == nil
}

// Copy places transcript on the clipboard.
func (c Copier) Copy(ctx context.Context, transcript string) error {
	t, err := c.detect()
	if err != nil {
		return err
	}

	if t.detached {
		return startDetached(t, transcript)
	}

	ctx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.path, t.args...)
	cmd.Stdin = strings.NewReader(transcript)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("copy transcript to clipboard timed out: %w", ctx.Err())
		}
		return fmt.Errorf("copy transcript to clipboard with %s: %w", t.name, err)
	}
	return nil
}

func (c Copier) detect() (tool, error) {
	candidates := []tool{
		{name: "wl-copy"},
		{name: "xclip", args: []string{"-selection", "clipboard", "-in", "-silent"}, detached: true},
	}
	switch c.goos {
	case "darwin":
		candidates = []tool{{name: "pbcopy"}}
	case "windows":
		candidates = []tool{{name: "clip.exe"}}
	}

	for _, candidate := range candidates {
		if path, err := c.lookPath(candidate.name); err == nil {
			candidate.path = path
			return candidate, nil
		}
	}
	return tool{}, ErrUnavailable
}

func startDetached(t tool, transcript string) error {
	cmd := exec.Command(t.path, t.args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open %s stdin: %w", t.name, err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start %s: %w", t.name, err)
	}

	if _, err := io.WriteString(stdin, transcript); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("write transcript to %s: %w", t.name, err)
	}
	if err := stdin.Close(); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("close %s stdin: %w", t.name, err)
	}

	return cmd.Process.Release()
}
