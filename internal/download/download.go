// Package download fetches model assets and proves their integrity against a
// known SHA256 before they are used.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const userAgent = "whiscribe/1"

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrNoChecksum is returned for assets that name neither a pinned digest
	// nor a manifest; nothing is fetched without one.
	ErrNoChecksum = errors.New("asset has no checksum source")
)

// Checksum says where an asset's expected SHA256 comes from. A pinned digest
// wins; otherwise the manifest is consulted.
type Checksum struct {
	Pinned string
	// Manifest is a Hugging Face tree listing
	// (https://huggingface.co/api/models/<repo>/tree/<rev>) whose LFS object
	// ids are the SHA256 of each file.
	Manifest string
}

func (c Checksum) IsZero() bool {
	return strings.TrimSpace(c.Pinned) == "" && strings.TrimSpace(c.Manifest) == ""
}

// Asset is one file a model needs on disk.
type Asset struct {
	Name        string
	URL         string
	Destination string
	Checksum    Checksum
}

type Client struct {
	HTTP       *http.Client
	Retries    int
	RetryDelay time.Duration
	NoProgress bool
	Logger     *zap.Logger
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return &http.Client{Timeout: 30 * time.Minute}
	}
	return c.HTTP
}

func (c *Client) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Fetch downloads asset into its destination through a sibling ".part" file
// and only renames it into place once the digest matches.
func (c *Client) Fetch(ctx context.Context, asset Asset) error {
	if asset.URL == "" {
		return errors.New("download URL is required")
	}
	if asset.Destination == "" {
		return errors.New("destination path is required")
	}

	expected, err := c.ExpectedSHA256(ctx, asset)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(asset.Destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	retries := c.Retries
	if retries <= 0 {
		retries = 3
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 300 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			c.log().Warn("retrying model download",
				zap.String("asset", asset.Name),
				zap.Int("attempt", attempt),
				zap.Int("max", retries),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * delay):
			}
		}

		lastErr = c.fetchOnce(ctx, asset, expected)
		if lastErr == nil {
			c.log().Debug("asset verified", zap.String("asset", asset.Name), zap.String("sha256", expected))
			return nil
		}
		// A wrong digest will not fix itself on retry.
		if errors.Is(lastErr, ErrChecksumMismatch) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// Verify hashes the asset already on disk against its expected digest.
func (c *Client) Verify(ctx context.Context, asset Asset) error {
	expected, err := c.ExpectedSHA256(ctx, asset)
	if err != nil {
		return err
	}
	return VerifyFileChecksum(asset.Destination, expected)
}

// ExpectedSHA256 returns the lower-case hex digest for asset.
func (c *Client) ExpectedSHA256(ctx context.Context, asset Asset) (string, error) {
	if pinned := strings.ToLower(strings.TrimSpace(asset.Checksum.Pinned)); pinned != "" {
		return pinned, nil
	}
	if strings.TrimSpace(asset.Checksum.Manifest) == "" {
		return "", fmt.Errorf("%w: %s", ErrNoChecksum, asset.Name)
	}

	digest, err := c.manifestDigest(ctx, asset.Checksum.Manifest, filepath.Base(asset.Destination))
	if err != nil {
		return "", fmt.Errorf("look up checksum for %s: %w", asset.Name, err)
	}
	return digest, nil
}

type manifestEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	LFS  *struct {
		OID  string `json:"oid"`
		Size int64  `json:"size"`
	} `json:"lfs"`
}

func (c *Client) manifestDigest(ctx context.Context, manifestURL, fileName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("create manifest request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch manifest: unexpected status code %d", resp.StatusCode)
	}

	var entries []manifestEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&entries); err != nil {
		return "", fmt.Errorf("decode manifest: %w", err)
	}
	return digestFor(entries, fileName)
}

func digestFor(entries []manifestEntry, fileName string) (string, error) {
	for _, entry := range entries {
		if entry.Path != fileName {
			continue
		}
		if entry.LFS == nil {
			return "", fmt.Errorf("manifest entry %s is not an LFS object", fileName)
		}
		digest := strings.ToLower(strings.TrimSpace(entry.LFS.OID))
		if len(digest) != sha256.Size*2 {
			return "", fmt.Errorf("manifest entry %s has malformed digest %q", fileName, entry.LFS.OID)
		}
		return digest, nil
	}
	return "", fmt.Errorf("manifest does not list %s", fileName)
}

// VerifyFileChecksum hashes path and compares it with expectedSHA256. An empty
// expectation always passes.
func VerifyFileChecksum(path, expectedSHA256 string) error {
	expected := strings.ToLower(strings.TrimSpace(expectedSHA256))
	if expected == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}
	return compareDigest(h, expected)
}

func compareDigest(h hash.Hash, expected string) error {
	if actual := hex.EncodeToString(h.Sum(nil)); actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

func (c *Client) fetchOnce(ctx context.Context, asset Asset, expected string) (err error) {
	partial := asset.Destination + ".part"
	_ = os.Remove(partial)

	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("create partial file: %w", err)
	}
	defer func() {
		_ = out.Close()
		if err != nil {
			_ = os.Remove(partial)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", asset.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status code %d", asset.Name, resp.StatusCode)
	}

	digest := sha256.New()
	sinks := []io.Writer{out, digest}
	bar := c.progressFor(asset, resp.ContentLength)
	if bar != nil {
		sinks = append(sinks, bar)
	}

	if _, err := io.Copy(io.MultiWriter(sinks...), resp.Body); err != nil {
		return fmt.Errorf("download %s body: %w", asset.Name, err)
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if err := compareDigest(digest, expected); err != nil {
		return fmt.Errorf("%s: %w", asset.Name, err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync partial file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close partial file: %w", err)
	}
	if err := os.Rename(partial, asset.Destination); err != nil {
		return fmt.Errorf("move %s into place: %w", asset.Name, err)
	}
	return nil
}

func (c *Client) progressFor(asset Asset, size int64) *progressbar.ProgressBar {
	if c.NoProgress || size <= 0 || !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return progressbar.NewOptions64(
		size,
		progressbar.OptionSetDescription("fetching "+asset.Name),
		progressbar.OptionSetWidth(24),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
}
