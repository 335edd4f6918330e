package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func digestOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// modelHost serves one weights file plus a tree listing describing it.
func modelHost(t *testing.T, fileName string, payload []byte, listedDigest string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tree", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[
			{"type":"file","path":"README.md","oid":"3f1a"},
			{"type":"file","path":%q,"oid":"9b2c","lfs":{"oid":%q,"size":%d,"pointerSize":134}}
		]`, fileName, listedDigest, len(payload))
	})
	mux.HandleFunc("/files/"+fileName, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestVerifyFileChecksum(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "payload.bin")
	payload := []byte("whiscribe")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	require.NoError(t, VerifyFileChecksum(path, digestOf(payload)))
	require.NoError(t, VerifyFileChecksum(path, ""))
	require.ErrorIs(t, VerifyFileChecksum(path, "deadbeef"), ErrChecksumMismatch)
}

func TestFetchVerifiesPinnedDigest(t *testing.T) {
	t.Parallel()

	payload := []byte("model-weights")
	var gotUserAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	destination := filepath.Join(t.TempDir(), "nested", "ggml-tiny.bin")
	client := &Client{HTTP: server.Client(), NoProgress: true, Retries: 1}
	err := client.Fetch(context.Background(), Asset{
		Name:        "tiny",
		URL:         server.URL + "/ggml-tiny.bin",
		Destination: destination,
		Checksum:    Checksum{Pinned: digestOf(payload)},
	})
	require.NoError(t, err)

	onDisk, err := os.ReadFile(destination)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)
	require.NoFileExists(t, destination+".part")
	require.Equal(t, userAgent, gotUserAgent)
}

func TestFetchResolvesDigestFromManifest(t *testing.T) {
	t.Parallel()

	payload := []byte("quantized-weights")
	server := modelHost(t, "ggml-base-q8_0.bin", payload, digestOf(payload))

	destination := filepath.Join(t.TempDir(), "ggml-base-q8_0.bin")
	client := &Client{HTTP: server.Client(), NoProgress: true, Retries: 1}
	asset := Asset{
		Name:        "base",
		URL:         server.URL + "/files/ggml-base-q8_0.bin",
		Destination: destination,
		Checksum:    Checksum{Manifest: server.URL + "/api/tree"},
	}

	expected, err := client.ExpectedSHA256(context.Background(), asset)
	require.NoError(t, err)
	require.Equal(t, digestOf(payload), expected)

	require.NoError(t, client.Fetch(context.Background(), asset))
	require.FileExists(t, destination)
	require.NoError(t, client.Verify(context.Background(), asset))
}

func TestFetchRejectsManifestMismatch(t *testing.T) {
	t.Parallel()

	server := modelHost(t, "ggml-silero-v5.1.2.bin", []byte("tampered"), digestOf([]byte("genuine")))

	destination := filepath.Join(t.TempDir(), "ggml-silero-v5.1.2.bin")
	client := &Client{HTTP: server.Client(), NoProgress: true, Retries: 3, RetryDelay: time.Millisecond}
	err := client.Fetch(context.Background(), Asset{
		Name:        "silero-vad",
		URL:         server.URL + "/files/ggml-silero-v5.1.2.bin",
		Destination: destination,
		Checksum:    Checksum{Manifest: server.URL + "/api/tree"},
	})
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.NoFileExists(t, destination)
	require.NoFileExists(t, destination+".part")
}

func TestFetchRefusesAssetWithoutChecksum(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("unverifiable"))
	}))
	defer server.Close()

	client := &Client{HTTP: server.Client(), NoProgress: true}
	err := client.Fetch(context.Background(), Asset{
		Name:        "mystery",
		URL:         server.URL,
		Destination: filepath.Join(t.TempDir(), "mystery.bin"),
	})
	require.ErrorIs(t, err, ErrNoChecksum)
	require.Zero(t, calls.Load())
}

func TestExpectedSHA256ManifestErrors(t *testing.T) {
	t.Parallel()

	server := modelHost(t, "ggml-small-q8_0.bin", []byte("x"), "not-a-digest")
	client := &Client{HTTP: server.Client()}

	_, err := client.ExpectedSHA256(context.Background(), Asset{
		Name:        "small",
		Destination: filepath.Join(t.TempDir(), "ggml-small-q8_0.bin"),
		Checksum:    Checksum{Manifest: server.URL + "/api/tree"},
	})
	require.ErrorContains(t, err, "malformed digest")

	_, err = client.ExpectedSHA256(context.Background(), Asset{
		Name:        "medium",
		Destination: filepath.Join(t.TempDir(), "ggml-medium-q8_0.bin"),
		Checksum:    Checksum{Manifest: server.URL + "/api/tree"},
	})
	require.ErrorContains(t, err, "does not list ggml-medium-q8_0.bin")

	_, err = client.ExpectedSHA256(context.Background(), Asset{
		Name:        "readme",
		Destination: filepath.Join(t.TempDir(), "README.md"),
		Checksum:    Checksum{Manifest: server.URL + "/api/tree"},
	})
	require.ErrorContains(t, err, "not an LFS object")
}

func TestPinnedDigestWinsOverManifest(t *testing.T) {
	t.Parallel()

	client := &Client{}
	got, err := client.ExpectedSHA256(context.Background(), Asset{
		Checksum: Checksum{Pinned: "  ABCDEF  ", Manifest: "http://127.0.0.1:1/unreachable"},
	})
	require.NoError(t, err)
	require.Equal(t, "abcdef", got)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := &Client{HTTP: server.Client(), NoProgress: true, Retries: 2, RetryDelay: time.Millisecond}
	err := client.Fetch(context.Background(), Asset{
		Name:        "tiny",
		URL:         server.URL,
		Destination: filepath.Join(t.TempDir(), "model.bin"),
		Checksum:    Checksum{Pinned: digestOf([]byte("ok"))},
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestFetchRequiresURLAndDestination(t *testing.T) {
	t.Parallel()

	client := &Client{}
	require.Error(t, client.Fetch(context.Background(), Asset{Destination: "x"}))
	require.Error(t, client.Fetch(context.Background(), Asset{URL: "http://example.invalid"}))
}

func TestChecksumIsZero(t *testing.T) {
	t.Parallel()

	require.True(t, Checksum{}.IsZero())
	require.True(t, Checksum{Pinned: " "}.IsZero())
	require.False(t, Checksum{Pinned: "ab"}.IsZero())
	require.False(t, Checksum{Manifest: "https://huggingface.co/api/models/x/tree/main"}.IsZero())
}
