package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/whiscribe/whiscribe/internal/download"
)

const (
	DefaultModel = "small"

	modelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"
	vadBaseURL   = "https://huggingface.co/ggml-org/whisper-vad/resolve/main/"

	// The tree listings carry each LFS file's SHA256 for files whose digest
	// is not pinned below.
	modelManifestURL = "https://huggingface.co/api/models/ggerganov/whisper.cpp/tree/main"
	vadManifestURL   = "https://huggingface.co/api/models/ggml-org/whisper-vad/tree/main"
)

var ErrUnknownModel = errors.New("unknown model")

type Preset struct {
	Name     string
	Label    string
	FileName string
	// SHA256 pins the full-precision file; empty means the manifest digest is
	// trusted instead.
	SHA256 string
	// Int8FileName is the q8_0 quantized variant, empty when none is published.
	Int8FileName string
}

type ResolvedModel struct {
	Name          string
	Path          string
	URL           string
	Checksum      download.Checksum
	NeedsDownload bool
}

// Asset describes the resolved file for the downloader.
func (r ResolvedModel) Asset() download.Asset {
	return download.Asset{Name: r.Name, URL: r.URL, Destination: r.Path, Checksum: r.Checksum}
}

var presetOrder = []string{"tiny", "base", "small", "medium", "large-v3", "large-v3-turbo"}

var registry = map[string]Preset{
	"tiny": {
		Name:         "tiny",
		Label:        "Tiny (fastest, least accurate)",
		FileName:     "ggml-tiny.bin",
		SHA256:       "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
		Int8FileName: "ggml-tiny-q8_0.bin",
	},
	"base": {
		Name:         "base",
		Label:        "Base",
		FileName:     "ggml-base.bin",
		SHA256:       "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
		Int8FileName: "ggml-base-q8_0.bin",
	},
	"small": {
		Name:         "small",
		Label:        "Small (balanced)",
		FileName:     "ggml-small.bin",
		SHA256:       "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
		Int8FileName: "ggml-small-q8_0.bin",
	},
	"medium": {
		Name:         "medium",
		Label:        "Medium",
		FileName:     "ggml-medium.bin",
		SHA256:       "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
		Int8FileName: "ggml-medium-q8_0.bin",
	},
	"large-v3": {
		Name:     "large-v3",
		Label:    "Large v3 (most accurate, slowest)",
		FileName: "ggml-large-v3.bin",
		SHA256:   "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
	},
	"large-v3-turbo": {
		Name:         "large-v3-turbo",
		Label:        "Large v3 Turbo (distilled decoder)",
		FileName:     "ggml-large-v3-turbo.bin",
		Int8FileName: "ggml-large-v3-turbo-q8_0.bin",
	},
}

// VADModelFile is the Silero voice-activity model whisper-cli loads with --vad-model.
const VADModelFile = "ggml-silero-v5.1.2.bin"

// ModelNames returns the presets ordered from smallest to largest.
func ModelNames() []string {
	return slices.Clone(presetOrder)
}

func LookupModel(name string) (Preset, bool) {
	model, ok := registry[name]
	return model, ok
}

// ResolveModel maps a preset name onto a file inside modelDir. Quantized
// weights are picked for ComputeTypeInt8 when the preset publishes them.
func ResolveModel(name, modelDir, computeType string) (ResolvedModel, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultModel
	}

	model, ok := LookupModel(name)
	if !ok {
		return ResolvedModel{}, fmt.Errorf("%w %q (known models: %s)", ErrUnknownModel, name, strings.Join(ModelNames(), ", "))
	}

	fileName, checksum := model.FileName, download.Checksum{Pinned: model.SHA256, Manifest: modelManifestURL}
	if computeType == ComputeTypeInt8 && model.Int8FileName != "" {
		fileName, checksum = model.Int8FileName, download.Checksum{Manifest: modelManifestURL}
	}

	return resolveFile(model.Name, modelDir, fileName, modelBaseURL+fileName, checksum)
}

func ResolveVADModel(modelDir string) (ResolvedModel, error) {
	return resolveFile("silero-vad", modelDir, VADModelFile, vadBaseURL+VADModelFile, download.Checksum{Manifest: vadManifestURL})
}

func resolveFile(name, modelDir, fileName, url string, checksum download.Checksum) (ResolvedModel, error) {
	if strings.TrimSpace(modelDir) == "" {
		return ResolvedModel{}, errors.New("model directory must not be empty")
	}

	path := filepath.Join(modelDir, fileName)
	_, statErr := os.Stat(path)
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return ResolvedModel{}, fmt.Errorf("stat model path: %w", statErr)
	}

	return ResolvedModel{
		Name:          name,
		Path:          path,
		URL:           url,
		Checksum:      checksum,
		NeedsDownload: errors.Is(statErr, os.ErrNotExist),
	}, nil
}
