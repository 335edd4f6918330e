package whisper

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/whiscribe/whiscribe/internal/download"
	"go.uber.org/zap"
)

const (
	WhisperPathEnv = "WHISCRIBE_WHISPER_PATH"

	waitDelay = 2 * time.Second
)

var ErrModelNotCached = errors.New("model not present in cache directory")

var segmentLinePattern = regexp.MustCompile(`^\[(\d+:\d{2}:\d{2}[.,]\d{3}) --> (\d+:\d{2}:\d{2}[.,]\d{3})\]\s?(.*)$`)

// nativeFormats are the containers whisper-cli decodes without ffmpeg.
var nativeFormats = map[string]bool{"wav": true, "mp3": true, "flac": true, "ogg": true}

type BundledEngine struct {
	Executable string
	FFmpeg     string
	NoProgress bool
	Logger     *zap.Logger

	fetchFn func(ctx context.Context, asset download.Asset) error
}

// NewBundledEngine locates whisper-cli. An explicit path wins, then
// WHISCRIBE_WHISPER_PATH, then the directories around the running binary,
// then PATH.
func NewBundledEngine(executable string, logger *zap.Logger) (*BundledEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &BundledEngine{FFmpeg: "ffmpeg", Logger: logger}

	if override := strings.TrimSpace(executable); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("whisper engine path is not executable: %w", err)
		}
		engine.Executable = override
		return engine, nil
	}

	if override := strings.TrimSpace(os.Getenv(WhisperPathEnv)); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("%s is not executable: %w", WhisperPathEnv, err)
		}
		engine.Executable = override
		return engine, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve whiscribe executable path: %w", err)
	}

	resolved, err := ResolveBundledEnginePath(self)
	if err != nil {
		if onPath, lookErr := exec.LookPath(engineBinaryName()); lookErr == nil {
			engine.Executable = onPath
			return engine, nil
		}
		return nil, err
	}

	engine.Executable = resolved
	return engine, nil
}

func ResolveBundledEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("whisper engine not found near %s; install whisper-cli or set %s", selfExecutable, WhisperPathEnv)
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, engineName),
	}
}

func (b *BundledEngine) Load(ctx context.Context, opts LoadOptions) (Model, error) {
	if opts.Device != "" && opts.Device != DeviceCPU {
		return nil, fmt.Errorf("unsupported device %q; only %q is available", opts.Device, DeviceCPU)
	}
	if opts.CPUThreads < 1 {
		return nil, fmt.Errorf("cpu threads must be at least 1, got %d", opts.CPUThreads)
	}
	if err := ensureExecutable(b.Executable); err != nil {
		return nil, fmt.Errorf("whisper engine missing or not executable: %w", err)
	}
	if err := os.MkdirAll(opts.DownloadRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create model directory %s: %w", opts.DownloadRoot, err)
	}

	weights, err := ResolveModel(opts.ModelID, opts.DownloadRoot, opts.ComputeType)
	if err != nil {
		return nil, err
	}
	vad, err := ResolveVADModel(opts.DownloadRoot)
	if err != nil {
		return nil, err
	}

	for _, file := range []ResolvedModel{weights, vad} {
		if err := b.fetch(ctx, file, opts.LocalFilesOnly); err != nil {
			return nil, err
		}
	}

	b.log().Info("model ready",
		zap.String("model", weights.Name),
		zap.String("path", weights.Path),
		zap.String("compute_type", opts.ComputeType),
		zap.Int("threads", opts.CPUThreads),
	)

	return &bundledModel{
		id:         weights.Name,
		executable: b.Executable,
		ffmpeg:     b.FFmpeg,
		modelPath:  weights.Path,
		vadPath:    vad.Path,
		threads:    opts.CPUThreads,
		logger:     b.log(),
	}, nil
}

func (b *BundledEngine) fetch(ctx context.Context, file ResolvedModel, localOnly bool) error {
	if !file.NeedsDownload {
		return nil
	}
	if localOnly {
		return fmt.Errorf("%w: %s expected at %s", ErrModelNotCached, file.Name, file.Path)
	}

	fetch := b.fetchFn
	if fetch == nil {
		client := &download.Client{NoProgress: b.NoProgress, Logger: b.log()}
		fetch = client.Fetch
	}

	b.log().Info("model not found, downloading", zap.String("model", file.Name), zap.String("destination", file.Path))
	if err := fetch(ctx, file.Asset()); err != nil {
		return fmt.Errorf("download model %q: %w", file.Name, err)
	}
	return nil
}

func (b *BundledEngine) log() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

type bundledModel struct {
	id         string
	executable string
	ffmpeg     string
	modelPath  string
	vadPath    string
	threads    int
	logger     *zap.Logger
}

func (m *bundledModel) ID() string {
	return m.id
}

// Transcribe starts whisper-cli and returns its segments as they are printed.
// The process is reaped when the sequence is drained or abandoned, so callers
// must range over the result.
func (m *bundledModel) Transcribe(ctx context.Context, audio []byte, opts DecodeOptions) (Segments, error) {
	if len(audio) == 0 {
		return nil, errors.New("audio is empty")
	}

	workDir, err := os.MkdirTemp("", "whiscribe-*")
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	inputPath, err := m.prepareInput(ctx, workDir, audio, opts.Format)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, err
	}

	args := m.args(inputPath, opts)
	cmd := exec.CommandContext(ctx, m.executable, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Bounds Wait when a killed engine leaves children holding its pipes.
	cmd.WaitDelay = waitDelay
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("attach whisper stdout: %w", err)
	}

	m.logger.Debug("running whisper engine", zap.String("engine", m.executable), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("start whisper engine: %w", err)
	}

	return func(yield func(Segment, error) bool) {
		defer os.RemoveAll(workDir)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			segment, ok := parseSegmentLine(scanner.Text())
			if !ok {
				continue
			}
			if !yield(segment, nil) {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
		}

		if err := scanner.Err(); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			yield(Segment{}, fmt.Errorf("read whisper output: %w", err))
			return
		}

		if err := cmd.Wait(); err != nil {
			yield(Segment{}, m.classify(err, stderr.String()))
		}
	}, nil
}

func (m *bundledModel) prepareInput(ctx context.Context, workDir string, audio []byte, format string) (string, error) {
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if format == "" {
		format = "bin"
	}

	inputPath := filepath.Join(workDir, "input."+format)
	if err := os.WriteFile(inputPath, audio, 0o600); err != nil {
		return "", fmt.Errorf("write audio to work directory: %w", err)
	}

	if nativeFormats[format] {
		return inputPath, nil
	}

	wavPath := filepath.Join(workDir, "input.wav")
	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error", "-y", "-i", inputPath, "-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le", wavPath}
	cmd := exec.CommandContext(ctx, m.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	m.logger.Debug("transcoding audio", zap.String("ffmpeg", m.ffmpeg), zap.String("format", format))
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("ffmpeg is required to decode .%s audio: %w", format, err)
		}
		return "", fmt.Errorf("decode .%s audio with ffmpeg: %w (%s)", format, err, strings.TrimSpace(stderr.String()))
	}

	return wavPath, nil
}

func (m *bundledModel) args(inputPath string, opts DecodeOptions) []string {
	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = LanguageAuto
	}

	args := []string{
		"--model", m.modelPath,
		"--file", inputPath,
		"--language", language,
		"--beam-size", strconv.Itoa(opts.BeamSize),
		"--threads", strconv.Itoa(m.threads),
		"--no-gpu",
	}

	if opts.VAD.Enabled {
		args = append(args,
			"--vad",
			"--vad-model", m.vadPath,
			"--vad-threshold", strconv.FormatFloat(opts.VAD.Threshold, 'f', -1, 64),
			"--vad-min-speech-duration-ms", strconv.Itoa(opts.VAD.MinSpeechDurationMs),
			"--vad-max-speech-duration-s", strconv.Itoa(opts.VAD.MaxSpeechDurationS),
		)
	}

	return args
}

func (m *bundledModel) classify(err error, stderr string) error {
	errText := strings.TrimSpace(stderr)
	if isMissingSharedLibraryError(errText) {
		return fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", m.executable, errText)
	}
	if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
		return fmt.Errorf("whisper engine crashed with an illegal CPU instruction; set %s to a whisper-cli binary built for this CPU", WhisperPathEnv)
	}
	return fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
}

func parseSegmentLine(line string) (Segment, bool) {
	match := segmentLinePattern.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if match == nil {
		return Segment{}, false
	}

	start, err := parseTimestamp(match[1])
	if err != nil {
		return Segment{}, false
	}
	end, err := parseTimestamp(match[2])
	if err != nil {
		return Segment{}, false
	}

	return Segment{Start: start, End: end, Text: match[3]}, true
}

// parseTimestamp reads whisper's HH:MM:SS.mmm notation.
func parseTimestamp(value string) (time.Duration, error) {
	value = strings.Replace(value, ",", ".", 1)
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed timestamp %q", value)
	}

	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second)), nil
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
