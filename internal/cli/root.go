package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/whiscribe/whiscribe/internal/audio"
	"github.com/whiscribe/whiscribe/internal/clipboard"
	"github.com/whiscribe/whiscribe/internal/config"
	"github.com/whiscribe/whiscribe/internal/download"
	"github.com/whiscribe/whiscribe/internal/logging"
	"github.com/whiscribe/whiscribe/internal/modelcache"
	"github.com/whiscribe/whiscribe/internal/orchestrator"
	"github.com/whiscribe/whiscribe/internal/platform"
	"github.com/whiscribe/whiscribe/internal/session"
	"github.com/whiscribe/whiscribe/internal/transcriber"
	"github.com/whiscribe/whiscribe/internal/version"
	"github.com/whiscribe/whiscribe/internal/whisper"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	configFile string
	envFile    string

	cfg    config.Config
	logger *zap.Logger

	engineFn func(cfg config.Config, logger *zap.Logger, noProgress bool) (whisper.Engine, error)
	clip     transcriptCopier
	fetcher  *download.Client
}

type transcriptCopier interface {
	Copy(ctx context.Context, transcript string) error
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(&appState{engineFn: newBundledEngine})
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "whiscribe",
		Short:         "Upload audio in the browser and get a transcript back",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.init(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.serve(cmd.Context())
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&app.verbose, "verbose", false, "Enable verbose logs")
	cmd.PersistentFlags().BoolVar(&app.jsonLogs, "json", false, "Enable JSON logging")
	cmd.PersistentFlags().BoolVar(&app.noProgress, "no-progress", false, "Disable progress indicators")
	cmd.PersistentFlags().StringVar(&app.configFile, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&app.envFile, "env-file", "", "Dotenv file to load (default ./.env when present)")

	bindServerFlags(cmd)
	bindModelFlags(cmd)
	bindDecodeFlags(cmd)

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindServerFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", config.DefaultAddr, "Address the web server listens on (use :8501 to listen on all interfaces)")
	cmd.Flags().Int64("max-upload-bytes", audio.DefaultMaxBytes, "Largest accepted upload in bytes")
	cmd.Flags().Duration("idle-ttl", session.DefaultIdleTTL, "Drop browser sessions idle for this long")
}

func bindModelFlags(cmd *cobra.Command) {
	cmd.Flags().String("model", whisper.DefaultModel, "Model preset: tiny|base|small|medium|large-v3|large-v3-turbo")
	cmd.Flags().String("cache-dir", "", "Directory where models are stored (default <app-dir>/.cache)")
	cmd.Flags().Duration("cache-ttl", modelcache.DefaultTTL, "How long a loaded model is reused")
	cmd.Flags().Int("threads", platform.DefaultThreads(), "CPU threads used for decoding")
	cmd.Flags().Bool("auto-download", true, "Automatically download missing models")
	cmd.Flags().String("whisper-path", "", "Path to the whisper-cli executable")
	cmd.Flags().String("ffmpeg-path", "ffmpeg", "Path to ffmpeg, used for containers whisper-cli cannot read")
}

func bindDecodeFlags(cmd *cobra.Command) {
	params := transcriber.DefaultParameters()
	cmd.Flags().Int("vad-min-speech-ms", params.VADMinSpeechMs, "Minimum speech segment length in ms (100-1000)")
	cmd.Flags().Int("vad-max-speech-s", params.VADMaxSpeechS, "Maximum speech chunk length in seconds (5-60)")
	cmd.Flags().Float64("vad-threshold", params.VADThreshold, "Voice activity threshold (0-1)")
	cmd.Flags().Int("beam-size", params.BeamSize, "Beam search width (1-10)")
}

func (a *appState) init(cmd *cobra.Command) error {
	logger, err := logging.New(logging.Options{Verbose: a.verbose, JSON: a.jsonLogs})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger

	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: a.configFile,
		EnvFile:    a.envFile,
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log().Debug("configuration loaded",
		zap.String("model", cfg.Model.Default),
		zap.String("cache_dir", cfg.Model.CacheDir),
		zap.Int("threads", cfg.Model.Threads),
	)
	return nil
}

// orchestrator wires engine, model cache and invoker from the loaded
// configuration.
func (a *appState) orchestrator() (*orchestrator.Orchestrator, error) {
	engineFn := a.engineFn
	if engineFn == nil {
		engineFn = newBundledEngine
	}

	engine, err := engineFn(a.cfg, a.log(), !a.progressEnabled())
	if err != nil {
		return nil, err
	}

	cache, err := modelcache.New(engine, modelcache.Options{
		TTL:            a.cfg.Model.CacheTTL,
		Threads:        a.cfg.Model.Threads,
		LocalFilesOnly: !a.cfg.Model.AutoDownload,
		Logger:         a.log(),
	})
	if err != nil {
		return nil, err
	}

	return orchestrator.New(cache, transcriber.NewInvoker(a.log()), audio.NewValidator(a.cfg.Upload.MaxBytes), a.log()), nil
}

func newBundledEngine(cfg config.Config, logger *zap.Logger, noProgress bool) (whisper.Engine, error) {
	engine, err := whisper.NewBundledEngine(cfg.Engine.WhisperPath, logger)
	if err != nil {
		return nil, err
	}
	engine.FFmpeg = cfg.Engine.FFmpegPath
	engine.NoProgress = noProgress
	return engine, nil
}

func (a *appState) downloader() *download.Client {
	if a.fetcher == nil {
		return &download.Client{NoProgress: !a.progressEnabled(), Logger: a.log()}
	}
	return a.fetcher
}

func (a *appState) copier() transcriptCopier {
	if a.clip == nil {
		return clipboard.New()
	}
	return a.clip
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
