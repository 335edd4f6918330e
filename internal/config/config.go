// Package config assembles runtime settings from defaults, an optional YAML
// file, an optional .env file, WHISCRIBE_* environment variables and command
// line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/whiscribe/whiscribe/internal/audio"
	"github.com/whiscribe/whiscribe/internal/modelcache"
	"github.com/whiscribe/whiscribe/internal/platform"
	"github.com/whiscribe/whiscribe/internal/session"
	"github.com/whiscribe/whiscribe/internal/transcriber"
	"github.com/whiscribe/whiscribe/internal/validation"
	"github.com/whiscribe/whiscribe/internal/whisper"
)

const (
	EnvPrefix = "WHISCRIBE"

	// DefaultAddr keeps the server on the loopback interface unless an
	// address is configured explicitly.
	DefaultAddr = "127.0.0.1:8501"
)

type Config struct {
	Server   Server                 `mapstructure:"server"`
	Model    Model                  `mapstructure:"model"`
	Engine   Engine                 `mapstructure:"engine"`
	Upload   Upload                 `mapstructure:"upload"`
	Session  Session                `mapstructure:"session"`
	Defaults transcriber.Parameters `mapstructure:"defaults"`
}

type Server struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

type Model struct {
	Default      string        `mapstructure:"default" validate:"required"`
	CacheDir     string        `mapstructure:"cache_dir"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
	Threads      int           `mapstructure:"threads" validate:"gte=1"`
	AutoDownload bool          `mapstructure:"auto_download"`
}

type Engine struct {
	WhisperPath string `mapstructure:"whisper_path"`
	FFmpegPath  string `mapstructure:"ffmpeg_path" validate:"required"`
}

type Upload struct {
	MaxBytes int64 `mapstructure:"max_bytes" validate:"gte=1"`
}

type Session struct {
	IdleTTL time.Duration `mapstructure:"idle_ttl" validate:"gt=0"`
}

// FlagKeys maps command line flag names onto configuration keys.
var FlagKeys = map[string]string{
	"addr":              "server.addr",
	"model":             "model.default",
	"cache-dir":         "model.cache_dir",
	"cache-ttl":         "model.cache_ttl",
	"threads":           "model.threads",
	"auto-download":     "model.auto_download",
	"whisper-path":      "engine.whisper_path",
	"ffmpeg-path":       "engine.ffmpeg_path",
	"max-upload-bytes":  "upload.max_bytes",
	"idle-ttl":          "session.idle_ttl",
	"vad-min-speech-ms": "defaults.vad_min_speech_ms",
	"vad-max-speech-s":  "defaults.vad_max_speech_s",
	"vad-threshold":     "defaults.vad_threshold",
	"beam-size":         "defaults.beam_size",
}

type LoadOptions struct {
	// ConfigFile is an explicit YAML file; it must exist when set.
	ConfigFile string
	// EnvFile is an explicit dotenv file; when empty, ./.env is read if present.
	EnvFile string
	Flags   *pflag.FlagSet
}

func SetDefaults(v *viper.Viper) {
	params := transcriber.DefaultParameters()

	v.SetDefault("server.addr", DefaultAddr)
	v.SetDefault("model.default", whisper.DefaultModel)
	v.SetDefault("model.cache_dir", "")
	v.SetDefault("model.cache_ttl", modelcache.DefaultTTL)
	v.SetDefault("model.threads", platform.DefaultThreads())
	v.SetDefault("model.auto_download", true)
	v.SetDefault("engine.whisper_path", "")
	v.SetDefault("engine.ffmpeg_path", "ffmpeg")
	v.SetDefault("upload.max_bytes", audio.DefaultMaxBytes)
	v.SetDefault("session.idle_ttl", session.DefaultIdleTTL)
	v.SetDefault("defaults.vad_min_speech_ms", params.VADMinSpeechMs)
	v.SetDefault("defaults.vad_max_speech_s", params.VADMaxSpeechS)
	v.SetDefault("defaults.vad_threshold", params.VADThreshold)
	v.SetDefault("defaults.beam_size", params.BeamSize)
}

func Load(opts LoadOptions) (Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return Config{}, err
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", opts.ConfigFile, err)
		}
	}

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cacheDir, err := platform.ResolveCacheDir(cfg.Model.CacheDir)
	if err != nil {
		return Config{}, err
	}
	cfg.Model.CacheDir = cacheDir

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, ok := whisper.LookupModel(c.Model.Default); !ok {
		return fmt.Errorf("invalid configuration: %w %q (known models: %s)", whisper.ErrUnknownModel, c.Model.Default, strings.Join(whisper.ModelNames(), ", "))
	}
	return nil
}

// Settings is the starting point for a new session.
func (c Config) Settings() session.Settings {
	return session.Settings{
		Model:    c.Model.Default,
		CacheDir: c.Model.CacheDir,
		Params:   c.Defaults,
	}
}

// loadEnvFile exports dotenv values without overriding variables that are
// already set in the process environment.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}

	if _, err := os.Stat(".env"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat .env: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
