// Package modelcache keeps at most one loaded speech model per process.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/whiscribe/whiscribe/internal/whisper"
	"go.uber.org/zap"
)

const DefaultTTL = time.Hour

type Options struct {
	TTL            time.Duration
	Threads        int
	ComputeType    string
	LocalFilesOnly bool
	Logger         *zap.Logger
}

type entry struct {
	modelID  string
	cacheDir string
	loadedAt time.Time
	model    whisper.Model
}

// Cache is a single-slot, time-bounded cache in front of an engine. A lookup
// for anything other than the current slot evicts it.
type Cache struct {
	engine whisper.Engine
	opts   Options
	now    func() time.Time

	mu   sync.Mutex
	slot *entry
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(engine whisper.Engine, opts Options, options ...Option) (*Cache, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Threads < 1 {
		return nil, fmt.Errorf("threads must be at least 1, got %d", opts.Threads)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ComputeType == "" {
		opts.ComputeType = whisper.ComputeTypeInt8
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Cache{engine: engine, opts: opts, now: time.Now}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// GetOrLoad returns the cached model for (modelID, cacheDir) while it is
// younger than the TTL, loading it otherwise. An empty modelID means the
// default preset. The lock is held across the
// load so concurrent callers never load the same weights twice.
func (c *Cache) GetOrLoad(ctx context.Context, modelID, cacheDir string) (whisper.Model, error) {
	if strings.TrimSpace(modelID) == "" {
		modelID = whisper.DefaultModel
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot != nil && c.slot.modelID == modelID && c.slot.cacheDir == cacheDir && c.now().Sub(c.slot.loadedAt) < c.opts.TTL {
		c.opts.Logger.Debug("model cache hit", zap.String("model", modelID))
		return c.slot.model, nil
	}

	c.evictLocked("replaced")

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", cacheDir, err)
	}

	c.opts.Logger.Info("loading model", zap.String("model", modelID), zap.String("cache_dir", cacheDir))
	model, err := c.engine.Load(ctx, whisper.LoadOptions{
		ModelID:        modelID,
		DownloadRoot:   cacheDir,
		Device:         whisper.DeviceCPU,
		ComputeType:    c.opts.ComputeType,
		LocalFilesOnly: c.opts.LocalFilesOnly,
		CPUThreads:     c.opts.Threads,
	})
	if err != nil {
		return nil, fmt.Errorf("load model %q: %w", modelID, err)
	}

	// The TTL runs from when the model became usable, not from when a
	// possibly long download started.
	c.slot = &entry{modelID: modelID, cacheDir: cacheDir, loadedAt: c.now(), model: model}
	return model, nil
}

// Purge drops the cached model, if any.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked("purged")
}

// Current reports the identifier of the live model.
func (c *Cache) Current() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot == nil {
		return "", false
	}
	return c.slot.modelID, true
}

func (c *Cache) evictLocked(reason string) {
	if c.slot == nil {
		return
	}

	old := c.slot
	c.slot = nil
	c.opts.Logger.Info("evicting model", zap.String("model", old.modelID), zap.String("reason", reason))
	if closer, ok := old.model.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.opts.Logger.Warn("failed to close evicted model", zap.String("model", old.modelID), zap.Error(err))
		}
	}
}
