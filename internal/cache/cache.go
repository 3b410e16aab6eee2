package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/hifidl/hifidl/internal/logctx"
)

const (
	filePerm = 0644
	dirPerm  = 0755

	// DefaultMaxValueSize caps the serialized entry size; oversized metadata
	// blobs are rejected rather than truncated.
	DefaultMaxValueSize = 500 * 1024

	// DefaultMaxAge is how long an entry stays valid.
	DefaultMaxAge = 24 * time.Hour

	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = time.Hour
)

// Options tunes a Cache. Zero values pick the defaults above.
type Options struct {
	MaxAge       time.Duration
	MaxValueSize int

	// Observer is told about every hit (true) or miss (false). Statistics
	// only; it must not affect correctness.
	Observer func(hit bool)
}

// Cache is a TTL-bounded, size-capped file cache for idempotent upstream
// responses. One entry per file, keyed by a hash of the logical key. The
// whole system stays correct with the cache disabled; this is purely a
// performance optimization.
type Cache struct {
	dir          string
	maxAge       time.Duration
	maxValueSize int
	observer     func(hit bool)

	now func() time.Time
}

type envelope struct {
	Key        string          `json:"key"`
	RecordedAt int64           `json:"recorded_at"`
	Value      json.RawMessage `json:"value"`
}

// New creates the cache directory (under dir/cache) if needed.
func New(dir string, opts Options) (*Cache, error) {
	cacheDir := filepath.Join(dir, "cache")
	if err := os.MkdirAll(cacheDir, dirPerm); err != nil {
		return nil, err
	}

	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}

	if opts.MaxValueSize <= 0 {
		opts.MaxValueSize = DefaultMaxValueSize
	}

	return &Cache{
		dir:          cacheDir,
		maxAge:       opts.MaxAge,
		maxValueSize: opts.MaxValueSize,
		observer:     opts.Observer,
		now:          time.Now,
	}, nil
}

// Get returns the raw value for key, or ok=false when absent or expired.
// An expired entry is deleted as a side effect of the miss.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	logger := logctx.LoggerFromContext(ctx)
	path := c.path(key)

	raw, err := os.ReadFile(path)
	if err != nil {
		return c.miss()
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Debug("cache read failed", "key", key, "err", err)

		return c.miss()
	}

	if c.now().Sub(time.Unix(env.RecordedAt, 0)) > c.maxAge {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Debug("failed to remove expired cache entry", "key", key, "err", err)
		}

		return c.miss()
	}

	if c.observer != nil {
		c.observer(true)
	}

	return env.Value, true
}

// GetInto unmarshals a cached value into out. Same semantics as Get.
func (c *Cache) GetInto(ctx context.Context, key string, out any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}

	if err := json.Unmarshal(raw, out); err != nil {
		logctx.LoggerFromContext(ctx).Debug("cache entry unmarshal failed", "key", key, "err", err)

		return false
	}

	return true
}

// Set serializes value and stores it under key. Returns false (and stores
// nothing) when the serialized entry exceeds the size cap or cannot be
// written; cache failures never propagate.
func (c *Cache) Set(ctx context.Context, key string, value any) bool {
	logger := logctx.LoggerFromContext(ctx)

	raw, err := json.Marshal(value)
	if err != nil {
		logger.Warn("cache value not serializable", "key", key, "err", err)

		return false
	}

	payload, err := json.Marshal(envelope{
		Key:        key,
		RecordedAt: c.now().Unix(),
		Value:      raw,
	})
	if err != nil {
		return false
	}

	if len(payload) > c.maxValueSize {
		logger.Debug("cache value too large, skipping", "key", key, "size", len(payload))

		return false
	}

	// The entry lands under a temp name first and becomes visible through
	// an atomic rename, so a concurrent Get never sees a partial write and
	// writers of unrelated keys never serialize on a shared lock.
	tmp, err := os.CreateTemp(c.dir, "put-*.tmp")
	if err != nil {
		logger.Warn("cache write failed", "key", key, "err", err)

		return false
	}

	_, err = tmp.Write(payload)
	if err == nil {
		err = tmp.Chmod(filePerm)
	}

	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Rename(tmp.Name(), c.path(key))
	}

	if err != nil {
		os.Remove(tmp.Name())
		logger.Warn("cache write failed", "key", key, "err", err)

		return false
	}

	return true
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return err
	}

	for _, path := range entries {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	logctx.LoggerFromContext(ctx).Info("cache cleared", "entries", len(entries))

	return nil
}

// Sweep removes every entry older than the max age and returns how many it
// deleted. It works from file modification times so it never has to parse
// entries it is about to delete.
func (c *Cache) Sweep(ctx context.Context) int {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		logger.Warn("cache sweep failed", "err", err)

		return 0
	}

	cleaned := 0

	for _, path := range entries {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		if c.now().Sub(info.ModTime()) <= c.maxAge {
			continue
		}

		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove expired cache entry", "file", filepath.Base(path), "err", err)

			continue
		}

		cleaned++
	}

	if cleaned > 0 {
		logger.Debug("cache sweep removed expired entries", "count", cleaned)
	}

	return cleaned
}

// StartSweeper runs Sweep every interval until ctx is cancelled. Sweeping
// never blocks reads or writes.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Debug("cache sweeper shutting down")

				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
}

func (c *Cache) path(key string) string {
	sum := sha256.Sum256([]byte(key))

	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}

func (c *Cache) miss() (json.RawMessage, bool) {
	if c.observer != nil {
		c.observer(false)
	}

	return nil, false
}
