// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/theseedship/duckdb-mcp-gateway/uri"
)

const metadataFileName = ".cache-metadata.json"
const metadataVersion = 1

// Config holds the tunables named in spec.md §6 "Configuration options: Cache".
type Config struct {
	Dir             string        `yaml:"cacheDir"`
	DefaultTTL      time.Duration `yaml:"defaultTTL"`
	MaxSize         int64         `yaml:"maxSize"`
	MaxItems        int           `yaml:"maxItems"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// DefaultConfig returns the defaults listed in spec.md §6.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		DefaultTTL:      300 * time.Second,
		MaxSize:         1 << 30, // 1 GiB
		MaxItems:        1000,
		CleanupInterval: 60 * time.Second,
	}
}

// ErrCacheTooLarge is returned by CacheResource/CacheFile when a single
// entry's size exceeds MaxSize and eviction cannot make room for it.
var ErrCacheTooLarge = errors.New("cache: resource exceeds maxSize")

// Cache is a content-addressed on-disk cache for resolved resources.
//
// Cache.entries and the size/sequence counters are guarded by mu. File
// writes for distinct URIs are never serialized against one another (only
// metadata bookkeeping is), matching spec.md §5's "cache writes are not
// serialized across distinct URIs."
type Cache struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	entries     map[string]*CachedResource
	currentSize int64
	nextSeq     uint64

	hits, misses int64

	// degraded is set when metadata persistence has failed; the cache
	// keeps operating from RAM/disk-file state only (spec.md §7).
	degraded int32

	cron    *cron.Cron
	cronJob cron.EntryID
}

// New constructs a Cache rooted at cfg.Dir, creating the directory if
// necessary, loading any existing metadata, and starting the background
// cleanup task. Callers must call Close when done.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cache: Dir must not be empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	c := &Cache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*CachedResource),
	}
	c.load()

	c.cron = cron.New()
	spec := fmt.Sprintf("@every %s", cfg.CleanupInterval)
	id, err := c.cron.AddFunc(spec, c.cleanupExpired)
	if err != nil {
		// a bad duration should not prevent the cache from functioning;
		// log and continue without a background sweep.
		c.logger.Error().Err(err).Msg("cache: failed to schedule cleanup task")
	} else {
		c.cronJob = id
		c.cron.Start()
	}
	return c, nil
}

// Close stops the background cleanup task. It does not remove cached files.
func (c *Cache) Close() {
	if c.cron != nil {
		ctx := c.cron.Stop()
		<-ctx.Done()
	}
	c.flush()
}

func (c *Cache) errorf(format string, args ...any) {
	c.logger.Error().Msgf(format, args...)
}

func filename(u string, f uri.Format) string {
	sum := sha256.Sum256([]byte(u))
	return hex.EncodeToString(sum[:]) + "." + extensionFor(f)
}

// extensionFor maps a Format to the file extension used for cached files;
// cache only needs the extension string, not the format package's
// detection logic.
func extensionFor(f uri.Format) string {
	switch f {
	case uri.FormatCSV:
		return "csv"
	case uri.FormatJSON:
		return "json"
	case uri.FormatParquet:
		return "parquet"
	case uri.FormatArrow:
		return "arrow"
	case uri.FormatExcel:
		return "xlsx"
	case uri.FormatText:
		return "txt"
	default:
		return "bin"
	}
}

// CacheResource stores raw bytes under the content-addressed filename for
// u and returns the local path. ttl of zero uses cfg.DefaultTTL.
func (c *Cache) CacheResource(u string, data []byte, f uri.Format, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	name := filename(u, f)
	path := filepath.Join(c.cfg.Dir, name)

	size := int64(len(data))
	if err := c.reserve(u, size); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.release(u, size)
		return "", fmt.Errorf("cache: write %s: %w", path, err)
	}
	c.commit(u, path, f, size, ttl)
	return path, nil
}

// CacheFile copies the file at srcPath into the cache under the
// content-addressed filename for u.
func (c *Cache) CacheFile(u, srcPath string, f uri.Format, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	fi, err := os.Stat(srcPath)
	if err != nil {
		return "", fmt.Errorf("cache: stat source: %w", err)
	}
	name := filename(u, f)
	path := filepath.Join(c.cfg.Dir, name)
	size := fi.Size()
	if err := c.reserve(u, size); err != nil {
		return "", err
	}
	if err := copyFile(srcPath, path); err != nil {
		c.release(u, size)
		return "", fmt.Errorf("cache: copy %s: %w", srcPath, err)
	}
	c.commit(u, path, f, size, ttl)
	return path, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// reserve makes room for size bytes under maxSize/maxItems by evicting the
// entries with fewest hits, ties broken by oldest insertion order. It does
// not insert an entry for u; commit does that once the backing write has
// succeeded.
func (c *Cache) reserve(u string, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.cfg.MaxSize {
		// can't ever fit; spec permits failing outright here.
		return ErrCacheTooLarge
	}

	for len(c.entries) >= c.cfg.MaxItems || c.currentSize+size > c.cfg.MaxSize {
		victim := c.pickEvictionVictimLocked()
		if victim == "" {
			break
		}
		c.removeLocked(victim)
	}
	if len(c.entries) >= c.cfg.MaxItems || c.currentSize+size > c.cfg.MaxSize {
		return ErrCacheTooLarge
	}
	return nil
}

// release undoes the size bookkeeping reserve implicitly made room for,
// when the subsequent write failed. Since reserve does not actually book
// the size against currentSize (commit does), release is a no-op kept for
// symmetry and future bookkeeping changes.
func (c *Cache) release(u string, size int64) {}

func (c *Cache) pickEvictionVictimLocked() string {
	var bestURI string
	var bestHits int64 = -1
	var bestSeq uint64
	for u, e := range c.entries {
		if bestURI == "" || e.Hits < bestHits || (e.Hits == bestHits && e.seq < bestSeq) {
			bestURI, bestHits, bestSeq = u, e.Hits, e.seq
		}
	}
	return bestURI
}

// removeLocked deletes the entry for u and its backing file, assuming mu
// is already held.
func (c *Cache) removeLocked(u string) {
	e, ok := c.entries[u]
	if !ok {
		return
	}
	delete(c.entries, u)
	c.currentSize -= e.Size
	if err := os.Remove(e.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.errorf("cache: remove backing file %s: %s", e.LocalPath, err)
	}
}

func (c *Cache) commit(u, path string, f uri.Format, size int64, ttl time.Duration) {
	now := time.Now()
	c.mu.Lock()
	c.nextSeq++
	c.entries[u] = &CachedResource{
		URI:       u,
		LocalPath: path,
		Format:    f,
		Size:      size,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
		seq:       c.nextSeq,
	}
	c.currentSize += size
	c.mu.Unlock()
	c.persistBestEffort()
}

// GetCachedPath returns the local path for u if present, unexpired, and
// backed by an existing file. A hit increments Hits; a miss due to
// expiry or a missing backing file evicts the stale entry.
func (c *Cache) GetCachedPath(u string) (string, bool) {
	now := time.Now()
	c.mu.Lock()
	e, ok := c.entries[u]
	if !ok {
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		return "", false
	}
	if e.expired(now) {
		c.removeLocked(u)
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		c.persistBestEffort()
		return "", false
	}
	path := e.LocalPath
	c.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		c.mu.Lock()
		c.removeLocked(u)
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		c.persistBestEffort()
		return "", false
	}

	c.mu.Lock()
	if e2, ok := c.entries[u]; ok {
		e2.Hits++
	}
	c.mu.Unlock()
	atomic.AddInt64(&c.hits, 1)
	return path, true
}

// EvictResource removes u from the cache, if present. It is idempotent.
func (c *Cache) EvictResource(u string) {
	c.mu.Lock()
	c.removeLocked(u)
	c.mu.Unlock()
	c.persistBestEffort()
}

// ClearCache removes every entry and its backing file.
func (c *Cache) ClearCache() error {
	c.mu.Lock()
	for u := range c.entries {
		c.removeLocked(u)
	}
	c.mu.Unlock()
	return c.flush()
}

func (c *Cache) cleanupExpired() {
	now := time.Now()
	c.mu.Lock()
	var stale []string
	for u, e := range c.entries {
		if e.expired(now) {
			stale = append(stale, u)
		}
	}
	for _, u := range stale {
		c.removeLocked(u)
	}
	c.mu.Unlock()
	if len(stale) > 0 {
		c.persistBestEffort()
	}
}

// GetStats returns a snapshot of cache-wide counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		ItemCount: len(c.entries),
		TotalSize: c.currentSize,
		MaxSize:   c.cfg.MaxSize,
	}
	for _, e := range c.entries {
		if s.Oldest.IsZero() || e.CachedAt.Before(s.Oldest) {
			s.Oldest = e.CachedAt
		}
		if s.Newest.IsZero() || e.CachedAt.After(s.Newest) {
			s.Newest = e.CachedAt
		}
	}
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Degraded reports whether the cache is operating without metadata
// persistence (spec.md §7).
func (c *Cache) Degraded() bool {
	return atomic.LoadInt32(&c.degraded) != 0
}
