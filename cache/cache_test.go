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
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/theseedship/duckdb-mcp-gateway/uri"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	dir := t.TempDir()
	cfg.Dir = dir
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 1 << 20
	}
	if cfg.MaxItems == 0 {
		cfg.MaxItems = 100
	}
	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCacheResourceThenGetCachedPath(t *testing.T) {
	c := newTestCache(t, Config{})
	path, err := c.CacheResource("mcp://api/a.json", []byte(`[1,2,3]`), uri.FormatJSON, 0)
	require.NoError(t, err)

	got, ok := c.GetCachedPath("mcp://api/a.json")
	require.True(t, ok)
	require.Equal(t, path, got)
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestGetCachedPathMissingIsNil(t *testing.T) {
	c := newTestCache(t, Config{})
	_, ok := c.GetCachedPath("mcp://api/nope.json")
	require.False(t, ok)
}

func TestCacheResourceExpiry(t *testing.T) {
	c := newTestCache(t, Config{})
	_, err := c.CacheResource("mcp://api/a.json", []byte("x"), uri.FormatText, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.GetCachedPath("mcp://api/a.json")
	require.False(t, ok)
}

func TestEvictionByFewestHits(t *testing.T) {
	c := newTestCache(t, Config{MaxItems: 2, MaxSize: 1 << 20})
	_, err := c.CacheResource("mcp://api/a.json", []byte("a"), uri.FormatText, 0)
	require.NoError(t, err)
	_, err = c.CacheResource("mcp://api/b.json", []byte("b"), uri.FormatText, 0)
	require.NoError(t, err)

	// touch "a" so it has more hits than "b"
	_, ok := c.GetCachedPath("mcp://api/a.json")
	require.True(t, ok)

	_, err = c.CacheResource("mcp://api/c.json", []byte("c"), uri.FormatText, 0)
	require.NoError(t, err)

	// "b" (fewest hits) should have been evicted to make room for "c"
	_, ok = c.GetCachedPath("mcp://api/b.json")
	require.False(t, ok)
	_, ok = c.GetCachedPath("mcp://api/a.json")
	require.True(t, ok)
	_, ok = c.GetCachedPath("mcp://api/c.json")
	require.True(t, ok)
}

func TestInvariantCurrentSizeMatchesSum(t *testing.T) {
	c := newTestCache(t, Config{MaxItems: 10, MaxSize: 1 << 20})
	for i := 0; i < 5; i++ {
		_, err := c.CacheResource("mcp://api/"+string(rune('a'+i))+".json", []byte("12345"), uri.FormatText, 0)
		require.NoError(t, err)
	}
	stats := c.GetStats()
	require.LessOrEqual(t, stats.ItemCount, 10)
	require.LessOrEqual(t, stats.TotalSize, stats.MaxSize)

	var sum int64
	c.mu.Lock()
	for _, e := range c.entries {
		sum += e.Size
	}
	c.mu.Unlock()
	require.Equal(t, sum, stats.TotalSize)
}

func TestClearCache(t *testing.T) {
	c := newTestCache(t, Config{})
	_, err := c.CacheResource("mcp://api/a.json", []byte("x"), uri.FormatText, 0)
	require.NoError(t, err)
	require.NoError(t, c.ClearCache())
	_, ok := c.GetCachedPath("mcp://api/a.json")
	require.False(t, ok)
}

func TestEvictResourceIdempotent(t *testing.T) {
	c := newTestCache(t, Config{})
	c.EvictResource("mcp://api/never-existed.json")
	c.EvictResource("mcp://api/never-existed.json")
}

func TestMetadataPersistenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir, DefaultTTL: time.Hour, CleanupInterval: time.Hour, MaxSize: 1 << 20, MaxItems: 10}
	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	_, err = c.CacheResource("mcp://api/a.json", []byte("hello"), uri.FormatText, 0)
	require.NoError(t, err)
	c.Close()

	c2, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer c2.Close()
	path, ok := c2.GetCachedPath("mcp://api/a.json")
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestNoTwoEntriesShareLocalPath(t *testing.T) {
	c := newTestCache(t, Config{})
	p1, err := c.CacheResource("mcp://api/a.json", []byte("x"), uri.FormatJSON, 0)
	require.NoError(t, err)
	p2, err := c.CacheResource("mcp://api/b.json", []byte("y"), uri.FormatJSON, 0)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
}
