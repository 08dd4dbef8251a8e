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
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
)

func (c *Cache) metadataPath() string {
	return filepath.Join(c.cfg.Dir, metadataFileName)
}

// load reads the metadata document, skipping any entry whose backing file
// is absent, per spec.md §4.C "On initialize, metadata is loaded; entries
// whose backing file is absent are silently skipped."
func (c *Cache) load() {
	raw, err := os.ReadFile(c.metadataPath())
	if err != nil {
		return // no metadata yet; not an error
	}
	var doc metadataDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		c.errorf("cache: corrupt metadata file, starting empty: %s", err)
		return
	}
	var seq uint64
	for _, item := range doc.Items {
		if _, err := os.Stat(item.LocalPath); err != nil {
			continue
		}
		seq++
		c.entries[item.URI] = &CachedResource{
			URI:       item.URI,
			LocalPath: item.LocalPath,
			Format:    item.Format,
			Size:      item.Size,
			CachedAt:  item.CachedAt,
			ExpiresAt: item.ExpiresAt,
			Hits:      item.Hits,
			seq:       seq,
		}
		c.currentSize += item.Size
	}
	c.nextSeq = seq
}

// flush writes the current entry set to the metadata file. Failures are
// logged, flip the cache into degraded (RAM-only) mode, and are returned;
// ClearCache passes the error on, persistBestEffort discards it.
func (c *Cache) flush() error {
	c.mu.Lock()
	doc := metadataDoc{Version: metadataVersion}
	for _, e := range c.entries {
		doc.Items = append(doc.Items, metadataDocItem{
			URI:       e.URI,
			LocalPath: e.LocalPath,
			Format:    e.Format,
			Size:      e.Size,
			CachedAt:  e.CachedAt,
			ExpiresAt: e.ExpiresAt,
			Hits:      e.Hits,
		})
	}
	c.mu.Unlock()

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		atomic.StoreInt32(&c.degraded, 1)
		c.errorf("cache: marshal metadata: %s", err)
		return err
	}
	tmp := c.metadataPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		atomic.StoreInt32(&c.degraded, 1)
		c.errorf("cache: write metadata: %s", err)
		return err
	}
	if err := os.Rename(tmp, c.metadataPath()); err != nil {
		atomic.StoreInt32(&c.degraded, 1)
		c.errorf("cache: rename metadata: %s", err)
		return err
	}
	atomic.StoreInt32(&c.degraded, 0)
	return nil
}

// persistBestEffort flushes metadata, swallowing the error: every mutation
// attempts a best-effort persist, per spec.md §4.C.
func (c *Cache) persistBestEffort() {
	_ = c.flush()
}
