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

// Package vfs orchestrates the uri, format, cache, registry, and pool
// packages to resolve mcp:// references to local files and to rewrite SQL
// text against them. Request deduplication for concurrent resolutions of
// the same URI follows the teacher's tenant/dcache.Cache pattern: an
// inflight set guarded by a sync.Cond, with waiters woken by Broadcast once
// the owning goroutine finishes.
package vfs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/theseedship/duckdb-mcp-gateway/cache"
	"github.com/theseedship/duckdb-mcp-gateway/format"
	"github.com/theseedship/duckdb-mcp-gateway/preprocess"
	"github.com/theseedship/duckdb-mcp-gateway/pool"
	"github.com/theseedship/duckdb-mcp-gateway/registry"
	"github.com/theseedship/duckdb-mcp-gateway/transport"
	"github.com/theseedship/duckdb-mcp-gateway/uri"
)

// Resolved is the result of resolving one mcp:// URI to a local file.
type Resolved struct {
	URI       string
	LocalPath string
	Format    uri.Format
	Cached    bool
	Server    string
}

// ConnectPattern describes one candidate address to try when
// auto-connecting to a server alias, in the order they should be attempted.
type ConnectPattern struct {
	Transport transport.Kind
	Address   string
}

// Stats mirrors spec.md §4.G's VFSStats record.
type Stats struct {
	TotalResolutions int64
	CacheHits        int64
	CacheMisses      int64
	Errors           int64
}

// VFS is the orchestrator tying together URI parsing, format detection,
// caching, the resource registry, and the connection pool.
type VFS struct {
	cache    *cache.Cache
	registry *registry.Registry
	pool     *pool.Pool
	detector *format.Detector

	connectPatterns map[string][]ConnectPattern

	mu               sync.Mutex
	cond             *sync.Cond
	inflight         map[string]struct{}
	connectedServers map[string]bool

	totalResolutions, cacheHits, cacheMisses, errs int64
}

// New constructs a VFS wired to the given subsystems. connectPatterns maps
// a server alias to the ordered list of addresses connectToServer should
// try.
func New(c *cache.Cache, r *registry.Registry, p *pool.Pool, connectPatterns map[string][]ConnectPattern) *VFS {
	v := &VFS{
		cache:            c,
		registry:         r,
		pool:             p,
		detector:         format.NewDetector(),
		connectPatterns:  connectPatterns,
		inflight:         make(map[string]struct{}),
		connectedServers: make(map[string]bool),
	}
	v.cond = sync.NewCond(&v.mu)
	return v
}

// ConnectToServer tries every configured connection pattern for alias in
// order until one successfully lists resources, registering the result
// with the Registry and marking alias connected.
func (v *VFS) ConnectToServer(ctx context.Context, alias string) error {
	patterns := v.connectPatterns[alias]
	if len(patterns) == 0 {
		return fmt.Errorf("vfs: no connection patterns configured for %q", alias)
	}

	var lastErr error
	for _, p := range patterns {
		sess, err := v.pool.GetSession(ctx, p.Address, p.Transport)
		if err != nil {
			lastErr = err
			continue
		}
		provider := transport.NewProvider(sess.Session)
		resources, err := provider.ListResources(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		inputs := make([]registry.ResourceInput, len(resources))
		for i, r := range resources {
			inputs[i] = registry.ResourceInput{URI: r.URI, Name: r.Name, MimeType: r.MimeType}
		}
		v.registry.Register(alias, inputs)

		v.mu.Lock()
		v.connectedServers[alias] = true
		v.mu.Unlock()
		return nil
	}
	return fmt.Errorf("vfs: connect to %q: %w", alias, lastErr)
}

// IsConnected reports whether ConnectToServer has succeeded for alias.
func (v *VFS) IsConnected(alias string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connectedServers[alias]
}

// ResolveURI resolves a single mcp:// URI to a local file, deduplicating
// concurrent requests for the same URI so they observe one fetch and an
// identical result.
func (v *VFS) ResolveURI(ctx context.Context, u string) (*Resolved, error) {
	atomic.AddInt64(&v.totalResolutions, 1)

	parsed, err := uri.Parse(u)
	if err != nil {
		atomic.AddInt64(&v.errs, 1)
		return nil, err
	}

	for {
		if path, ok := v.cache.GetCachedPath(u); ok {
			atomic.AddInt64(&v.cacheHits, 1)
			return &Resolved{URI: u, LocalPath: path, Format: parsed.Format, Cached: true, Server: parsed.Server}, nil
		}

		v.mu.Lock()
		if _, busy := v.inflight[u]; busy {
			v.cond.Wait()
			v.mu.Unlock()
			continue // recheck cache/inflight from the top
		}
		v.inflight[u] = struct{}{}
		v.mu.Unlock()
		break
	}

	res, err := v.fetchAndCache(ctx, u, parsed)

	v.mu.Lock()
	delete(v.inflight, u)
	v.cond.Broadcast()
	v.mu.Unlock()

	if err != nil {
		atomic.AddInt64(&v.errs, 1)
		return nil, err
	}
	atomic.AddInt64(&v.cacheMisses, 1)
	return res, nil
}

// fetchAndCache performs the actual resolution pipeline (spec.md §4.G
// "Resolution pipeline"): optional auto-connect, session fetch via Pool,
// decode content, detect format, cache, and return.
func (v *VFS) fetchAndCache(ctx context.Context, u string, parsed *uri.ParsedURI) (*Resolved, error) {
	if !v.IsConnected(parsed.Server) {
		if err := v.ConnectToServer(ctx, parsed.Server); err != nil {
			return nil, err
		}
	}

	addrs := v.connectPatterns[parsed.Server]
	if len(addrs) == 0 {
		return nil, fmt.Errorf("vfs: no connection pattern for server %q", parsed.Server)
	}
	sess, err := v.pool.GetSession(ctx, addrs[0].Address, addrs[0].Transport)
	if err != nil {
		return nil, err
	}
	provider := transport.NewProvider(sess.Session)
	raw, err := provider.ReadResourceRaw(ctx, u)
	if err != nil {
		return nil, err
	}
	data, mimeType, err := decodeContent(raw)
	if err != nil {
		return nil, err
	}

	f := v.detector.Detect(parsed.Extension, mimeType, data)
	localPath, err := v.cache.CacheResource(u, data, f, 0)
	if err != nil {
		return nil, err
	}
	v.registry.MarkCached(u)
	return &Resolved{URI: u, LocalPath: localPath, Format: f, Cached: false, Server: parsed.Server}, nil
}

// ResolveMultiple resolves every uri in uris in parallel; per-URI failures
// yield a nil entry at that position rather than aborting the batch.
func (v *VFS) ResolveMultiple(ctx context.Context, uris []string) []*Resolved {
	out := make([]*Resolved, len(uris))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range uris {
		i, u := i, u
		g.Go(func() error {
			res, err := v.ResolveURI(gctx, u)
			if err != nil {
				out[i] = nil
				return nil
			}
			out[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// PrecacheResource forces resolution (and thus caching) of u without
// returning anything to a caller that only cares about the side effect.
func (v *VFS) PrecacheResource(ctx context.Context, u string) error {
	_, err := v.ResolveURI(ctx, u)
	return err
}

// SearchResources delegates to the Registry's pattern search.
func (v *VFS) SearchResources(pattern string) []registry.FederatedResource {
	return v.registry.Search(pattern)
}

// ExpandGlob expands a glob mcp:// URI against every currently registered
// resource.
func (v *VFS) ExpandGlob(u string) ([]string, error) {
	all := v.registry.GetAllResources()
	avail := make([]uri.Resource, len(all))
	for i, r := range all {
		avail[i] = uri.Resource{Server: r.ServerAlias, URI: r.URI}
	}
	return uri.ExpandURI(u, avail)
}

// IsAvailable reports whether u resolves against the registry.
func (v *VFS) IsAvailable(u string) bool {
	_, ok := v.registry.Resolve(u)
	return ok
}

// ListAvailableResources returns every resource known to the registry.
func (v *VFS) ListAvailableResources() []registry.FederatedResource {
	return v.registry.GetAllResources()
}

// ClearCache empties the backing resource cache.
func (v *VFS) ClearCache() error {
	return v.cache.ClearCache()
}

// GetStats returns a snapshot of resolution counters.
func (v *VFS) GetStats() Stats {
	return Stats{
		TotalResolutions: atomic.LoadInt64(&v.totalResolutions),
		CacheHits:        atomic.LoadInt64(&v.cacheHits),
		CacheMisses:      atomic.LoadInt64(&v.cacheMisses),
		Errors:           atomic.LoadInt64(&v.errs),
	}
}

// ProcessQuery expands globs first (UNION ALL over resolved locals), then
// rewrites remaining mcp:// URIs via resolveURI, matching spec.md §4.G.
func (v *VFS) ProcessQuery(ctx context.Context, sql string) (string, error) {
	resolver := func(u string) (string, uri.Format, bool) {
		res, err := v.ResolveURI(ctx, u)
		if err != nil {
			return "", uri.FormatUnknown, false
		}
		return res.LocalPath, res.Format, true
	}
	expandGlob := func(u string) []string {
		expanded, err := v.ExpandGlob(u)
		if err != nil {
			return nil
		}
		return expanded
	}

	result, err := preprocess.Transform(sql, expandGlob, resolver)
	if err != nil {
		return "", err
	}
	return result.TransformedQuery, nil
}
