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

// Package registry implements the namespaced catalog of resources across
// providers: Registry owns every FederatedResource outright; callers only
// ever hold opaque keys (server alias, uri), mirroring the owning-root
// discipline spec.md §9 calls for to avoid cyclic references between the
// registry and its resources.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/theseedship/duckdb-mcp-gateway/uri"
)

// FederatedResource is a single catalog entry.
type FederatedResource struct {
	ServerAlias string
	URI         string
	FullURI     string
	Name        string
	MimeType    string
	LastSeen    time.Time
	Cached      bool
}

// ResourceInput is the caller-supplied shape for Register; LastSeen/Cached
// are assigned by the registry, not the caller.
type ResourceInput struct {
	URI      string
	Name     string
	MimeType string
}

type key struct {
	alias string
	uri   string
}

// Registry is a thread-safe namespaced map of provider alias -> resources.
//
// Three indexes are kept consistent after every mutation, per spec.md
// §4.D: the primary map keyed by (alias, uri), a secondary per-alias set,
// and an inverse fullURI -> key map.
type Registry struct {
	mu        sync.RWMutex
	primary   map[key]*FederatedResource
	byAlias   map[string]map[key]struct{}
	byFullURI map[string]key
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		primary:   make(map[key]*FederatedResource),
		byAlias:   make(map[string]map[key]struct{}),
		byFullURI: make(map[string]key),
	}
}

// Register atomically replaces any prior resource set for serverAlias.
func (r *Registry) Register(serverAlias string, resources []ResourceInput) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearServerLocked(serverAlias)

	set := make(map[key]struct{}, len(resources))
	for _, in := range resources {
		k := key{alias: serverAlias, uri: in.URI}
		full := uri.FullURI(serverAlias, in.URI)
		fr := &FederatedResource{
			ServerAlias: serverAlias,
			URI:         in.URI,
			FullURI:     full,
			Name:        in.Name,
			MimeType:    in.MimeType,
			LastSeen:    now,
			Cached:      false,
		}
		r.primary[k] = fr
		r.byFullURI[full] = k
		set[k] = struct{}{}
	}
	r.byAlias[serverAlias] = set
}

func (r *Registry) clearServerLocked(serverAlias string) {
	for k := range r.byAlias[serverAlias] {
		if fr, ok := r.primary[k]; ok {
			delete(r.byFullURI, fr.FullURI)
		}
		delete(r.primary, k)
	}
	delete(r.byAlias, serverAlias)
}

// Resolved is the result of a successful Resolve/ResolveGlob lookup.
type Resolved struct {
	Server   string
	Resource FederatedResource
}

// Resolve accepts "mcp://<server>/<path>", "<server>:<path>", or a bare
// "<path>" (first match wins for bare lookups).
func (r *Registry) Resolve(u string) (*Resolved, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.HasPrefix(u, "mcp://") {
		if k, ok := r.byFullURI[u]; ok {
			fr := *r.primary[k]
			return &Resolved{Server: k.alias, Resource: fr}, true
		}
		// fall through: an mcp:// URI not yet registered still might
		// parse into a (server, path) pair worth trying directly.
		if p, err := uri.Parse(u); err == nil {
			k := key{alias: p.Server, uri: p.Path}
			if fr, ok := r.primary[k]; ok {
				cp := *fr
				return &Resolved{Server: p.Server, Resource: cp}, true
			}
		}
		return nil, false
	}

	if idx := strings.IndexByte(u, ':'); idx > 0 {
		alias, path := u[:idx], u[idx+1:]
		k := key{alias: alias, uri: path}
		if fr, ok := r.primary[k]; ok {
			cp := *fr
			return &Resolved{Server: alias, Resource: cp}, true
		}
	}

	// bare <path>: first match wins, in iteration order
	for k, fr := range r.primary {
		if k.uri == u {
			cp := *fr
			return &Resolved{Server: k.alias, Resource: cp}, true
		}
	}
	return nil, false
}

// ResolveGlob matches pattern (an mcp:// URI with glob characters) against
// every registered resource.
func (r *Registry) ResolveGlob(pattern string) []Resolved {
	p, err := uri.Parse(pattern)
	if err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Resolved
	for k, fr := range r.primary {
		if !uri.MatchesGlob(p.Server, k.alias) {
			continue
		}
		path := p.Path
		if path == "" {
			path = "/"
		}
		candidate := k.uri
		if !strings.HasPrefix(candidate, "/") {
			candidate = "/" + candidate
		}
		if !uri.MatchesGlob(path, candidate) {
			continue
		}
		out = append(out, Resolved{Server: k.alias, Resource: *fr})
	}
	return out
}

// GetServerResources returns every resource registered for alias.
func (r *Registry) GetServerResources(alias string) []FederatedResource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byAlias[alias]
	out := make([]FederatedResource, 0, len(set))
	for k := range set {
		out = append(out, *r.primary[k])
	}
	return out
}

// GetAllResources returns every registered resource across all aliases.
func (r *Registry) GetAllResources() []FederatedResource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FederatedResource, 0, len(r.primary))
	for _, fr := range r.primary {
		out = append(out, *fr)
	}
	return out
}

// Search matches pattern (substring or glob) against resource name, uri,
// and fullURI.
func (r *Registry) Search(pattern string) []FederatedResource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hasGlob := strings.ContainsAny(pattern, "*?[")
	var out []FederatedResource
	for _, fr := range r.primary {
		if hasGlob {
			if uri.MatchesGlob(pattern, fr.Name) || uri.MatchesGlob(pattern, fr.URI) || uri.MatchesGlob(pattern, fr.FullURI) {
				out = append(out, *fr)
			}
			continue
		}
		if strings.Contains(fr.Name, pattern) || strings.Contains(fr.URI, pattern) || strings.Contains(fr.FullURI, pattern) {
			out = append(out, *fr)
		}
	}
	return out
}

// MarkCached flags the resource identified by its full mcp:// URI as cached.
func (r *Registry) MarkCached(fullURI string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.byFullURI[fullURI]; ok {
		if fr, ok := r.primary[k]; ok {
			fr.Cached = true
		}
	}
}

// IsCached reports the cached flag for fullURI.
func (r *Registry) IsCached(fullURI string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.byFullURI[fullURI]; ok {
		if fr, ok := r.primary[k]; ok {
			return fr.Cached
		}
	}
	return false
}

// ClearServer removes every resource registered for alias.
func (r *Registry) ClearServer(alias string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearServerLocked(alias)
}

// ClearAll removes every registered resource, across all aliases.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = make(map[key]*FederatedResource)
	r.byAlias = make(map[string]map[key]struct{})
	r.byFullURI = make(map[string]key)
}

// Stats is a snapshot of registry-wide counters.
type Stats struct {
	ServerCount   int
	ResourceCount int
	CachedCount   int
}

// GetStats returns a snapshot of registry-wide counters.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	s.ServerCount = len(r.byAlias)
	s.ResourceCount = len(r.primary)
	for _, fr := range r.primary {
		if fr.Cached {
			s.CachedCount++
		}
	}
	return s
}

// Snapshot is the round-trippable export/import form of the registry.
type Snapshot struct {
	Servers map[string][]FederatedResource `json:"servers"`
}

// Export produces a round-trippable snapshot of the registry.
func (r *Registry) Export() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{Servers: make(map[string][]FederatedResource, len(r.byAlias))}
	for alias, set := range r.byAlias {
		list := make([]FederatedResource, 0, len(set))
		for k := range set {
			list = append(list, *r.primary[k])
		}
		snap.Servers[alias] = list
	}
	return snap
}

// Import restores a previously exported snapshot, replacing the current
// contents of the registry.
func (r *Registry) Import(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = make(map[key]*FederatedResource)
	r.byAlias = make(map[string]map[key]struct{})
	r.byFullURI = make(map[string]key)
	for alias, resources := range snap.Servers {
		set := make(map[key]struct{}, len(resources))
		for _, fr := range resources {
			cp := fr
			cp.ServerAlias, cp.FullURI = alias, uri.FullURI(alias, fr.URI)
			k := key{alias: alias, uri: fr.URI}
			r.primary[k] = &cp
			r.byFullURI[cp.FullURI] = k
			set[k] = struct{}{}
		}
		r.byAlias[alias] = set
	}
}
