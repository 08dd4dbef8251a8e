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

// Package gateway is the owning root that wires the cache, registry, pool,
// vfs, and router packages together into one federated query service, the
// way cmd/snellerd's server type owns a tenant.Manager and an auth.Provider
// and composes them into request handlers. vfs and router are siblings
// here, not layered: both hold independent references to the same shared
// Registry and Pool, matching spec.md §9's "owning root wires both rather
// than one importing the other" design note.
package gateway

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/theseedship/duckdb-mcp-gateway/cache"
	"github.com/theseedship/duckdb-mcp-gateway/pool"
	"github.com/theseedship/duckdb-mcp-gateway/transport"
)

// ConnectPattern is the YAML-facing form of a candidate server address; New
// converts it into both vfs.ConnectPattern and router.ConnectPattern when
// wiring, since those packages intentionally define their own identical
// types rather than importing one shared one (spec.md §9).
type ConnectPattern struct {
	Transport transport.Kind `yaml:"transport"`
	Address   string         `yaml:"address"`
}

// VFSConfig holds the VFS-level options named in spec.md §6.
type VFSConfig struct {
	AutoConnect        bool                        `yaml:"autoConnect"`
	AutoDiscovery      bool                        `yaml:"autoDiscovery"`
	ConnectionPatterns map[string][]ConnectPattern `yaml:"connectionPatterns"`
}

// Config aggregates every subsystem's tunables into one YAML-loadable
// document, the way cmd/snellerd/env.go composes daemon configuration from
// several optional sources, generalized here into a single struct.
type Config struct {
	Cache cache.Config `yaml:"cache"`
	Pool  pool.Config  `yaml:"pool"`
	VFS   VFSConfig    `yaml:"vfs"`

	// EngineDSN is passed to engine.NewSQLiteAdapter. "file::memory:?cache=shared"
	// for a process-local in-memory engine (the default), or a filesystem
	// path for one that survives restarts.
	EngineDSN string `yaml:"engineDSN"`

	// ListenAddr is cmd/fedgated's HTTP bind address; unused by the
	// gateway package itself but kept on Config so one YAML document
	// configures the whole daemon.
	ListenAddr string `yaml:"listenAddr"`

	// QueryToolPattern overrides router.Router's default query-tool-name
	// regex (spec.md §9 open question: the heuristic for recognizing a
	// provider tool as a query/SQL tool is configurable, not hard-coded).
	// Empty keeps the router's default of "(?i)query|sql".
	QueryToolPattern string `yaml:"queryToolPattern"`
}

// DefaultConfig returns the defaults named in spec.md §6, with cacheDir
// rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Cache:      cache.DefaultConfig(dir),
		Pool:       pool.DefaultConfig(),
		VFS:        VFSConfig{AutoConnect: true, AutoDiscovery: true},
		EngineDSN:  "file::memory:?cache=shared",
		ListenAddr: "127.0.0.1:8600",
	}
}

// LoadConfig reads and parses a YAML config file, applying DefaultConfig's
// values to any field left zero.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig(os.TempDir())
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("gateway: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("gateway: parse config %s: %w", path, err)
	}
	return cfg, nil
}
