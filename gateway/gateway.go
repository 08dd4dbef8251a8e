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

package gateway

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/theseedship/duckdb-mcp-gateway/cache"
	"github.com/theseedship/duckdb-mcp-gateway/engine"
	"github.com/theseedship/duckdb-mcp-gateway/pool"
	"github.com/theseedship/duckdb-mcp-gateway/registry"
	"github.com/theseedship/duckdb-mcp-gateway/router"
	"github.com/theseedship/duckdb-mcp-gateway/vfs"
)

// Stats is the aggregated getStats() snapshot combining every subsystem,
// mirroring cmd/snellerd/handler_query_stats.go's shape of reporting one
// combined stats object rather than one endpoint per subsystem.
type Stats struct {
	VFS      vfs.Stats
	Cache    cache.Stats
	Pool     pool.Stats
	Router   router.Stats
	Registry registry.Stats
}

// Health is the gateway.Health()/GET /healthz payload: new observability
// surface implied by spec.md §7's degraded-mode behavior but never named
// as an operation in the distilled spec.
type Health struct {
	PoolHealthy        int
	PoolTotal          int
	PoolHealthFraction float64
	CacheDegraded      bool
}

// Gateway is the owning root: it constructs the shared Registry and Pool
// and wires them into a VFS and a Router as independent siblings, then
// exposes one facade for query execution, resource resolution, stats, and
// graceful shutdown.
type Gateway struct {
	cfg    Config
	logger zerolog.Logger

	cache    *cache.Cache
	registry *registry.Registry
	pool     *pool.Pool
	engine   engine.Adapter
	vfs      *vfs.VFS
	router   *router.Router

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New constructs a Gateway from cfg, opening the engine and starting the
// pool's and cache's background tasks. Callers must call Destroy to shut
// it down cleanly.
func New(cfg Config, logger zerolog.Logger) (*Gateway, error) {
	c, err := cache.New(cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("gateway: init cache: %w", err)
	}

	eng, err := engine.NewSQLiteAdapter(cfg.EngineDSN)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("gateway: init engine: %w", err)
	}

	reg := registry.New()
	p := pool.New(cfg.Pool, logger)

	vfsPatterns := make(map[string][]vfs.ConnectPattern, len(cfg.VFS.ConnectionPatterns))
	routerPatterns := make(map[string][]router.ConnectPattern, len(cfg.VFS.ConnectionPatterns))
	for alias, patterns := range cfg.VFS.ConnectionPatterns {
		for _, cp := range patterns {
			vfsPatterns[alias] = append(vfsPatterns[alias], vfs.ConnectPattern{Transport: cp.Transport, Address: cp.Address})
			routerPatterns[alias] = append(routerPatterns[alias], router.ConnectPattern{Transport: cp.Transport, Address: cp.Address})
		}
	}

	v := vfs.New(c, reg, p, vfsPatterns)
	routerOpts := []router.Option{router.WithLogger(logger.With().Str("component", "router").Logger())}
	if cfg.QueryToolPattern != "" {
		re, err := regexp.Compile(cfg.QueryToolPattern)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("gateway: invalid queryToolPattern: %w", err)
		}
		routerOpts = append(routerOpts, router.WithQueryToolMatcher(re))
	}
	rt := router.New(reg, p, eng, routerPatterns, routerOpts...)

	g := &Gateway{
		cfg:      cfg,
		logger:   logger.With().Str("component", "gateway").Logger(),
		cache:    c,
		registry: reg,
		pool:     p,
		engine:   eng,
		vfs:      v,
		router:   rt,
	}

	if cfg.VFS.AutoConnect {
		for alias := range vfsPatterns {
			if err := v.ConnectToServer(context.Background(), alias); err != nil {
				g.logger.Warn().Str("alias", alias).Err(err).Msg("auto-connect failed")
			}
		}
	}

	return g, nil
}

// ErrClosed is returned by any operation attempted after Destroy.
var ErrClosed = fmt.Errorf("gateway: closed")

func (g *Gateway) enter() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrClosed
	}
	g.inflight.Add(1)
	return nil
}

// ExecuteQuery runs sql through the Router, federating across any mcp://
// or <alias>.<table> references it finds, per spec.md §4.H.
func (g *Gateway) ExecuteQuery(ctx context.Context, sql string) (*router.QueryResult, error) {
	if err := g.enter(); err != nil {
		return nil, err
	}
	defer g.inflight.Done()
	return g.router.ExecuteQuery(ctx, sql)
}

// ExplainQuery returns a human-readable rendering of the plan Router would
// use for sql, without executing it.
func (g *Gateway) ExplainQuery(sql string) string {
	return g.router.ExplainQuery(sql)
}

// ResolveURI resolves a single mcp:// resource to a local cached path via
// the VFS, for callers that want direct resource access rather than a
// federated SQL query.
func (g *Gateway) ResolveURI(ctx context.Context, u string) (*vfs.Resolved, error) {
	if err := g.enter(); err != nil {
		return nil, err
	}
	defer g.inflight.Done()
	return g.vfs.ResolveURI(ctx, u)
}

// ProcessQuery rewrites sql's mcp:// references into local-file reader
// fragments via the VFS, without federated temp-table materialization —
// the lower-overhead path for queries that only reference a single
// provider's resources directly.
func (g *Gateway) ProcessQuery(ctx context.Context, sql string) (string, error) {
	if err := g.enter(); err != nil {
		return "", err
	}
	defer g.inflight.Done()
	return g.vfs.ProcessQuery(ctx, sql)
}

// ConnectToServer exposes VFS.ConnectToServer for callers doing manual or
// lazy (non-auto-connect) server registration.
func (g *Gateway) ConnectToServer(ctx context.Context, alias string) error {
	return g.vfs.ConnectToServer(ctx, alias)
}

// GetStats returns the aggregated snapshot across every subsystem.
func (g *Gateway) GetStats() Stats {
	return Stats{
		VFS:      g.vfs.GetStats(),
		Cache:    g.cache.GetStats(),
		Pool:     g.pool.GetStats(),
		Router:   g.router.GetStats(),
		Registry: g.registry.GetStats(),
	}
}

// Health reports pool health fraction and cache degraded-mode flag, per
// spec.md §7's "cache continues in RAM-only degraded mode" behavior.
func (g *Gateway) Health() Health {
	ps := g.pool.GetStats()
	h := Health{
		PoolHealthy:   ps.HealthyConnections,
		PoolTotal:     ps.TotalConnections,
		CacheDegraded: g.cache.Degraded(),
	}
	if ps.TotalConnections > 0 {
		h.PoolHealthFraction = float64(ps.HealthyConnections) / float64(ps.TotalConnections)
	} else {
		h.PoolHealthFraction = 1
	}
	return h
}

// Destroy performs graceful shutdown, mirroring cmd/snellerd/run_daemon.go's
// shutdown sequencing: stop accepting new work, wait (bounded by ctx) for
// in-flight executeQuery/resolveURI calls to finish, then close the pool
// (closing every live session) and flush cache metadata once more.
func (g *Gateway) Destroy(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn().Msg("shutdown deadline exceeded with requests still in flight")
	}

	if err := g.pool.Close(); err != nil {
		g.logger.Warn().Err(err).Msg("pool close failed")
	}
	g.cache.Close()
	if err := g.engine.Close(); err != nil {
		g.logger.Warn().Err(err).Msg("engine close failed")
	}
	return nil
}

// DefaultShutdownTimeout is the deadline cmd/fedgated gives its HTTP server
// shutdown and Destroy when it receives a stop signal.
const DefaultShutdownTimeout = 15 * time.Second
