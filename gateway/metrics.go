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
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink receives a Stats snapshot; spec.md §1 treats metrics
// collection as out of scope as a design ("we do not design its
// semantics"), so this is deliberately just an interface. PrometheusSink
// is the one concrete sink, grounded on h3-spatial-cache's
// internal/core/observability package.
type MetricsSink interface {
	Report(Stats)
}

// PrometheusSink reports a Stats snapshot as a set of gauges, the way
// h3-spatial-cache's observability package sets gauges on each sampled
// update rather than incrementing counters inline at the call site —
// appropriate here since Stats arrives as one aggregated snapshot, not as
// individual events.
type PrometheusSink struct {
	registry *prometheus.Registry

	vfsResolutions, vfsCacheHits, vfsCacheMisses, vfsErrors prometheus.Gauge
	cacheItems, cacheSize, cacheHitRate                     prometheus.Gauge
	poolTotal, poolHealthy, poolUnhealthy                   prometheus.Gauge
	routerTempTables, routerQueriesRouted                   prometheus.Gauge
	registryServers, registryResources, registryCached      prometheus.Gauge
}

// NewPrometheusSink builds a PrometheusSink registered against a private
// registry so the gateway's metrics never collide with process-global
// collectors another embedding application may already register.
func NewPrometheusSink() *PrometheusSink {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),

		vfsResolutions: prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_vfs_resolutions_total", Help: "Total resolveURI calls observed."}),
		vfsCacheHits:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_vfs_cache_hits_total", Help: "resolveURI calls served from cache."}),
		vfsCacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_vfs_cache_misses_total", Help: "resolveURI calls that fetched from a provider."}),
		vfsErrors:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_vfs_errors_total", Help: "resolveURI calls that failed."}),

		cacheItems:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_cache_items", Help: "Current number of cached resources."}),
		cacheSize:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_cache_size_bytes", Help: "Current total size of cached resources."}),
		cacheHitRate: prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_cache_hit_rate", Help: "Cache hit rate since startup."}),

		poolTotal:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_pool_connections", Help: "Total live pooled sessions."}),
		poolHealthy:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_pool_healthy_connections", Help: "Live pooled sessions currently healthy."}),
		poolUnhealthy: prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_pool_unhealthy_connections", Help: "Live pooled sessions currently unhealthy."}),

		routerTempTables:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_router_temp_tables_total", Help: "Total temp tables created across all executeQuery calls."}),
		routerQueriesRouted:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_router_queries_routed_total", Help: "Total executeQuery calls handled."}),
		registryServers:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_registry_servers", Help: "Distinct server aliases registered."}),
		registryResources:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_registry_resources", Help: "Total resources registered across all servers."}),
		registryCached:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "fedgateway_registry_cached_resources", Help: "Registered resources currently marked cached."}),
	}
	s.registry.MustRegister(
		s.vfsResolutions, s.vfsCacheHits, s.vfsCacheMisses, s.vfsErrors,
		s.cacheItems, s.cacheSize, s.cacheHitRate,
		s.poolTotal, s.poolHealthy, s.poolUnhealthy,
		s.routerTempTables, s.routerQueriesRouted,
		s.registryServers, s.registryResources, s.registryCached,
	)
	return s
}

// Registry returns the private prometheus.Registry backing this sink, for
// mounting behind promhttp.HandlerFor in cmd/fedgated.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

// Report implements MetricsSink.
func (s *PrometheusSink) Report(st Stats) {
	s.vfsResolutions.Set(float64(st.VFS.TotalResolutions))
	s.vfsCacheHits.Set(float64(st.VFS.CacheHits))
	s.vfsCacheMisses.Set(float64(st.VFS.CacheMisses))
	s.vfsErrors.Set(float64(st.VFS.Errors))

	s.cacheItems.Set(float64(st.Cache.ItemCount))
	s.cacheSize.Set(float64(st.Cache.TotalSize))
	s.cacheHitRate.Set(st.Cache.HitRate)

	s.poolTotal.Set(float64(st.Pool.TotalConnections))
	s.poolHealthy.Set(float64(st.Pool.HealthyConnections))
	s.poolUnhealthy.Set(float64(st.Pool.UnhealthyConnections))

	s.routerTempTables.Set(float64(st.Router.TempTablesCreated))
	s.routerQueriesRouted.Set(float64(st.Router.QueriesRouted))

	s.registryServers.Set(float64(st.Registry.ServerCount))
	s.registryResources.Set(float64(st.Registry.ResourceCount))
	s.registryCached.Set(float64(st.Registry.CachedCount))
}
