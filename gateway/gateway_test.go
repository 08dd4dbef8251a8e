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
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) *Gateway {
	cfg := DefaultConfig(t.TempDir())
	cfg.Cache.CleanupInterval = time.Hour
	cfg.Pool.HealthCheckInterval = time.Hour
	cfg.Pool.IdleTimeout = time.Hour
	cfg.VFS.AutoConnect = false
	cfg.EngineDSN = "file::memory:?cache=shared"

	g, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		g.Destroy(ctx)
	})
	return g
}

func TestExecuteQueryLocalOnly(t *testing.T) {
	g := newTestGateway(t)

	res, err := g.ExecuteQuery(context.Background(), "SELECT 1 AS x")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, []string{"local"}, res.SourcesQueried)
}

func TestExplainQueryLocalOnly(t *testing.T) {
	g := newTestGateway(t)
	require.Equal(t, "local-only query; no federation detected", g.ExplainQuery("SELECT 1"))
}

func TestGetStatsAggregatesSubsystems(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.ExecuteQuery(context.Background(), "SELECT 1 AS x")
	require.NoError(t, err)

	stats := g.GetStats()
	require.EqualValues(t, 1, stats.Router.QueriesRouted)
}

func TestHealthWithNoPoolActivityReportsFullyHealthy(t *testing.T) {
	g := newTestGateway(t)
	h := g.Health()
	require.Equal(t, 0, h.PoolTotal)
	require.Equal(t, float64(1), h.PoolHealthFraction)
	require.False(t, h.CacheDegraded)
}

func TestDestroyRejectsFurtherCalls(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.VFS.AutoConnect = false
	g, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Destroy(ctx))

	_, err = g.ExecuteQuery(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, ErrClosed)

	// Destroy is idempotent.
	require.NoError(t, g.Destroy(ctx))
}

func TestReportPrometheusSinkReflectsStats(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.ExecuteQuery(context.Background(), "SELECT 1 AS x")
	require.NoError(t, err)

	sink := NewPrometheusSink()
	sink.Report(g.GetStats())

	mfs, err := sink.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}
