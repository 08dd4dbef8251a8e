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

package vfs

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/theseedship/duckdb-mcp-gateway/cache"
	"github.com/theseedship/duckdb-mcp-gateway/pool"
	"github.com/theseedship/duckdb-mcp-gateway/registry"
	"github.com/theseedship/duckdb-mcp-gateway/transport"
)

// rpcSession is a transport.Session that interprets the request method
// (resources/list, resources/read) and answers with canned content, so
// transport.Provider's call()/ReadResourceRaw round-trip correctly.
type rpcSession struct {
	mu        sync.Mutex
	open      bool
	resources []transport.Resource
	content   string
	readCount int32
	pending   []transport.Message
}

func (r *rpcSession) Connect(ctx context.Context) error { r.open = true; return nil }

func (r *rpcSession) Send(ctx context.Context, msg transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reply transport.Message
	reply.ID = msg.ID
	switch msg.Method {
	case "resources/list":
		b, _ := json.Marshal(map[string]any{"resources": r.resources})
		reply.Result = b
	case "resources/read":
		atomic.AddInt32(&r.readCount, 1)
		b, _ := json.Marshal(map[string]any{
			"contents": []map[string]string{{"text": r.content, "mimeType": "text/csv"}},
		})
		reply.Result = b
	default:
		reply.Error = &transport.RPCError{Code: 404, Message: "unknown method"}
	}
	r.pending = append(r.pending, reply)
	return nil
}

func (r *rpcSession) Receive(ctx context.Context) (transport.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return transport.Message{}, transport.ErrClosed
	}
	m := r.pending[0]
	r.pending = r.pending[1:]
	return m, nil
}

func (r *rpcSession) Close() error      { r.open = false; return nil }
func (r *rpcSession) IsConnected() bool { return r.open }

func newTestVFS(t *testing.T, sess transport.Session) (*VFS, *cache.Cache) {
	c, err := cache.New(cache.DefaultConfig(t.TempDir()), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	r := registry.New()

	cfg := pool.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.HealthCheckInterval = time.Hour
	cfg.IdleTimeout = time.Hour
	cfg.ConnectionTTL = time.Hour
	p := pool.New(cfg, zerolog.Nop(), pool.WithDialer(func(kind transport.Kind, url string) (transport.Session, error) {
		return sess, nil
	}))
	t.Cleanup(func() { p.Close() })

	patterns := map[string][]ConnectPattern{
		"api": {{Transport: transport.KindStdio, Address: "stdio://fake"}},
	}
	return New(c, r, p, patterns), c
}

func TestResolveURIFetchesAndCaches(t *testing.T) {
	sess := &rpcSession{
		resources: []transport.Resource{{URI: "/data.csv", Name: "data"}},
		content:   "a,b\n1,2\n",
	}
	v, _ := newTestVFS(t, sess)

	res, err := v.ResolveURI(context.Background(), "mcp://api/data.csv")
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Equal(t, "api", res.Server)

	res2, err := v.ResolveURI(context.Background(), "mcp://api/data.csv")
	require.NoError(t, err)
	require.True(t, res2.Cached)
	require.EqualValues(t, 1, atomic.LoadInt32(&sess.readCount))
}

func TestConcurrentResolveURISameKeyDedups(t *testing.T) {
	sess := &rpcSession{
		resources: []transport.Resource{{URI: "/data.csv", Name: "data"}},
		content:   "a,b\n1,2\n",
	}
	v, _ := newTestVFS(t, sess)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := v.ResolveURI(context.Background(), "mcp://api/data.csv")
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&sess.readCount))
}

func TestResolveMultipleToleratesPerURIFailure(t *testing.T) {
	sess := &rpcSession{
		resources: []transport.Resource{{URI: "/data.csv", Name: "data"}},
		content:   "a,b\n1,2\n",
	}
	v, _ := newTestVFS(t, sess)

	results := v.ResolveMultiple(context.Background(), []string{
		"mcp://api/data.csv",
		"not-a-valid-uri",
	})
	require.Len(t, results, 2)
	require.NotNil(t, results[0])
	require.Nil(t, results[1])
}

func TestIsAvailableAfterConnect(t *testing.T) {
	sess := &rpcSession{resources: []transport.Resource{{URI: "/data.csv", Name: "data"}}}
	v, _ := newTestVFS(t, sess)

	require.False(t, v.IsAvailable("mcp://api/data.csv"))
	require.NoError(t, v.ConnectToServer(context.Background(), "api"))
	require.True(t, v.IsAvailable("mcp://api/data.csv"))
}

func TestGetStatsTracksHitsAndMisses(t *testing.T) {
	sess := &rpcSession{
		resources: []transport.Resource{{URI: "/data.csv", Name: "data"}},
		content:   "a,b\n1,2\n",
	}
	v, _ := newTestVFS(t, sess)

	_, err := v.ResolveURI(context.Background(), "mcp://api/data.csv")
	require.NoError(t, err)
	_, err = v.ResolveURI(context.Background(), "mcp://api/data.csv")
	require.NoError(t, err)

	stats := v.GetStats()
	require.EqualValues(t, 2, stats.TotalResolutions)
	require.EqualValues(t, 1, stats.CacheMisses)
	require.EqualValues(t, 1, stats.CacheHits)
}
