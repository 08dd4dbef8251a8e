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

// Package pool manages reusable transport sessions to remote federated
// providers: health-checked, retried, transport-rotated on "auto", and
// capped in size by an LRU cache keyed on the same (kind, url) pair its
// sessions are addressed by. This generalizes the teacher's tenant.Manager
// (lazy get-or-launch of a keyed child process, one background reaper per
// entry, periodic GC of idle entries) from subprocess tenants to arbitrary
// transport sessions.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/theseedship/duckdb-mcp-gateway/transport"
)

// State is a PooledSession's position in its lifecycle state machine
// (spec.md §4.E: Opening → Healthy → (Unhealthy|Evicted|Closing) → Closed).
type State string

const (
	StateOpening   State = "opening"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateEvicted   State = "evicted"
	StateClosing   State = "closing"
	StateClosed    State = "closed"
)

// PooledSession is the Pool's owned record for one (transport, url) key.
type PooledSession struct {
	Key         string
	Transport   transport.Kind
	Session     transport.Session
	ConnectedAt time.Time
	LastUsed    time.Time
	UseCount    int64
	State       State
}

func (p *PooledSession) healthy() bool { return p.State == StateHealthy }

// Config controls retry, health-check, and eviction behavior.
type Config struct {
	MaxConnections      int           `yaml:"max_connections"`
	RetryAttempts       int           `yaml:"retry_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ConnectionTTL       time.Duration `yaml:"connection_ttl"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:      50,
		RetryAttempts:       3,
		RetryDelay:          1 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		ConnectionTTL:       1 * time.Hour,
		IdleTimeout:         10 * time.Minute,
	}
}

// ConnectFailedError reports exhaustion of all retry/rotation attempts.
type ConnectFailedError struct {
	URL     string
	Wrapped error
}

func (e *ConnectFailedError) Error() string {
	return fmt.Sprintf("pool: connect failed for %s: %s", e.URL, e.Wrapped)
}

func (e *ConnectFailedError) Unwrap() error { return e.Wrapped }

// Stats mirrors spec.md §4.E's PoolStats record.
type Stats struct {
	TotalConnections       int
	HealthyConnections     int
	UnhealthyConnections   int
	ConnectionsByTransport map[transport.Kind]int
	AverageUseCount        float64
}

// inflight is the per-key single-flight latch guaranteeing concurrent
// requests for the same key share one connection attempt, mirroring
// tenant.child's avail channel gate.
type inflight struct {
	done chan struct{}
	sess *PooledSession
	err  error
}

// Pool owns every live PooledSession and the background health/cleanup
// tasks that keep the set within bounds.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions *lru.Cache[string, *PooledSession]
	pending  map[string]*inflight

	cron       *cron.Cron
	healthJob  cron.EntryID
	cleanupJob cron.EntryID

	dialer func(kind transport.Kind, url string) (transport.Session, error)
	probe  func(ctx context.Context, s transport.Session) error

	closed bool
}

// Option configures optional Pool behavior, following the teacher's
// tenant.Manager functional-option convention.
type Option func(p *Pool)

// WithDialer overrides how the pool opens a new transport.Session for a
// given (kind, url); tests use this to substitute a fake transport.
func WithDialer(fn func(kind transport.Kind, url string) (transport.Session, error)) Option {
	return func(p *Pool) { p.dialer = fn }
}

// WithProbe overrides the health-check operation run against each live
// session.
func WithProbe(fn func(ctx context.Context, s transport.Session) error) Option {
	return func(p *Pool) { p.probe = fn }
}

// New constructs a Pool and starts its background health-check and
// cleanup jobs (spec.md §4.E "Health"/"Cleanup").
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultConfig().HealthCheckInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.ConnectionTTL <= 0 {
		cfg.ConnectionTTL = DefaultConfig().ConnectionTTL
	}

	p := &Pool{
		cfg:     cfg,
		logger:  logger.With().Str("component", "pool").Logger(),
		pending: make(map[string]*inflight),
		dialer: func(kind transport.Kind, url string) (transport.Session, error) {
			return transport.New(kind, url)
		},
		probe: defaultProbe,
	}
	for _, opt := range opts {
		opt(p)
	}

	// onEvicted fires synchronously from Add/Remove while p.mu is already
	// held by the caller; it must not re-lock p.mu, only release the
	// session's own resources. Capacity eviction (the cache's own LRU
	// policy, touched in lockstep with LastUsed on every GetSession hit)
	// and idle/TTL cleanup (runCleanup's explicit Remove) both route
	// through here, per spec.md §4.E "an eviction always targets the entry
	// with the oldest lastUsed" — Add/Get touch recency and LastUsed
	// together, so the cache's LRU order and lastUsed order never diverge.
	p.sessions, _ = lru.NewWithEvict[string, *PooledSession](cfg.MaxConnections, func(_ string, sess *PooledSession) {
		sess.State = StateClosing
		sess.Session.Close()
		sess.State = StateClosed
	})

	p.cron = cron.New()
	p.healthJob, _ = p.cron.AddFunc(fmt.Sprintf("@every %s", cfg.HealthCheckInterval), p.runHealthChecks)
	p.cleanupJob, _ = p.cron.AddFunc(fmt.Sprintf("@every %s", cfg.IdleTimeout/2), p.runCleanup)
	p.cron.Start()
	return p
}

func defaultProbe(ctx context.Context, s transport.Session) error {
	_, err := transport.NewProvider(s).ListResources(ctx)
	return err
}

func key(kind transport.Kind, url string) string {
	return string(kind) + "://" + url
}

// GetSession returns a cached healthy session for (transportHint, url) if
// present, else opens one under the size cap, per spec.md §4.E.
func (p *Pool) GetSession(ctx context.Context, url string, transportHint transport.Kind) (*PooledSession, error) {
	resolvedHint := transportHint
	if resolvedHint == "" || resolvedHint == transport.KindAuto {
		guessed := transport.GuessKind(url)
		if guessed != transport.KindAuto {
			resolvedHint = guessed
		} else {
			resolvedHint = transport.KindAuto
		}
	}
	k := key(resolvedHint, url)

	p.mu.Lock()
	if sess, ok := p.sessions.Get(k); ok {
		if sess.healthy() {
			sess.LastUsed = time.Now()
			sess.UseCount++
			p.mu.Unlock()
			return sess, nil
		}
		// stale/unhealthy entry observed at GetSession time: discard and
		// fall through to open fresh, per spec.md §4.E "Health".
		p.removeLocked(k)
	}
	if w, ok := p.pending[k]; ok {
		p.mu.Unlock()
		<-w.done
		if w.err != nil {
			return nil, w.err
		}
		return w.sess, nil
	}
	w := &inflight{done: make(chan struct{})}
	p.pending[k] = w
	p.mu.Unlock()

	sess, err := p.open(ctx, k, url, resolvedHint)

	p.mu.Lock()
	delete(p.pending, k)
	if err != nil {
		w.err = err
	} else {
		// Add alone enforces the size cap: at capacity it evicts the
		// least-recently-touched entry via onEvicted before inserting.
		p.sessions.Add(k, sess)
		w.sess = sess
	}
	p.mu.Unlock()
	close(w.done)

	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (p *Pool) open(ctx context.Context, k, url string, hint transport.Kind) (*PooledSession, error) {
	attemptKind := hint
	if attemptKind == transport.KindAuto {
		attemptKind = transport.KindStdio // first entry of the fixed auto rotation
	}
	var lastErr error
	for attempt := 0; attempt < p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if hint == transport.KindAuto {
				attemptKind = transport.Next(attemptKind)
			}
		}

		sess, err := p.dialer(attemptKind, url)
		if err != nil {
			lastErr = err
			continue
		}
		if err := sess.Connect(ctx); err != nil {
			lastErr = err
			continue
		}
		now := time.Now()
		return &PooledSession{
			Key:         k,
			Transport:   attemptKind,
			Session:     sess,
			ConnectedAt: now,
			LastUsed:    now,
			UseCount:    1,
			State:       StateHealthy,
		}, nil
	}
	return nil, &ConnectFailedError{URL: url, Wrapped: lastErr}
}

// removeLocked discards entry k, invoking onEvicted to close its session.
// Caller holds p.mu.
func (p *Pool) removeLocked(k string) {
	p.sessions.Remove(k)
}

// runHealthChecks probes every live session with a cheap operation; a
// failure marks the entry unhealthy so the next GetSession discards it.
// Peek is used instead of Get so probing never counts as a touch — an
// unused entry stays evictable even while being health-checked.
func (p *Pool) runHealthChecks() {
	p.mu.Lock()
	keys := p.sessions.Keys()
	targets := make([]*PooledSession, 0, len(keys))
	for _, k := range keys {
		if s, ok := p.sessions.Peek(k); ok {
			targets = append(targets, s)
		}
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range targets {
		if err := p.probe(ctx, s.Session); err != nil {
			p.mu.Lock()
			if cur, ok := p.sessions.Peek(s.Key); ok && cur == s {
				cur.State = StateUnhealthy
			}
			p.mu.Unlock()
			p.logger.Warn().Str("key", s.Key).Err(err).Msg("health probe failed")
		}
	}
}

// runCleanup evicts entries past their connection TTL or idle timeout.
func (p *Pool) runCleanup() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.sessions.Keys() {
		s, ok := p.sessions.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(s.ConnectedAt) > p.cfg.ConnectionTTL || now.Sub(s.LastUsed) > p.cfg.IdleTimeout {
			p.removeLocked(k)
		}
	}
}

// GetStats returns an aggregate snapshot per spec.md §4.E.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{ConnectionsByTransport: make(map[transport.Kind]int)}
	var totalUse int64
	for _, k := range p.sessions.Keys() {
		s, ok := p.sessions.Peek(k)
		if !ok {
			continue
		}
		st.TotalConnections++
		if s.healthy() {
			st.HealthyConnections++
		} else {
			st.UnhealthyConnections++
		}
		st.ConnectionsByTransport[s.Transport]++
		totalUse += s.UseCount
	}
	if st.TotalConnections > 0 {
		st.AverageUseCount = float64(totalUse) / float64(st.TotalConnections)
	}
	return st
}

// Close stops background jobs and closes every live session.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.cron.Stop()
	p.sessions.Purge()
	return nil
}
